package model

// SystemStats mirrors GET /api/stats/system.
type SystemStats struct {
	Uptime          int64  `json:"uptime"` // seconds
	CPUCount        int    `json:"cpu_count"`
	TotalMemory     uint64 `json:"total_memory"` // bytes
	UsedMemory      uint64 `json:"used_memory"`
	FreeMemory      uint64 `json:"free_memory"`
	AvailableMemory uint64 `json:"available_memory"`
	Platform        string `json:"platform"`
	Arch            string `json:"arch"`
	Version         string `json:"version"`
}

// Metric returns a single named field, with a couple of derived ones
// (memory_percent) that widgets commonly bind to.
func (s SystemStats) Metric(name string) (any, bool) {
	switch name {
	case "uptime":
		return s.Uptime, true
	case "cpu_count":
		return s.CPUCount, true
	case "total_memory":
		return s.TotalMemory, true
	case "used_memory":
		return s.UsedMemory, true
	case "free_memory":
		return s.FreeMemory, true
	case "available_memory":
		return s.AvailableMemory, true
	case "memory_percent":
		if s.TotalMemory == 0 {
			return 0.0, true
		}
		return float64(s.UsedMemory) / float64(s.TotalMemory) * 100, true
	case "platform":
		return s.Platform, true
	case "arch":
		return s.Arch, true
	case "version":
		return s.Version, true
	}
	return nil, false
}
