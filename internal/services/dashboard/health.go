package dashboard

import (
	"net/http"
)

const breakerOpen = "open"

type healthHandler struct {
	engine   Engine
	breakers func() map[string]string
}

func NewHealthHandler(e Engine, breakers func() map[string]string) http.Handler {
	return &healthHandler{engine: e, breakers: breakers}
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	type status struct {
		Status          string            `json:"status"`
		StreamConnected bool              `json:"stream_connected"`
		Widgets         int               `json:"widgets"`
		Breakers        map[string]string `json:"breakers,omitempty"`
	}
	st := status{
		StreamConnected: h.engine.Connected(),
		Widgets:         len(h.engine.Bindings()),
	}
	open := 0
	if h.breakers != nil {
		st.Breakers = h.breakers()
		for _, s := range st.Breakers {
			if s == breakerOpen {
				open++
			}
		}
	}

	// ok needs the stream and every breaker closed
	switch {
	case st.StreamConnected && open == 0:
		st.Status = "ok"
	case st.StreamConnected || open < len(st.Breakers):
		st.Status = "degraded"
	default:
		st.Status = "down"
	}
	writeJSON(w, http.StatusOK, st)
}

// readyHandler answers 200 only when the backend is reachable and, if
// required, the event stream is connected.
type readyHandler struct {
	engine        Engine
	breakers      func() map[string]string
	requireStream bool
}

func NewReadyHandler(e Engine, breakers func() map[string]string, requireStream bool) http.Handler {
	return &readyHandler{engine: e, breakers: breakers, requireStream: requireStream}
}

func (h *readyHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	ready := !h.requireStream || h.engine.Connected()
	if ready && h.breakers != nil {
		for _, s := range h.breakers() {
			if s == breakerOpen {
				ready = false
				break
			}
		}
	}
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]bool{"ready": ready})
}
