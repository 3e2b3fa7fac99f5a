// Package store is the process-wide table of device records that every
// resolution path reads from. Writes are copy-on-write: each update publishes
// a new State whose changed record (and its CurrentValues map) is a fresh
// value, so listeners can skip work with a pointer comparison.
package store

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/dashfeed/internal/model"
)

// State is an immutable snapshot of all devices.
type State struct {
	Devices map[string]*model.DeviceRecord
	Version uint64
}

// Lookup finds a device by its primary id or by the device_id alias.
func (s State) Lookup(id string) (*model.DeviceRecord, bool) {
	if id == "" {
		return nil, false
	}
	if d, ok := s.Devices[id]; ok {
		return d, true
	}
	// sorted so that two records claiming the same alias resolve stably
	keys := make([]string, 0, len(s.Devices))
	for k := range s.Devices {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if d := s.Devices[k]; d.Matches(id) {
			return d, true
		}
	}
	return nil, false
}

// Listener receives the state after every change.
type Listener func(State)

// Store owns the device table.
type Store struct {
	mu        sync.Mutex
	state     State
	listeners map[uint64]Listener
	nextID    uint64
	now       func() time.Time
}

func New() *Store {
	return &Store{
		state:     State{Devices: map[string]*model.DeviceRecord{}},
		listeners: make(map[uint64]Listener),
		now:       time.Now,
	}
}

// State returns the current snapshot.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Lookup is State().Lookup(id).
func (s *Store) Lookup(id string) (*model.DeviceRecord, bool) {
	return s.State().Lookup(id)
}

// UpdateDeviceMetric sets one current value. An unknown device gets a fresh
// record keyed by deviceID. Setting a value equal to the current one is a no-op.
func (s *Store) UpdateDeviceMetric(deviceID, key string, v any) {
	if deviceID == "" || key == "" {
		return
	}
	s.mutate(func(devs map[string]*model.DeviceRecord) bool {
		key2, cur := find(devs, deviceID)
		if cur != nil {
			if old, ok := cur.CurrentValues[key]; ok && scalarEqual(old, v) {
				return false
			}
		}
		var next *model.DeviceRecord
		if cur == nil {
			key2 = deviceID
			next = &model.DeviceRecord{ID: deviceID, CurrentValues: map[string]any{}}
		} else {
			next = cur.Clone()
		}
		next.CurrentValues[key] = v
		next.LastSeen = s.now().Unix()
		devs[key2] = next
		return true
	})
}

// UpdateDeviceMetrics applies several values in a single published change.
func (s *Store) UpdateDeviceMetrics(deviceID string, values map[string]any) {
	if deviceID == "" || len(values) == 0 {
		return
	}
	s.mutate(func(devs map[string]*model.DeviceRecord) bool {
		key, cur := find(devs, deviceID)
		var next *model.DeviceRecord
		if cur == nil {
			key = deviceID
			next = &model.DeviceRecord{ID: deviceID, CurrentValues: map[string]any{}}
		} else {
			next = cur.Clone()
		}
		changed := cur == nil
		for k, v := range values {
			if old, ok := next.CurrentValues[k]; ok && scalarEqual(old, v) {
				continue
			}
			next.CurrentValues[k] = v
			changed = true
		}
		if !changed {
			return false
		}
		next.LastSeen = s.now().Unix()
		devs[key] = next
		return true
	})
}

// Upsert replaces a record with an explicit fetch result.
func (s *Store) Upsert(rec model.DeviceRecord) {
	if rec.ID == "" {
		rec.ID = rec.DeviceID
	}
	if rec.ID == "" {
		return
	}
	r := rec.Clone()
	s.mutate(func(devs map[string]*model.DeviceRecord) bool {
		key, _ := find(devs, r.ID)
		if key == "" {
			key = r.ID
		}
		devs[key] = r
		return true
	})
}

// SetPresence records an online/offline transition.
func (s *Store) SetPresence(deviceID string, online bool, lastSeen int64) {
	if deviceID == "" {
		return
	}
	status := model.StatusOffline
	if online {
		status = model.StatusOnline
	}
	s.mutate(func(devs map[string]*model.DeviceRecord) bool {
		key, cur := find(devs, deviceID)
		var next *model.DeviceRecord
		if cur == nil {
			key = deviceID
			next = &model.DeviceRecord{ID: deviceID, CurrentValues: map[string]any{}}
		} else {
			if cur.Online == online && cur.Status == status && (lastSeen == 0 || cur.LastSeen == lastSeen) {
				return false
			}
			next = cur.Clone()
		}
		next.Online = online
		next.Status = status
		if lastSeen > 0 {
			next.LastSeen = lastSeen
		}
		devs[key] = next
		return true
	})
}

// Subscribe registers fn and returns its unsubscribe function.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// mutate runs fn on a copy of the device map and, if fn reports a change,
// publishes the copy and notifies listeners outside the lock.
func (s *Store) mutate(fn func(map[string]*model.DeviceRecord) bool) {
	s.mu.Lock()
	devs := make(map[string]*model.DeviceRecord, len(s.state.Devices)+1)
	for k, v := range s.state.Devices {
		devs[k] = v
	}
	if !fn(devs) {
		s.mu.Unlock()
		return
	}
	s.state = State{Devices: devs, Version: s.state.Version + 1}
	st := s.state
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, s.listeners[id])
	}
	s.mu.Unlock()

	for _, l := range ls {
		l(st)
	}
}

func find(devs map[string]*model.DeviceRecord, id string) (string, *model.DeviceRecord) {
	if d, ok := devs[id]; ok {
		return id, d
	}
	keys := make([]string, 0, len(devs))
	for k := range devs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if devs[k].Matches(id) {
			return k, devs[k]
		}
	}
	return "", nil
}

// scalarEqual compares two comparable values of the same type; records,
// lists and other uncomparable values are always treated as changed.
func scalarEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
