package state

import (
	"sort"
	"sync"
	"time"

	"healthmon/internal/model"
)

const DefaultLogCapacity = 200

// ServiceState is a point-in-time copy of one service's runtime state.
type ServiceState struct {
	ServiceID   string                     `json:"service_id"`
	ServiceName string                     `json:"service_name"`
	Status      model.Status               `json:"status"`
	Metrics     *model.MetricsSnapshot     `json:"metrics,omitempty"`
	Logs        []model.ClassifiedLogEntry `json:"logs,omitempty"`
	Unread      int                        `json:"unread_notifications"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

type entry struct {
	gen       uint64
	name      string
	status    model.Status
	metrics   *model.MetricsSnapshot
	logs      []model.ClassifiedLogEntry
	head      int
	size      int
	updatedAt time.Time
}

// Store holds runtime state partitioned by service id.
type Store struct {
	mu       sync.RWMutex
	services map[string]*entry
	capacity int
	unread   func() map[string]int
	gen      uint64
}

func NewStore(logCapacity int) *Store {
	if logCapacity <= 0 {
		logCapacity = DefaultLogCapacity
	}
	return &Store{
		services: make(map[string]*entry),
		capacity: logCapacity,
	}
}

// SetUnreadSource wires per-service unread counts into snapshots.
func (s *Store) SetUnreadSource(fn func() map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread = fn
}

// Ensure creates state for id in Connecting status. It reports whether the
// entry was new; an existing entry only has its name refreshed.
func (s *Store) Ensure(id, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.services[id]; ok {
		e.name = name
		return false
	}
	s.services[id] = s.newEntry(name)
	return true
}

func (s *Store) newEntry(name string) *entry {
	s.gen++
	return &entry{
		gen:       s.gen,
		name:      name,
		status:    model.StatusConnecting,
		logs:      make([]model.ClassifiedLogEntry, s.capacity),
		updatedAt: time.Now().UTC(),
	}
}

// Claim gives the caller exclusive write access to the state of id,
// creating it in Connecting status when missing. Existing status, metrics
// and logs are kept. Handles from earlier claims stop applying writes.
func (s *Store) Claim(id, name string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.services[id]
	if !ok {
		e = s.newEntry(name)
		s.services[id] = e
	} else {
		s.gen++
		e.gen = s.gen
		e.name = name
	}
	return &Handle{store: s, id: id, gen: e.gen}
}

// Handle writes to one service's state for as long as its claim is current.
// Every write reports false once the state was removed or claimed again.
type Handle struct {
	store *Store
	id    string
	gen   uint64
}

func (h *Handle) ID() string { return h.id }

// Live reports whether the claim is still current.
func (h *Handle) Live() bool {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	_, ok := h.store.current(h.id, h.gen)
	return ok
}

func (h *Handle) SetStatus(status model.Status) bool {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	e, ok := h.store.current(h.id, h.gen)
	if !ok {
		return false
	}
	e.setStatus(status)
	return true
}

func (h *Handle) UpdateMetrics(m model.MetricsSnapshot) bool {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	e, ok := h.store.current(h.id, h.gen)
	if !ok {
		return false
	}
	e.setMetrics(m)
	return true
}

func (h *Handle) AppendLog(log model.ClassifiedLogEntry) bool {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	e, ok := h.store.current(h.id, h.gen)
	if !ok {
		return false
	}
	e.append(log)
	return true
}

// Remove discards the state only while the claim is current.
func (h *Handle) Remove() bool {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if _, ok := h.store.current(h.id, h.gen); !ok {
		return false
	}
	delete(h.store.services, h.id)
	return true
}

func (s *Store) current(id string, gen uint64) (*entry, bool) {
	e, ok := s.services[id]
	if !ok || e.gen != gen {
		return nil, false
	}
	return e, true
}

func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.services, id)
}

func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.services[id]
	return ok
}

// SetStatus reports false when id has no state.
func (s *Store) SetStatus(id string, status model.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.services[id]
	if !ok {
		return false
	}
	e.setStatus(status)
	return true
}

func (s *Store) Status(id string) (model.Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.services[id]
	if !ok {
		return "", false
	}
	return e.status, true
}

// UpdateMetrics overwrites the latest snapshot; last write wins.
func (s *Store) UpdateMetrics(id string, m model.MetricsSnapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.services[id]
	if !ok {
		return false
	}
	e.setMetrics(m)
	return true
}

// AppendLog adds to the ring, evicting the oldest entry when full.
func (s *Store) AppendLog(id string, log model.ClassifiedLogEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.services[id]
	if !ok {
		return false
	}
	e.append(log)
	return true
}

// Logs returns up to limit of the most recent entries, oldest first.
func (s *Store) Logs(id string, limit int) ([]model.ClassifiedLogEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.services[id]
	if !ok {
		return nil, false
	}
	return e.tail(limit), true
}

func (s *Store) Get(id string) (ServiceState, bool) {
	unread := s.unreadCounts()
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.services[id]
	if !ok {
		return ServiceState{}, false
	}
	return e.snapshot(id, unread[id], true), true
}

// List returns every service without logs, ordered by name.
func (s *Store) List() []ServiceState {
	unread := s.unreadCounts()
	s.mu.RLock()
	out := make([]ServiceState, 0, len(s.services))
	for id, e := range s.services {
		out = append(out, e.snapshot(id, unread[id], false))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServiceName == out[j].ServiceName {
			return out[i].ServiceID < out[j].ServiceID
		}
		return out[i].ServiceName < out[j].ServiceName
	})
	return out
}

func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.services))
	for id := range s.services {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Store) unreadCounts() map[string]int {
	s.mu.RLock()
	fn := s.unread
	s.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn()
}

func (e *entry) setStatus(status model.Status) {
	e.status = status
	e.updatedAt = time.Now().UTC()
}

func (e *entry) setMetrics(m model.MetricsSnapshot) {
	if m.LastUpdate.IsZero() {
		m.LastUpdate = time.Now().UTC()
	}
	e.metrics = &m
	e.updatedAt = m.LastUpdate
}

func (e *entry) append(log model.ClassifiedLogEntry) {
	idx := (e.head + e.size) % len(e.logs)
	e.logs[idx] = log
	if e.size < len(e.logs) {
		e.size++
	} else {
		e.head = (e.head + 1) % len(e.logs)
	}
}

func (e *entry) snapshot(id string, unread int, withLogs bool) ServiceState {
	st := ServiceState{
		ServiceID:   id,
		ServiceName: e.name,
		Status:      e.status,
		Unread:      unread,
		UpdatedAt:   e.updatedAt,
	}
	if e.metrics != nil {
		m := *e.metrics
		st.Metrics = &m
	}
	if withLogs {
		st.Logs = e.tail(0)
	}
	return st
}

func (e *entry) tail(limit int) []model.ClassifiedLogEntry {
	if limit <= 0 || limit > e.size {
		limit = e.size
	}
	out := make([]model.ClassifiedLogEntry, 0, limit)
	for i := e.size - limit; i < e.size; i++ {
		out = append(out, e.logs[(e.head+i)%len(e.logs)])
	}
	return out
}
