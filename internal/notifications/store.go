package notifications

import (
	"sync"
	"time"

	"healthmon/internal/model"
)

const DefaultLimit = 50

// Store keeps the most recent notification records, oldest dropped first.
type Store struct {
	mu      sync.RWMutex
	buf     []model.NotificationRecord
	limit   int
	nextID  int64
	onEvict func(model.NotificationRecord)
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{limit: limit}
}

// OnEvict registers fn to run for every record that leaves the store through
// overflow or Clear. It is called without the store lock held.
func (s *Store) OnEvict(fn func(model.NotificationRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Add assigns an id and stores rec as unread.
func (s *Store) Add(rec model.NotificationRecord) model.NotificationRecord {
	s.mu.Lock()
	s.nextID++
	rec.ID = s.nextID
	rec.Read = false
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var evicted []model.NotificationRecord
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, rec)
	} else {
		evicted = append(evicted, s.buf[0])
		copy(s.buf, s.buf[1:])
		s.buf[len(s.buf)-1] = rec
	}
	fn := s.onEvict
	s.mu.Unlock()
	s.notify(fn, evicted)
	return rec
}

// List returns up to limit records, newest first. limit <= 0 means all.
func (s *Store) List(limit int) []model.NotificationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.NotificationRecord, 0, limit)
	for i := len(s.buf) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Get(id int64) (model.NotificationRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.buf {
		if rec.ID == id {
			return rec, true
		}
	}
	return model.NotificationRecord{}, false
}

// MarkRead reports whether a record with id exists.
func (s *Store) MarkRead(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.buf {
		if s.buf[i].ID == id {
			s.buf[i].Read = true
			return true
		}
	}
	return false
}

// MarkAllRead returns how many records changed.
func (s *Store) MarkAllRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.buf {
		if !s.buf[i].Read {
			s.buf[i].Read = true
			n++
		}
	}
	return n
}

func (s *Store) Clear() {
	s.mu.Lock()
	evicted := s.buf
	s.buf = nil
	fn := s.onEvict
	s.mu.Unlock()
	s.notify(fn, evicted)
}

func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.buf {
		if !rec.Read {
			n++
		}
	}
	return n
}

// UnreadByService counts unread records per service id.
func (s *Store) UnreadByService() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for _, rec := range s.buf {
		if !rec.Read {
			out[rec.ServiceID]++
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) notify(fn func(model.NotificationRecord), recs []model.NotificationRecord) {
	if fn == nil {
		return
	}
	for _, rec := range recs {
		fn(rec)
	}
}
