package engine

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DedupeIndex remembers which log occurrences already produced a
// notification. Keys backing a live notification are pinned and never
// forgotten; all other keys live in a bounded LRU, or an unbounded set when
// capacity is zero.
type DedupeIndex struct {
	mu     sync.Mutex
	pinned map[string]int
	recent *lru.Cache[string, struct{}]
	all    map[string]struct{}
}

func NewDedupeIndex(capacity int) *DedupeIndex {
	d := &DedupeIndex{pinned: make(map[string]int)}
	if capacity > 0 {
		cache, err := lru.New[string, struct{}](capacity)
		if err == nil {
			d.recent = cache
		}
	}
	if d.recent == nil {
		d.all = make(map[string]struct{})
	}
	return d
}

func (d *DedupeIndex) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seenLocked(key)
}

func (d *DedupeIndex) Record(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recordLocked(key)
}

// SeenOrRecord reports whether key was already known and records it if not,
// in one step.
func (d *DedupeIndex) SeenOrRecord(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seenLocked(key) {
		return true
	}
	d.recordLocked(key)
	return false
}

// Pin keeps key out of LRU eviction until a matching Unpin.
func (d *DedupeIndex) Pin(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pinned[key]++
	if d.recent != nil {
		d.recent.Remove(key)
	}
}

// Unpin releases one pin. The key stays known but becomes evictable.
func (d *DedupeIndex) Unpin(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.pinned[key]
	if !ok {
		return
	}
	if n > 1 {
		d.pinned[key] = n - 1
		return
	}
	delete(d.pinned, key)
	d.recordLocked(key)
}

func (d *DedupeIndex) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.recent != nil {
		return len(d.pinned) + d.recent.Len()
	}
	return len(d.pinned) + len(d.all)
}

func (d *DedupeIndex) seenLocked(key string) bool {
	if _, ok := d.pinned[key]; ok {
		return true
	}
	if d.recent != nil {
		return d.recent.Contains(key)
	}
	_, ok := d.all[key]
	return ok
}

func (d *DedupeIndex) recordLocked(key string) {
	if _, ok := d.pinned[key]; ok {
		return
	}
	if d.recent != nil {
		d.recent.Add(key, struct{}{})
		return
	}
	d.all[key] = struct{}{}
}
