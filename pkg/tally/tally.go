package tally

import (
	"strings"
	"sync"
)

// Tally counts occurrences per key. Keys are case-insensitive.
type Tally struct {
	counts map[string]int64
	mu     sync.RWMutex
}

func New() *Tally {
	return &Tally{
		counts: make(map[string]int64),
	}
}

func (t *Tally) Add(key string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[strings.ToLower(key)] += n
}

func (t *Tally) Get(key string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[strings.ToLower(key)]
}

// Snapshot returns a copy of all counts.
func (t *Tally) Snapshot() map[string]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int64, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}
