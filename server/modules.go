package server

import (
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/puzpuzpuz/xsync"

	"github.com/chazu/nai/vm"
)

// compiled is a module kept by the store.
type compiled struct {
	id       string
	key      string
	module   *vm.Module
	created  time.Time
	lastUsed atomic.Int64 // unix nanoseconds
}

// ModuleStore memoises compiled modules by id and by cache key. Lookups
// vastly outnumber inserts, so reads take the reader side of an RBMutex.
// A stored module is never mutated; interpreters only read it.
type ModuleStore struct {
	mu    *xsync.RBMutex
	byID  map[string]*compiled
	byKey map[string]*compiled
	now   func() time.Time
}

// NewModuleStore creates an empty store.
func NewModuleStore() *ModuleStore {
	return &ModuleStore{
		mu:    &xsync.RBMutex{},
		byID:  make(map[string]*compiled),
		byKey: make(map[string]*compiled),
		now:   time.Now,
	}
}

// Add stores m under key and returns its id. A module already stored
// under the same key keeps its id.
func (s *ModuleStore) Add(key string, m *vm.Module) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.byKey[key]; ok {
		c.lastUsed.Store(s.now().UnixNano())
		return c.id
	}
	now := s.now()
	c := &compiled{
		id:      ulid.Make().String(),
		key:     key,
		module:  m,
		created: now,
	}
	c.lastUsed.Store(now.UnixNano())
	s.byID[c.id] = c
	s.byKey[key] = c
	return c.id
}

// Lookup returns the module stored under id.
func (s *ModuleStore) Lookup(id string) (*vm.Module, bool) {
	t := s.mu.RLock()
	defer s.mu.RUnlock(t)

	c, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	c.lastUsed.Store(s.now().UnixNano())
	return c.module, true
}

// LookupKey returns the id and module stored under a cache key.
func (s *ModuleStore) LookupKey(key string) (string, *vm.Module, bool) {
	t := s.mu.RLock()
	defer s.mu.RUnlock(t)

	c, ok := s.byKey[key]
	if !ok {
		return "", nil, false
	}
	c.lastUsed.Store(s.now().UnixNano())
	return c.id, c.module, true
}

// Len returns the number of stored modules.
func (s *ModuleStore) Len() int {
	t := s.mu.RLock()
	defer s.mu.RUnlock(t)
	return len(s.byID)
}

// Release removes a module.
func (s *ModuleStore) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.byID[id]; ok {
		delete(s.byID, id)
		delete(s.byKey, c.key)
	}
}

// Sweep removes modules that haven't been used within the TTL.
func (s *ModuleStore) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-ttl).UnixNano()
	removed := 0
	for id, c := range s.byID {
		if c.lastUsed.Load() < cutoff {
			delete(s.byID, id)
			delete(s.byKey, c.key)
			removed++
		}
	}
	if removed > 0 {
		log.Debugf("swept %d idle modules", removed)
	}
	return removed
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *ModuleStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
