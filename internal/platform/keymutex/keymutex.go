// Package keymutex provides per-key mutual exclusion.
//
// Writers to the same key serialize while writers to different keys proceed
// in parallel. Entries are reference counted and removed when the last holder
// unlocks, so the lock table stays bounded by the number of in-flight keys.
package keymutex

import "sync"

// KeyMutex serializes critical sections per string key.
//
// The zero value is not usable; call New.
type KeyMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New returns an empty KeyMutex.
func New() *KeyMutex {
	return &KeyMutex{entries: make(map[string]*entry)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *KeyMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
