package feedcache

import "sync"

// keyedLock serialises work per feed filename so two merges asking for the
// same feed trigger a single network fetch. Entries are never evicted; the
// key space is the handful of feeds a share publishes.
type keyedLock struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{sems: make(map[string]chan struct{})}
}

// lock blocks until the key is free and returns its release func.
func (k *keyedLock) lock(key string) func() {
	k.mu.Lock()
	s, ok := k.sems[key]
	if !ok {
		s = make(chan struct{}, 1)
		k.sems[key] = s
	}
	k.mu.Unlock()
	s <- struct{}{}
	return func() { <-s }
}
