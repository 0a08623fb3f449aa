package services

import "sync"

// keyedMutex serializes work per key while leaving distinct keys fully
// concurrent. The ingestion path locks the (hospital, blood group, product)
// key for the duration of its read-modify-write, which keeps the no-lost-
// update guarantee inside the process; the database row lock covers
// concurrent service instances. The key space is bounded by
// hospitals x blood groups x products, so entries are never evicted.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
