package bots

import "sync"

// keyedMutex serializes work per key. Entries are reference counted and
// dropped once no goroutine holds or waits for them, so the map only ever
// holds keys that are in use.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uint]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uint]*refLock)}
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key uint) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return k.releaser(key, l)
}

// TryLock takes key only if nobody holds it. ok is false when the key is
// busy; the caller must not wait.
func (k *keyedMutex) TryLock(key uint) (unlock func(), ok bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, exists := k.locks[key]
	if !exists {
		l = &refLock{}
		k.locks[key] = l
	}
	if !l.mu.TryLock() {
		return nil, false
	}
	l.refs++
	return k.releaser(key, l), true
}

func (k *keyedMutex) releaser(key uint, l *refLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			k.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
