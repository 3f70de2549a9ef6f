package conversation

import "sync"

// Locker serializes work per conversation id. Locks for different ids do
// not contend; an id's lock is released from memory when nobody holds or
// waits for it.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*idLock
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocker creates a Locker
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*idLock)}
}

// Lock blocks until the lock for id is held and returns its release function
func (l *Locker) Lock(id string) func() {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &idLock{}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return l.release(id, lk)
}

// TryLock takes the lock for id only if nobody holds or waits for it
func (l *Locker) TryLock(id string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.locks[id]; busy {
		return nil, false
	}
	lk := &idLock{refs: 1}
	lk.mu.Lock()
	l.locks[id] = lk
	return l.release(id, lk), true
}

func (l *Locker) release(id string, lk *idLock) func() {
	return func() {
		lk.mu.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// Held returns the number of ids currently locked or waited on
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
