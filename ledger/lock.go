package ledger

import (
	"context"
	"sync"
)

// Locker grants exclusive execution per key. Lock blocks until the key is
// free or ctx is done; the returned unlock func is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is the in-process Locker. Each key gets a one-slot channel so
// waiters can give up when their context ends; slots are dropped once no
// goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*keySlot
}

type keySlot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*keySlot)}
}

func (km *KeyedMutex) acquireSlot(key string) *keySlot {
	km.mu.Lock()
	defer km.mu.Unlock()

	s, ok := km.slots[key]
	if !ok {
		s = &keySlot{ch: make(chan struct{}, 1)}
		km.slots[key] = s
	}
	s.refs++
	return s
}

func (km *KeyedMutex) releaseSlot(key string, s *keySlot) {
	km.mu.Lock()
	defer km.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(km.slots, key)
	}
}

// Lock implements Locker.
func (km *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	s := km.acquireSlot(key)

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		km.releaseSlot(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			km.releaseSlot(key, s)
		})
	}, nil
}

// held returns the number of keys currently locked or waited on.
func (km *KeyedMutex) held() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.slots)
}
