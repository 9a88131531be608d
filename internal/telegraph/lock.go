package telegraph

import (
	"context"
	"sync"
)

// userLocks hands out one mutex per identity. Entries are dropped when no
// goroutine holds or waits on them.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

// Lock acquires the user's mutex and returns its unlock func.
func (l *userLocks) Lock(user string) func() {
	l.mu.Lock()
	ul, ok := l.locks[user]
	if !ok {
		ul = &userLock{}
		l.locks[user] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, user)
		}
		l.mu.Unlock()
	}
}

func (l *userLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// dispatcher runs messages for the same identity one at a time, in arrival
// order, while different identities proceed in parallel.
type dispatcher struct {
	handle func(context.Context, InboundMessage)

	mu     sync.Mutex
	queues map[string][]InboundMessage
	wg     sync.WaitGroup
}

func newDispatcher(handle func(context.Context, InboundMessage)) *dispatcher {
	return &dispatcher{handle: handle, queues: make(map[string][]InboundMessage)}
}

// Dispatch enqueues msg behind any pending messages from the same sender.
func (d *dispatcher) Dispatch(ctx context.Context, msg InboundMessage) {
	key := msg.Identity()
	d.mu.Lock()
	pending, running := d.queues[key]
	d.queues[key] = append(pending, msg)
	d.mu.Unlock()
	if running {
		return
	}
	d.wg.Add(1)
	go d.drain(ctx, key)
}

func (d *dispatcher) drain(ctx context.Context, key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		pending := d.queues[key]
		if len(pending) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		msg := pending[0]
		d.queues[key] = pending[1:]
		d.mu.Unlock()
		d.handle(ctx, msg)
	}
}

// Wait blocks until every queue is drained.
func (d *dispatcher) Wait() {
	d.wg.Wait()
}
