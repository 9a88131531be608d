package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Task is one in-flight job owned by a user.
type Task struct {
	ID      string
	User    string
	Kind    string
	Started time.Time

	cancel    context.CancelFunc
	discarded atomic.Bool
}

// Discarded reports whether the task was cancelled; its result must not be applied.
func (t *Task) Discarded() bool { return t.discarded.Load() }

// Tracker keeps the in-flight job per user so late completions can be
// recognised and dropped.
type Tracker struct {
	mu     sync.Mutex
	active map[string]*Task
	wg     sync.WaitGroup
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{active: make(map[string]*Task)}
}

// Start registers a new task for user, discarding any previous one, and
// returns a context cancelled when the task is.
func (t *Tracker) Start(parent context.Context, user, kind string) (*Task, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	task := &Task{
		ID:      uuid.NewString(),
		User:    user,
		Kind:    kind,
		Started: time.Now(),
		cancel:  cancel,
	}
	t.mu.Lock()
	if prev, ok := t.active[user]; ok {
		prev.discarded.Store(true)
		prev.cancel()
	}
	t.active[user] = task
	t.mu.Unlock()
	t.wg.Add(1)
	return task, ctx
}

// Cancel discards the user's in-flight task, if any.
func (t *Tracker) Cancel(user string) (*Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.active[user]
	if !ok {
		return nil, false
	}
	task.discarded.Store(true)
	task.cancel()
	delete(t.active, user)
	return task, true
}

// Finish releases task and reports whether its result may be applied.
func (t *Tracker) Finish(task *Task) bool {
	defer t.wg.Done()
	t.mu.Lock()
	defer t.mu.Unlock()
	task.cancel()
	if cur, ok := t.active[task.User]; ok && cur == task {
		delete(t.active, task.User)
	}
	return !task.Discarded()
}

// Active returns the user's in-flight task.
func (t *Tracker) Active(user string) (*Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.active[user]
	return task, ok
}

// Len returns the number of in-flight tasks.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// CancelAll discards every in-flight task.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for user, task := range t.active {
		task.discarded.Store(true)
		task.cancel()
		delete(t.active, user)
	}
}

// Wait blocks until every started task has called Finish.
func (t *Tracker) Wait() {
	t.wg.Wait()
}
