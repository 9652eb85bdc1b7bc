package scheduler

import (
	"sync"
)

// TaskLocks serializes work on a single task id.
// Uses a keyed mutex pattern: each task id gets its own mutex, so different
// tasks proceed concurrently while calls on the same task queue up.
type TaskLocks struct {
	mu    sync.Mutex // Guards the locks map itself
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewTaskLocks creates an empty lock table.
func NewTaskLocks() *TaskLocks {
	return &TaskLocks{
		locks: make(map[string]*keyedLock),
	}
}

// Lock acquires the mutex for taskID and returns the function that releases it.
// Entries are dropped once no caller holds or waits on them.
func (l *TaskLocks) Lock(taskID string) (unlock func()) {
	l.mu.Lock()
	kl, exists := l.locks[taskID]
	if !exists {
		kl = &keyedLock{}
		l.locks[taskID] = kl
	}
	kl.refs++
	l.mu.Unlock()

	// Acquire the per-task lock outside the table lock to avoid contention
	kl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			kl.mu.Unlock()

			l.mu.Lock()
			kl.refs--
			if kl.refs == 0 {
				delete(l.locks, taskID)
			}
			l.mu.Unlock()
		})
	}
}

// Held returns the number of task ids with an active or waiting holder.
func (l *TaskLocks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
