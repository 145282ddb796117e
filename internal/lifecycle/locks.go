package lifecycle

import "sync"

// taskLocks serializes transitions per task id. Operations on distinct
// tasks proceed concurrently; assign/approve/dispute on the same task must
// observe a consistent prior status.
type taskLocks struct {
	mu sync.Mutex
	m  map[string]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

func (l *taskLocks) lock(id string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*taskLock)
	}
	entry, ok := l.m[id]
	if !ok {
		entry = &taskLock{}
		l.m[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
