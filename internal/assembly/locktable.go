package assembly

import "sync"

// LockTable hands out one mutex per upload id, created lazily and shared by
// every caller referencing the same id. Only the short find-or-create step
// takes the table-wide lock; the per-id mutex can then be held for the whole
// assembly without blocking unrelated uploads.
//
// Entries are never evicted. Each costs one mutex per upload id ever seen,
// which is acceptable for a single-process, moderate-upload-count deployment.
type LockTable struct {
	mutex sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockTable creates an empty lock table
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*sync.Mutex)}
}

// Acquire blocks until the mutex for id is held, then returns it.
// The caller must unlock it when done.
func (t *LockTable) Acquire(id string) *sync.Mutex {
	t.mutex.Lock()
	lock, ok := t.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[id] = lock
	}
	t.mutex.Unlock()

	lock.Lock()
	return lock
}

// Len reports how many distinct ids have a lock allocated
func (t *LockTable) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.locks)
}
