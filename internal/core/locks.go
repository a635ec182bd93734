package core

import (
	"sync"

	"go.uber.org/zap"
)

// FileLocks is a mutex keyed by file id.
// The engine pass and the work queue both take the lock for a file before
// mutating its row, so the two paths never interleave on the same file.
// Entries are reference counted and dropped when the last holder unlocks.
type FileLocks struct {
	mu    sync.Mutex
	locks map[string]*fileLock
}

type fileLock struct {
	mu   sync.Mutex
	refs int
}

// NewFileLocks creates an empty lock table.
func NewFileLocks() *FileLocks {
	return &FileLocks{locks: make(map[string]*fileLock)}
}

// Lock blocks until fileID is free and returns the matching unlock.
func (l *FileLocks) Lock(fileID string) (unlock func()) {
	l.mu.Lock()
	fl, ok := l.locks[fileID]
	if !ok {
		fl = &fileLock{}
		l.locks[fileID] = fl
	}
	fl.refs++
	l.mu.Unlock()

	fl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			fl.mu.Unlock()

			l.mu.Lock()
			fl.refs--
			if fl.refs == 0 {
				delete(l.locks, fileID)
			}
			l.mu.Unlock()
		})
	}
}

// Len reports how many files are locked or awaited.
func (l *FileLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// listeners is a set of subscriber callbacks. A panicking listener is
// logged and does not stop delivery to the others.
type listeners[T any] struct {
	mu     sync.RWMutex
	next   int
	fns    map[int]func(T)
	logger *zap.Logger
	name   string
}

func newListeners[T any](name string, logger *zap.Logger) *listeners[T] {
	return &listeners[T]{
		fns:    make(map[int]func(T)),
		logger: logger,
		name:   name,
	}
}

// add registers fn and returns its unsubscribe func.
func (ls *listeners[T]) add(fn func(T)) func() {
	ls.mu.Lock()
	id := ls.next
	ls.next++
	ls.fns[id] = fn
	ls.mu.Unlock()

	return func() {
		ls.mu.Lock()
		delete(ls.fns, id)
		ls.mu.Unlock()
	}
}

func (ls *listeners[T]) len() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.fns)
}

func (ls *listeners[T]) clear() {
	ls.mu.Lock()
	ls.fns = make(map[int]func(T))
	ls.mu.Unlock()
}

func (ls *listeners[T]) notify(v T) {
	ls.mu.RLock()
	fns := make([]func(T), 0, len(ls.fns))
	for _, fn := range ls.fns {
		fns = append(fns, fn)
	}
	ls.mu.RUnlock()

	for _, fn := range fns {
		ls.call(fn, v)
	}
}

func (ls *listeners[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			ls.logger.Error("status listener panicked",
				zap.String("source", ls.name),
				zap.Any("panic", r),
			)
		}
	}()
	fn(v)
}
