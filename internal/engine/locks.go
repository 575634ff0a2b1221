package engine

import (
	"context"
	"sync"

	"github.com/rendis/querypilot/pkg/schema"
)

type threadLock struct {
	ch   chan struct{}
	refs int
}

// threadLocks serializes turns per thread. Waiting honors the context.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*threadLock)}
}

// Lock blocks until the thread is free and returns its unlock func.
func (l *threadLocks) Lock(ctx context.Context, threadID string) (func(), error) {
	l.mu.Lock()
	tl, ok := l.locks[threadID]
	if !ok {
		tl = &threadLock{ch: make(chan struct{}, 1)}
		l.locks[threadID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(threadID, tl)
		return nil, schema.NewError(schema.ErrCodeCancelled, "cancelled while waiting for thread").
			WithCause(ctx.Err()).
			WithDetails(map[string]any{"thread_id": threadID})
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-tl.ch
			l.release(threadID, tl)
		})
	}, nil
}

func (l *threadLocks) release(threadID string, tl *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, threadID)
	}
}

func (l *threadLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
