package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// RunLocker serializes runs of the same job. Runs of different jobs do not
// block each other.
type RunLocker struct {
	mu   sync.Mutex
	jobs map[uint]*semaphore.Weighted
}

func NewRunLocker() *RunLocker {
	return &RunLocker{jobs: make(map[uint]*semaphore.Weighted)}
}

func (l *RunLocker) sem(jobID uint) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.jobs[jobID]
	if !ok {
		s = semaphore.NewWeighted(1)
		l.jobs[jobID] = s
	}
	return s
}

// Acquire waits for the job's lock. A timeout of 0 waits until ctx is done.
func (l *RunLocker) Acquire(ctx context.Context, jobID uint, timeout time.Duration) (release func(), err error) {
	s := l.sem(jobID)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := s.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("job %d is already running: %w", jobID, err)
	}
	return func() { s.Release(1) }, nil
}

// TryAcquire takes the job's lock only if it is free.
func (l *RunLocker) TryAcquire(jobID uint) (release func(), ok bool) {
	s := l.sem(jobID)
	if !s.TryAcquire(1) {
		return nil, false
	}
	return func() { s.Release(1) }, true
}
