package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/codemux/codemux/pkg/types"
)

// reportAwaiter is a completion handle for a child task's final report, with
// explicit resolve/reject entry points. Abandoned awaiters are reclaimed by
// removal on resolve/reject or on abort, never by garbage collection.
type reportAwaiter struct {
	once sync.Once
	done chan struct{}

	report types.TaskReport
	err    error
}

func newReportAwaiter() *reportAwaiter {
	return &reportAwaiter{done: make(chan struct{})}
}

func (a *reportAwaiter) resolve(report types.TaskReport) {
	a.once.Do(func() {
		a.report = report
		close(a.done)
	})
}

func (a *reportAwaiter) reject(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// AwaitReport blocks until the child task delivers its report, the context is
// cancelled, or the awaiter is rejected (e.g. on abort).
func (s *Scheduler) AwaitReport(ctx context.Context, childID string) (types.TaskReport, error) {
	s.mu.Lock()
	aw, ok := s.awaiters[childID]
	if !ok {
		aw = newReportAwaiter()
		s.awaiters[childID] = aw
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.awaiters, childID)
		s.mu.Unlock()
		aw.reject(ctx.Err())
		return types.TaskReport{}, ctx.Err()
	case <-aw.done:
		return aw.report, aw.err
	}
}

// RejectAwaiter rejects and removes a pending awaiter, if any. Used when a
// parent stream aborts while blocked on a child.
func (s *Scheduler) RejectAwaiter(childID string, reason error) {
	s.mu.Lock()
	aw, ok := s.awaiters[childID]
	delete(s.awaiters, childID)
	s.mu.Unlock()
	if ok {
		if reason == nil {
			reason = fmt.Errorf("task %s aborted", childID)
		}
		aw.reject(reason)
	}
}

// takeAwaiter removes and returns the awaiter for a child, if one exists.
func (s *Scheduler) takeAwaiter(childID string) (*reportAwaiter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	aw, ok := s.awaiters[childID]
	if ok {
		delete(s.awaiters, childID)
	}
	return aw, ok
}
