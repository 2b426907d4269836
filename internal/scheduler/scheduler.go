// Package scheduler provides the block clock and the named deferred-call
// facility the settlement engine hands instructions to. A call is scheduled
// once under a stable name, runs at or after its target block, and can be
// canceled by name with best-effort semantics.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Aidin1998/custodia/pkg/metrics"
)

var (
	// ErrNameTaken is returned when scheduling under a name already in use.
	ErrNameTaken = errors.New("scheduler: name already scheduled")
	// ErrNotScheduled is returned by CancelNamed for unknown names. Callers
	// treating cancellation as best-effort ignore it.
	ErrNotScheduled = errors.New("scheduler: no task under this name")
)

// Call is the deferred unit of work. It is re-invoked as an ordinary call;
// errors are logged, not retried.
type Call func(ctx context.Context) error

// Clock tracks the current block height.
type Clock struct {
	height atomic.Uint64
}

// NewClock returns a clock starting at the given height.
func NewClock(start uint64) *Clock {
	c := &Clock{}
	c.height.Store(start)
	return c
}

// CurrentBlock returns the current block height.
func (c *Clock) CurrentBlock() uint64 { return c.height.Load() }

// Advance moves the clock one block forward and returns the new height.
func (c *Clock) Advance() uint64 { return c.height.Add(1) }

// AdvanceTo moves the clock to the given height if it is ahead.
func (c *Clock) AdvanceTo(height uint64) {
	for {
		cur := c.height.Load()
		if height <= cur || c.height.CompareAndSwap(cur, height) {
			return
		}
	}
}

type task struct {
	name     string
	at       uint64
	priority uint8
	call     Call
}

// Service is an in-process named scheduler keyed by block height. Due tasks
// are run by the node loop after each block.
type Service struct {
	logger *zap.Logger
	mu     sync.Mutex
	tasks  map[string]*task
}

// NewService creates a new scheduler.
func NewService(logger *zap.Logger) *Service {
	return &Service{logger: logger.Named("scheduler"), tasks: make(map[string]*task)}
}

// ScheduleNamed registers the call to run at or after the given block.
// Lower priority values run first within a block.
func (s *Service) ScheduleNamed(name string, at uint64, priority uint8, call Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; ok {
		return ErrNameTaken
	}
	s.tasks[name] = &task{name: name, at: at, priority: priority, call: call}
	metrics.ScheduledTasks.Set(float64(len(s.tasks)))
	s.logger.Debug("task scheduled", zap.String("name", name), zap.Uint64("at", at))
	return nil
}

// CancelNamed removes a scheduled call. Canceling a name that never existed
// or already ran returns ErrNotScheduled.
func (s *Service) CancelNamed(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; !ok {
		return ErrNotScheduled
	}
	delete(s.tasks, name)
	metrics.ScheduledTasks.Set(float64(len(s.tasks)))
	s.logger.Debug("task canceled", zap.String("name", name))
	return nil
}

// RunDue executes every task whose target block is at or before upTo, in
// (block, priority, name) order. Tasks are removed before running so a task
// scheduling itself again is well-defined.
func (s *Service) RunDue(ctx context.Context, upTo uint64) {
	s.mu.Lock()
	var due []*task
	for _, t := range s.tasks {
		if t.at <= upTo {
			due = append(due, t)
		}
	}
	for _, t := range due {
		delete(s.tasks, t.name)
	}
	metrics.ScheduledTasks.Set(float64(len(s.tasks)))
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at != due[j].at {
			return due[i].at < due[j].at
		}
		if due[i].priority != due[j].priority {
			return due[i].priority < due[j].priority
		}
		return due[i].name < due[j].name
	})

	for _, t := range due {
		if err := t.call(ctx); err != nil {
			s.logger.Error("scheduled call failed", zap.String("name", t.name), zap.Error(err))
		}
	}
}

// Pending returns the number of scheduled tasks.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
