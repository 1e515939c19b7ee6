package run

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/grovehq/grove/internal/common/logger"
)

// DefaultMaxChildren caps concurrent run processes per instance.
const DefaultMaxChildren = 500

// ErrAtCapacity is returned when the supervisor refuses to spawn
// another run process.
var ErrAtCapacity = errors.New("run supervisor at capacity")

// Supervisor owns the goroutines run processes execute on. It bounds
// how many live at once, absorbs panics so one bad run cannot take the
// instance down, and keeps the counters the health endpoint reports.
// Crashed runs are cleaned up, never restarted.
type Supervisor struct {
	log *logger.Logger
	max int
	now func() time.Time

	mu             sync.Mutex
	active         int
	completedToday int
	day            time.Time
}

// NewSupervisor builds a supervisor with the given child cap. A cap of
// zero or less means DefaultMaxChildren.
func NewSupervisor(maxChildren int, log *logger.Logger) *Supervisor {
	if maxChildren <= 0 {
		maxChildren = DefaultMaxChildren
	}
	return &Supervisor{
		log: log.WithFields(zap.String("component", "run_supervisor")),
		max: maxChildren,
		now: time.Now,
	}
}

// Spawn starts the process on a supervised goroutine. It returns
// ErrAtCapacity without starting anything when the child cap is reached.
func (s *Supervisor) Spawn(ctx context.Context, p *Process) error {
	s.mu.Lock()
	if s.active >= s.max {
		s.mu.Unlock()
		return ErrAtCapacity
	}
	s.active++
	s.mu.Unlock()

	go func() {
		crashed := false
		defer func() {
			if r := recover(); r != nil {
				crashed = true
				s.log.Error("run process panicked",
					zap.String("run_id", p.ID()),
					zap.String("session_key", p.SessionKey()),
					zap.Any("panic", r),
					zap.Stack("stack"))
				p.recoverCrash()
			}
			s.childExit(!crashed)
		}()
		p.run(ctx)
	}()
	return nil
}

func (s *Supervisor) childExit(clean bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	s.rollDayLocked()
	if clean {
		s.completedToday++
	}
}

// Active returns the number of live run processes.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// CompletedToday returns the count of runs finished since UTC midnight.
func (s *Supervisor) CompletedToday() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()
	return s.completedToday
}

func (s *Supervisor) rollDayLocked() {
	today := midnight(s.now().UTC())
	if today.After(s.day) {
		s.day = today
		s.completedToday = 0
	}
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
