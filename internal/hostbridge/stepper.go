package hostbridge

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cmorgan/mxbridge/internal/scheduler"
)

// maxIdleBudgetNS bounds how much virtual time a single OnIdle call will
// advance the scheduler by, so a long gap between main-loop wakeups (a
// suspended process, a slow reload) doesn't make one call spin through
// an unbounded number of µC steps; it clamps to the main loop's own
// 50ms hard cap (spec.md §4.6 point 4).
const maxIdleBudgetNS = 50_000_000

// Stepper is a minimal stand-in host CPU: it does not execute any host
// instruction set, it only drives the card's registered clocked device
// (the embedded microcontroller) and feeds elapsed virtual time to a
// shared scheduler, so that the card's TX timers and the µC's own
// instruction loop advance together on one logical "emulator thread" as
// spec.md §5 requires. A production deployment would replace this with
// a real host-CPU emulator behind the same Bridge interface.
type Stepper struct {
	log   *log.Logger
	sched *scheduler.Scheduler

	mu       sync.Mutex
	devices  []ClockedDevice
	devRdy   bool
	cpuType  CPUType
	lastWall time.Time

	ibsCount   atomic.Uint64
	lastIbs    atomic.Int64
	haltCount  atomic.Uint64
	resetCount atomic.Uint64
}

// NewStepper creates a Stepper driving sched as the shared virtual
// clock. cpuType is returned verbatim from CpuType.
func NewStepper(sched *scheduler.Scheduler, cpuType CPUType, logger *log.Logger) *Stepper {
	if logger == nil {
		logger = log.Default()
	}
	return &Stepper{log: logger, sched: sched, cpuType: cpuType}
}

func (s *Stepper) CpuType() CPUType { return s.cpuType }

func (s *Stepper) SetDevRdy(ready bool) {
	s.mu.Lock()
	s.devRdy = ready
	s.mu.Unlock()
}

// DevRdy reports the most recent value driven by SetDevRdy, for tests
// and the status snapshot.
func (s *Stepper) DevRdy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devRdy
}

func (s *Stepper) IoCardCbIbs(value int) {
	s.ibsCount.Add(1)
	s.lastIbs.Store(int64(value))
}

// LastIbs returns the most recent value delivered to IoCardCbIbs and how
// many times it has been called, for tests.
func (s *Stepper) LastIbs() (value int64, count uint64) {
	return s.lastIbs.Load(), s.ibsCount.Load()
}

func (s *Stepper) Halt() {
	s.haltCount.Add(1)
}

// HaltCount reports how many times Halt has been invoked.
func (s *Stepper) HaltCount() uint64 { return s.haltCount.Load() }

func (s *Stepper) RegisterClockedDevice(dev ClockedDevice) {
	s.mu.Lock()
	s.devices = append(s.devices, dev)
	s.mu.Unlock()
}

func (s *Stepper) Reset(hard bool) {
	s.resetCount.Add(1)
	kind := "warm"
	if hard {
		kind = "hard"
	}
	s.log.Printf("hostbridge: %s reset", kind)
}

// ResetCount reports how many times Reset has been invoked.
func (s *Stepper) ResetCount() uint64 { return s.resetCount.Load() }

// OnIdle implements Bridge.OnIdle: it is the main loop's
// system_on_idle() step, called once per loop iteration rather than
// free-running in its own goroutine. It drives every registered
// clocked device in round-robin order, accumulating their reported
// virtual time cost until it covers roughly the wall-clock time elapsed
// since the previous call (so the card's scheduler-driven TX/backpressure
// timers stay paced to real time), then advances the shared scheduler by
// that amount in a single Tick. OnIdle never halts the caller: it
// always returns true.
func (s *Stepper) OnIdle() bool {
	s.mu.Lock()
	devices := s.devices
	now := time.Now()
	if s.lastWall.IsZero() {
		s.lastWall = now
	}
	budgetNS := now.Sub(s.lastWall).Nanoseconds()
	s.lastWall = now
	s.mu.Unlock()

	if len(devices) == 0 || budgetNS <= 0 {
		return true
	}
	if budgetNS > maxIdleBudgetNS {
		budgetNS = maxIdleBudgetNS
	}

	var elapsed int64
	for elapsed < budgetNS {
		for _, dev := range devices {
			elapsed += dev()
		}
	}
	s.sched.Tick(s.sched.Now() + elapsed)
	return true
}
