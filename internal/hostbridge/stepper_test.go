package hostbridge

import (
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/cmorgan/mxbridge/internal/scheduler"
)

func TestStepperDrivesRegisteredDevice(t *testing.T) {
	is := is.New(t)

	sched := scheduler.New()
	s := NewStepper(sched, CPU2200VP, nil)

	var calls int
	s.RegisterClockedDevice(func() int64 {
		calls++
		return 561
	})

	is.True(s.OnIdle()) // primes lastWall, no budget yet so no steps
	is.Equal(calls, 0)

	time.Sleep(2 * time.Millisecond)
	is.True(s.OnIdle())
	is.True(calls > 0)
}

func TestStepperOnIdleWithNoDevicesIsANoOp(t *testing.T) {
	is := is.New(t)

	sched := scheduler.New()
	s := NewStepper(sched, CPU2200VP, nil)

	is.True(s.OnIdle())
	is.Equal(sched.Now(), int64(0))
}

func TestStepperNotificationCounters(t *testing.T) {
	is := is.New(t)

	sched := scheduler.New()
	s := NewStepper(sched, CPU2200MVP, nil)

	is.Equal(s.CpuType(), CPU2200MVP)

	s.SetDevRdy(true)
	is.True(s.DevRdy())

	s.IoCardCbIbs(0xA5)
	value, count := s.LastIbs()
	is.Equal(value, int64(0xA5))
	is.Equal(count, uint64(1))

	s.Halt()
	s.Halt()
	is.Equal(s.HaltCount(), uint64(2))

	s.Reset(true)
	is.Equal(s.ResetCount(), uint64(1))
}
