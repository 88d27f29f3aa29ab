package mux

import (
	"testing"

	"github.com/matryer/is"

	"github.com/cmorgan/mxbridge/internal/hostbridge"
	"github.com/cmorgan/mxbridge/internal/scheduler"
)

// fakeSession is a minimal session.Session (+ optional BackpressureAware)
// test double that records every byte handed to MxdToTerm.
type fakeSession struct {
	sent     []byte
	fullness float64
	active   bool
}

func (f *fakeSession) MxdToTerm(b byte) error {
	f.sent = append(f.sent, b)
	return nil
}
func (f *fakeSession) IsActive() bool      { return f.active }
func (f *fakeSession) Describe() string    { return "fake" }
func (f *fakeSession) Stats() (uint64, uint64) { return uint64(len(f.sent)), uint64(len(f.sent)) }
func (f *fakeSession) TxQueueFullness() float64 { return f.fullness }

func newTestDevice(t *testing.T) (*Device, *hostbridge.Stepper, *scheduler.Scheduler) {
	t.Helper()
	sched := scheduler.New()
	bridge := hostbridge.NewStepper(sched, hostbridge.CPU2200VP, nil)
	d := NewDevice(bridge, sched, nil, "2236 MXD", 0x00, 4, [4]ChannelConfig{})
	return d, bridge, sched
}

// TestHostBusStrobes covers scenario S6: base=0x00, io_offset=2 at
// select, then strobeOBS(0x5A): port 0x01 must show bits [0]=1, [4]=1,
// [7:5]=0b010, and port 0x02 must return 0xA5 while clearing OBS.
func TestHostBusStrobes(t *testing.T) {
	is := is.New(t)
	d, _, _ := newTestDevice(t)

	d.Select(2)
	d.StrobeOBS(0x5A)

	status := d.PortIn(portInBusStatus)
	is.Equal(status&0x01, byte(0x01)) // OBS seen
	is.Equal(status&(1<<4), byte(1<<4)) // selected
	is.Equal(status>>5, byte(0b010))   // io_offset

	is.Equal(d.PortIn(portInObusData), byte(0xA5)) // ~0x5A

	// OBS latch cleared by the read.
	status2 := d.PortIn(portInBusStatus)
	is.Equal(status2&0x01, byte(0x00))
}

// TestEchoRoundTrip covers scenario S1 end to end through the register
// interface: select UART 0, latch a TX byte, let the scheduled transmit
// timer fire, then push a byte in from the wire and pop it back out.
func TestEchoRoundTrip(t *testing.T) {
	is := is.New(t)
	d, _, sched := newTestDevice(t)

	sess := &fakeSession{active: true}
	d.Channel(0).BindSession(sess)

	d.PortOut(portOutUartSelect, 0x01) // select channel 0
	d.PortOut(portOutUartData, 0x41)   // latch 'A' for TX

	is.True(!d.Channel(0).TxReady())

	sched.Tick(sched.Now() + serialCharDelayNS)
	is.Equal(string(sess.sent), "A")
	is.True(d.Channel(0).TxReady())

	is.True(!d.InterruptPending())
	d.Channel(0).DeliverFromTerminal(0x41)
	is.True(d.InterruptPending())

	is.Equal(d.PortIn(portInUartData), byte(0x41))
	is.Equal(d.PortIn(portInUartData), byte(0x00))
	is.True(!d.InterruptPending())
}

// TestTxBackpressure covers scenario S4: a transport whose TX queue is
// already at/above 90% full must not receive the byte, and tx_ready
// must stay false, until fullness drops.
func TestTxBackpressure(t *testing.T) {
	is := is.New(t)
	d, _, sched := newTestDevice(t)

	sess := &fakeSession{active: true, fullness: 0.95}
	d.Channel(0).BindSession(sess)

	d.PortOut(portOutUartSelect, 0x01)
	d.PortOut(portOutUartData, 0x42)

	sched.Tick(sched.Now() + serialCharDelayNS)
	is.Equal(len(sess.sent), 0)
	is.True(!d.Channel(0).TxReady())

	// fullness drops below the gate; the rescheduled callback should
	// now deliver the byte.
	sess.fullness = 0.10
	_, ok := sched.MillisecondsUntilNext()
	is.True(ok)
	sched.Tick(sched.Now() + 300_000) // well past the capped 200us reschedule
	is.Equal(string(sess.sent), "B")
	is.True(d.Channel(0).TxReady())
}

// TestTxReadyFalseDuringCharDelay covers invariant 5: tx_ready is false
// across at least one completed SERIAL_CHAR_DELAY between the firmware
// write and the byte being accepted.
func TestTxReadyFalseDuringCharDelay(t *testing.T) {
	is := is.New(t)
	d, _, sched := newTestDevice(t)
	d.Channel(1).BindSession(&fakeSession{active: true})

	d.PortOut(portOutUartSelect, 0x02) // channel 1
	d.PortOut(portOutUartData, 0x58)
	is.True(!d.Channel(1).TxReady())

	sched.Tick(sched.Now() + serialCharDelayNS - 1)
	is.True(!d.Channel(1).TxReady())

	sched.Tick(sched.Now() + 2)
	is.True(d.Channel(1).TxReady())
}

func TestIoCardCbIbsInversionAndHiBit(t *testing.T) {
	is := is.New(t)
	d, bridge, _ := newTestDevice(t)

	d.PortOut(portOutResponseBus, 0x0F)
	v, count := bridge.LastIbs()
	is.Equal(v, int64(^byte(0x0F)&0xFF))
	is.Equal(count, uint64(1))

	d.PortOut(portOutResponseHi, 0x0F)
	v2, count2 := bridge.LastIbs()
	is.Equal(v2, int64(^byte(0x0F)&0xFF)|0x100)
	is.Equal(count2, uint64(2))
}

func TestWarmResetAndHaltPorts(t *testing.T) {
	is := is.New(t)
	d, bridge, _ := newTestDevice(t)

	d.PortOut(portOutWarmReset, 0)
	is.Equal(bridge.ResetCount(), uint64(1))

	d.PortOut(portOutHaltHostCPU, 0)
	is.Equal(bridge.HaltCount(), uint64(1))
}

func TestGetIBLegacyStatusDiscipline(t *testing.T) {
	is := is.New(t)
	d, _, _ := newTestDevice(t)

	d.Select(5)
	is.Equal(d.GetIB(), byte(0x10))

	d.Select(3)
	is.Equal(d.GetIB(), byte(0x00))
}

// TestWriteToUnpopulatedChannelIsNoOp covers the OUT_UART_DATA guard:
// selecting an unpopulated channel and writing to it must not latch a
// TX byte or arm the deferred-send timer.
func TestWriteToUnpopulatedChannelIsNoOp(t *testing.T) {
	is := is.New(t)
	sched := scheduler.New()
	bridge := hostbridge.NewStepper(sched, hostbridge.CPU2200VP, nil)
	d := NewDevice(bridge, sched, nil, "2236 MXD", 0x00, 2, [4]ChannelConfig{})

	d.PortOut(portOutUartSelect, 0x08) // channel 3, not populated (numTerms=2)
	d.PortOut(portOutUartData, 0x5A)

	ch := d.Channel(3)
	is.True(ch.TxReady()) // unchanged: LatchTxByte was never called
	_, pending := ch.txTimerState()
	is.True(!pending) // checkTxBuffer was never called either
}

func TestDsrBitReflectsPopulatedChannels(t *testing.T) {
	is := is.New(t)
	sched := scheduler.New()
	bridge := hostbridge.NewStepper(sched, hostbridge.CPU2200VP, nil)
	d := NewDevice(bridge, sched, nil, "2236 MXD", 0x00, 2, [4]ChannelConfig{})

	d.PortOut(portOutUartSelect, 0x01) // channel 0, populated
	is.Equal(d.PortIn(portInUartStatus)&0x80, byte(0x80))

	d.PortOut(portOutUartSelect, 0x08) // channel 3, not populated (numTerms=2)
	is.Equal(d.PortIn(portInUartStatus)&0x80, byte(0x00))
}
