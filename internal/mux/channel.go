package mux

import (
	"sync"
	"sync/atomic"

	"github.com/cmorgan/mxbridge/internal/fifo"
	"github.com/cmorgan/mxbridge/internal/scheduler"
	"github.com/cmorgan/mxbridge/internal/session"
)

// serialCharDelayNS models one UART character's transmission time at
// 19200 baud with the 8-data, parity, 1-stop framing the original
// firmware assumes for its own TX pacing: 11 bits (1 start + 8 data +
// 1 parity + 1 stop) at 19200 baud.
const serialCharDelayNS = int64(11) * 1_000_000_000 / 19200

// txBackpressureGateHigh and the reschedule-delay formula in device.go's
// mxdToTermCallback implement spec.md §4.3's backpressure gate.
const txBackpressureGateHigh = 0.90

// Channel is one of the card's four UART channels: a receive FIFO with
// flow control, and a one-byte transmit latch paced by a scheduler
// timer to the modeled character time.
type Channel struct {
	mu sync.Mutex

	index int
	rx    *fifo.Fifo

	txReady        bool
	txByte         byte
	txTimer        scheduler.TimerHandle
	txTimerPending bool

	sess session.Session

	rxByteCount atomic.Uint64
	txByteCount atomic.Uint64
}

// NewChannel creates channel index with the given FIFO sizing (pass 0
// for capacity/xoffPct/xonPct to take the spec defaults of 2048/75/25).
func NewChannel(index int, capacity, xoffPct, xonPct int) *Channel {
	c := &Channel{index: index, txReady: true}
	c.rx = fifo.New(capacity, xoffPct, xonPct, c)
	return c
}

// Index returns the channel's 0..3 position on the card.
func (c *Channel) Index() int { return c.index }

// BindSession attaches or replaces the transport this channel talks to.
// A nil session leaves the channel unbound; RX bytes queued before a
// session is attached are unaffected, since the FIFO is independent of
// the session.
func (c *Channel) BindSession(s session.Session) {
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
}

func (c *Channel) boundSession() session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// DeliverFromTerminal is the RX entry point: a byte arriving from this
// channel's terminal. Flow-control bytes are filtered by fifo.Push
// itself; this just counts and forwards.
func (c *Channel) DeliverFromTerminal(b byte) {
	c.rxByteCount.Add(1)
	c.rx.Push(b)
}

// DeliverBatchFromTerminal is the RX entry point for a chunk of bytes
// read from this channel's terminal in one syscall: equivalent to
// calling DeliverFromTerminal once per byte except the FIFO's XOFF
// decision is made once at the end (spec.md §4.2's "batch insert"), and
// except on overflow, where fifo.PushBatch's policy applies: if the FIFO
// still has room the excess tail of data is dropped instead of the
// oldest queued bytes.
func (c *Channel) DeliverBatchFromTerminal(data []byte) {
	if len(data) == 0 {
		return
	}
	c.rxByteCount.Add(uint64(len(data)))
	c.rx.PushBatch(data)
}

// SendXON implements fifo.FlowSink: channel-level (application) flow
// control travels out over the same outbound path as ordinary data.
func (c *Channel) SendXON() {
	if s := c.boundSession(); s != nil {
		_ = s.MxdToTerm(fifo.XON)
	}
}

// SendXOFF implements fifo.FlowSink.
func (c *Channel) SendXOFF() {
	if s := c.boundSession(); s != nil {
		_ = s.MxdToTerm(fifo.XOFF)
	}
}

// RxReady reports whether this channel's RX FIFO holds at least one
// byte, the input to the card-wide interrupt_pending OR and to the
// RxRdy port (0x04 IN).
func (c *Channel) RxReady() bool { return !c.rx.Empty() }

// PopRxByte removes and returns the oldest received byte (0 if empty),
// clearing XOFF if the low watermark is crossed.
func (c *Channel) PopRxByte() byte { return c.rx.Pop() }

// PushFromWire is the driver-facing entry point used by a session's
// FromTerminal callback wiring; identical to DeliverFromTerminal, kept
// distinct so the session wiring code (cmd/mxbridge's bindChannels)
// reads as "from the session", not "from the card".
func (c *Channel) PushFromWire(b byte) { c.DeliverFromTerminal(b) }

// PushBatchFromWire is DeliverBatchFromTerminal under the driver-facing
// name, mirroring PushFromWire.
func (c *Channel) PushBatchFromWire(data []byte) { c.DeliverBatchFromTerminal(data) }

// TxReady reports whether a new byte may be handed to the UART shift
// register (port 0x00 IN, per-bit, and port 0x0E IN bit 0).
func (c *Channel) TxReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txReady
}

// TxEmpty reports tx_ready with no tx_timer outstanding (port 0x0E IN
// bit 2).
func (c *Channel) TxEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txReady && !c.txTimerPending
}

// LatchTxByte stores b for transmission and clears tx_ready, per the
// firmware write to port 0x06 OUT. A byte already latched and unsent is
// overwritten without any check or report.
func (c *Channel) LatchTxByte(b byte) {
	c.mu.Lock()
	c.txByte = b
	c.txReady = false
	c.mu.Unlock()
}

func (c *Channel) setTxTimerPending(pending bool, h scheduler.TimerHandle) {
	c.mu.Lock()
	c.txTimerPending = pending
	c.txTimer = h
	c.mu.Unlock()
}

func (c *Channel) txTimerState() (h scheduler.TimerHandle, pending bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txTimer, c.txTimerPending
}

func (c *Channel) setTxReady(ready bool) {
	c.mu.Lock()
	c.txReady = ready
	c.mu.Unlock()
}

func (c *Channel) latchedTxByte() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txByte
}

func (c *Channel) addTxByteCount() { c.txByteCount.Add(1) }

// Stats returns the channel's monotonic byte counters and FIFO
// flow-control counters, for the status snapshot.
func (c *Channel) Stats() (rx, tx, overrunDrops, xonSent, xoffSent uint64, xoffAsserted bool) {
	drops, xon, xoff, asserted := c.rx.Stats()
	return c.rxByteCount.Load(), c.txByteCount.Load(), drops, xon, xoff, asserted
}

// Describe reports the bound session's identity, or "unbound".
func (c *Channel) Describe() string {
	if s := c.boundSession(); s != nil {
		return s.Describe()
	}
	return "unbound"
}

// Active reports whether this channel has a session bound and that
// session currently considers itself connected.
func (c *Channel) Active() bool {
	s := c.boundSession()
	return s != nil && s.IsActive()
}
