// Package session defines the uniform byte-channel abstraction the
// multiplexer core uses to talk to a terminal, regardless of whether that
// terminal is a physical serial line, an in-process screen model, or a
// test loopback.
package session

import (
	"sync/atomic"

	"github.com/cmorgan/mxbridge/internal/fifo"
	"github.com/cmorgan/mxbridge/internal/serialport"
)

// Session is the polymorphic byte channel between the card and one
// terminal. Implementations compose a transport; they never share a base
// class.
type Session interface {
	// MxdToTerm delivers one byte toward the terminal.
	MxdToTerm(b byte) error
	// IsActive reports whether the session can currently send/receive.
	IsActive() bool
	// Describe returns a short human-readable identity, for logs and the
	// runtime status snapshot.
	Describe() string
	// Stats returns byte counters for the status snapshot.
	Stats() (rx, tx uint64)
}

// BackpressureAware is implemented by sessions that wrap a queued
// transport and can report how full its outbound path currently is, so
// the card's TX timing discipline (checkTxBuffer / mxdToTermCallback)
// can throttle ahead of outrunning a real serial line. Sessions with no
// such notion (loopback, in-process) simply don't implement it.
type BackpressureAware interface {
	// TxQueueFullness returns the transport's TX queue occupancy as a
	// fraction in [0,1].
	TxQueueFullness() float64
}

// FromTerminal is invoked by a session whenever a byte arrives from its
// terminal, destined for the card's RX path.
type FromTerminal func(b byte)

// FromTerminalBatch is invoked by a session whenever a chunk of bytes
// arrives from its terminal in one read, destined for the card's RX
// path via a batch-capable entry point (fifo.Fifo.PushBatch).
type FromTerminalBatch func(data []byte)

// LoopbackSession is a test-only session that echoes every byte written
// to it straight back out through the FromTerminal callback, simulating
// a terminal that reflects whatever it's sent.
type LoopbackSession struct {
	onFromTerm FromTerminal
	active     bool
	rx, tx     atomic.Uint64
}

// NewLoopback creates a LoopbackSession. Bytes sent via MxdToTerm are
// immediately delivered back through onFromTerm (when it is non-nil), as
// if a terminal echoed everything typed at it.
func NewLoopback(onFromTerm FromTerminal) *LoopbackSession {
	return &LoopbackSession{onFromTerm: onFromTerm, active: true}
}

func (l *LoopbackSession) MxdToTerm(b byte) error {
	l.tx.Add(1)
	if l.onFromTerm != nil {
		l.rx.Add(1)
		l.onFromTerm(b)
	}
	return nil
}

func (l *LoopbackSession) IsActive() bool { return l.active }
func (l *LoopbackSession) Describe() string { return "Loopback" }
func (l *LoopbackSession) Stats() (rx, tx uint64) {
	return l.rx.Load(), l.tx.Load()
}

// Close marks the session inactive. Idempotent.
func (l *LoopbackSession) Close() { l.active = false }

// InProcessTerminalSession is a minimal in-process terminal sink used
// when a channel has no COM port configured and no GUI terminal to
// attach to (the GUI frame itself is out of scope for this system). It
// keeps a bounded ring of recently sent/received bytes for inspection
// but performs no rendering.
type InProcessTerminalSession struct {
	name       string
	onFromTerm FromTerminal
	recvRing   []byte
	sentRing   []byte
	ringCap    int
	rx, tx     atomic.Uint64
}

// NewInProcessTerminal creates an in-process terminal session identified
// by name (used only in Describe() and logs).
func NewInProcessTerminal(name string, onFromTerm FromTerminal) *InProcessTerminalSession {
	return &InProcessTerminalSession{
		name:       name,
		onFromTerm: onFromTerm,
		ringCap:    256,
	}
}

func (p *InProcessTerminalSession) MxdToTerm(b byte) error {
	p.tx.Add(1)
	p.sentRing = appendRing(p.sentRing, b, p.ringCap)
	return nil
}

func (p *InProcessTerminalSession) IsActive() bool { return true }
func (p *InProcessTerminalSession) Describe() string {
	return "InProcess:" + p.name
}
func (p *InProcessTerminalSession) Stats() (rx, tx uint64) {
	return p.rx.Load(), p.tx.Load()
}

// Keystroke simulates a byte typed at this in-process terminal, pushing
// it back toward the card via the FromTerminal callback registered at
// construction.
func (p *InProcessTerminalSession) Keystroke(b byte) {
	p.rx.Add(1)
	p.recvRing = appendRing(p.recvRing, b, p.ringCap)
	if p.onFromTerm != nil {
		p.onFromTerm(b)
	}
}

// RecentOutput returns a copy of the most recently sent bytes, oldest
// first, for tests and debug inspection.
func (p *InProcessTerminalSession) RecentOutput() []byte {
	out := make([]byte, len(p.sentRing))
	copy(out, p.sentRing)
	return out
}

// SerialSession wraps a serial port and a "bytes-from-terminal" batch
// callback. On construction it registers itself as the port's RX batch
// callback, forwarding each OS read's surviving bytes to onFromTerm in
// one call; Close clears the port's RX callback to avoid a dangling
// reference, matching SerialTermSession's constructor/destructor
// discipline.
type SerialSession struct {
	port       *serialport.Port
	onFromTerm FromTerminalBatch
	rx, tx     atomic.Uint64
}

// NewSerialSession creates a SerialSession over port, delivering bytes
// received from the wire to onFromTerm.
func NewSerialSession(port *serialport.Port, onFromTerm FromTerminalBatch) *SerialSession {
	s := &SerialSession{port: port, onFromTerm: onFromTerm}
	port.SetReceiveBatchCallback(s.handleBatch)
	return s
}

func (s *SerialSession) handleBatch(data []byte) {
	s.rx.Add(uint64(len(data)))
	if s.onFromTerm != nil {
		s.onFromTerm(data)
	}
}

// MxdToTerm routes flow-control bytes through the port's idempotent
// driver-level XON/XOFF path (§4.4) and everything else through the
// ordinary TX queue.
func (s *SerialSession) MxdToTerm(b byte) error {
	s.tx.Add(1)
	switch b {
	case fifo.XON:
		s.port.SendXON()
	case fifo.XOFF:
		s.port.SendXOFF()
	default:
		s.port.SendByte(b)
	}
	return nil
}

func (s *SerialSession) IsActive() bool { return s.port.IsOpen() }
func (s *SerialSession) Describe() string {
	return "Serial:" + s.port.Name()
}
func (s *SerialSession) Stats() (rx, tx uint64) {
	return s.rx.Load(), s.tx.Load()
}

// Close clears the port's RX callback. Idempotent.
func (s *SerialSession) Close() {
	s.port.SetReceiveBatchCallback(nil)
}

// TxQueueFullness implements BackpressureAware.
func (s *SerialSession) TxQueueFullness() float64 {
	capacity := s.port.GetTxQueueCapacity()
	if capacity == 0 {
		return 0
	}
	return float64(s.port.GetTxQueueSize()) / float64(capacity)
}

func appendRing(ring []byte, b byte, cap int) []byte {
	ring = append(ring, b)
	if len(ring) > cap {
		ring = ring[len(ring)-cap:]
	}
	return ring
}
