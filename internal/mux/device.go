// Package mux implements the card-level device model: the register
// interface the host CPU sees, the embedded microcontroller's execution
// loop over a fixed ROM image, and the four UART channels it drives.
package mux

import (
	"fmt"
	"log"
	"sync"

	"github.com/cmorgan/mxbridge/internal/hostbridge"
	"github.com/cmorgan/mxbridge/internal/scheduler"
	"github.com/cmorgan/mxbridge/internal/session"
)

// NsPerTick is the default virtual time cost of one µC tick, pinned to
// spec.md §4.3's "default NS_PER_TICK = 561 ns".
const NsPerTick = 561

// ChannelConfig sizes one channel's RX FIFO. Zero values take
// internal/fifo's defaults (capacity 2048, XOFF at 75%, XON at 25%).
type ChannelConfig struct {
	Capacity    int
	XoffPercent int
	XonPercent  int
}

// Device is one terminal multiplexer card: the register interface seen
// by the host CPU (§4.3), the embedded microcontroller (Core) executing
// the ROM image against this Device as its HAL, and four UART channels.
type Device struct {
	log    *log.Logger
	sched  *scheduler.Scheduler
	bridge hostbridge.Bridge
	core   *Core

	rom [romSizeBytes]byte
	ram [ramSizeBytes]byte

	description string
	baseAddr    uint16
	numTerms    int

	channels [4]*Channel

	mu sync.Mutex // guards everything below; held for an entire ExecOneOp and for each host-facing call

	selected bool
	cpb      bool
	ioOffset byte

	primeSeen, obsSeen, cbsSeen bool
	obscbsOffset                byte
	obscbsData                  byte

	rbi     byte
	uartSel int
}

// NewDevice constructs a card, its four channels, and its embedded
// core, and subscribes ExecOneOp as bridge's clocked device (spec.md
// §4.3: "called by the system clock callback registered at
// construction").
func NewDevice(bridge hostbridge.Bridge, sched *scheduler.Scheduler, logger *log.Logger, description string, baseAddr uint16, numTerms int, chanCfg [4]ChannelConfig) *Device {
	if logger == nil {
		logger = log.Default()
	}
	if numTerms < 1 {
		numTerms = 1
	}
	if numTerms > 4 {
		numTerms = 4
	}
	d := &Device{
		log:         logger,
		sched:       sched,
		bridge:      bridge,
		core:        NewCore(),
		description: description,
		baseAddr:    baseAddr,
		numTerms:    numTerms,
		rom:         buildROM(),
	}
	for i := range d.channels {
		cfg := chanCfg[i]
		d.channels[i] = NewChannel(i, cfg.Capacity, cfg.XoffPercent, cfg.XonPercent)
	}
	bridge.RegisterClockedDevice(d.ExecOneOp)
	return d
}

// Channel returns channel idx (0..3), for session wiring and tests.
func (d *Device) Channel(idx int) *Channel { return d.channels[idx] }

// NumTerms reports how many of the four channels are configured as
// populated (feeds the DSR status bit, port 0x0E IN bit 7).
func (d *Device) NumTerms() int { return d.numTerms }

// Describe reports the card's identity string for logs and status.
func (d *Device) Describe() string {
	return fmt.Sprintf("%s @ %#04x", d.description, d.baseAddr)
}

// Select implements the host's select(ab) call, spec.md §4.3.
func (d *Device) Select(ab byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := ab & 7
	if off == 0 {
		return
	}
	d.ioOffset = off
	d.selected = true
	d.refreshReadyBusyLocked()
}

// Deselect implements the host's deselect() call, spec.md §4.3.
func (d *Device) Deselect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.selected = false
	d.cpb = true
	d.bridge.SetDevRdy(false)
}

// StrobeOBS implements the host's strobeOBS(v) call.
func (d *Device) StrobeOBS(v byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.obsSeen {
		d.log.Printf("mux: OBS strobed before previous OBS consumed; overwriting")
	}
	d.obsSeen = true
	d.obscbsOffset = d.ioOffset
	d.obscbsData = v
	d.refreshReadyBusyLocked()
}

// StrobeCBS implements the host's strobeCBS(v) call.
func (d *Device) StrobeCBS(v byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cbsSeen {
		d.log.Printf("mux: CBS strobed before previous CBS consumed; overwriting")
	}
	d.cbsSeen = true
	d.obscbsOffset = d.ioOffset
	d.obscbsData = v
	d.refreshReadyBusyLocked()
}

// GetIB implements the host's getIB() call: 0x10 exactly when
// io_offset == 5, else 0x00 (spec.md §4.3's legacy status-bit
// discipline).
func (d *Device) GetIB() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ioOffset == 5 {
		return 0x10
	}
	return 0x00
}

// SetCpuBusy implements the host's setCpuBusy(b) call.
func (d *Device) SetCpuBusy(b bool) {
	d.mu.Lock()
	d.cpb = b
	d.mu.Unlock()
}

// refreshReadyBusyLocked recomputes the card's device-ready line. Caller
// must hold d.mu.
func (d *Device) refreshReadyBusyLocked() {
	if !d.selected || d.ioOffset == 0 {
		return
	}
	busy := ((d.obsSeen || d.cbsSeen) && d.ioOffset >= 4) ||
		d.rbi&(1<<(d.ioOffset-1)) != 0
	d.bridge.SetDevRdy(!busy)
}

// InterruptPending is the OR of every channel's RX FIFO non-emptiness —
// a derived property, never a stored flag, per spec.md §9's design
// note ("recompute on every FIFO edge").
func (d *Device) InterruptPending() bool {
	for _, ch := range d.channels {
		if ch.RxReady() {
			return true
		}
	}
	return false
}

// ExecOneOp executes one microcontroller instruction and returns its
// cost in virtual nanoseconds, clamping error states to a fixed tick
// cost per spec.md §4.3.
func (d *Device) ExecOneOp() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.InterruptPending() {
		d.core.Interrupt(0xFF, d)
	}
	ticks := d.core.Step(d)
	if ticks > 30 {
		return 4 * NsPerTick
	}
	return int64(ticks) * NsPerTick
}

func (d *Device) txRdyByte() byte {
	var v byte
	for i, ch := range d.channels {
		if ch.TxReady() {
			v |= 1 << uint(i)
		}
	}
	return ^v
}

func (d *Device) busStatusByte() byte {
	var v byte
	if d.obsSeen {
		v |= 1 << 0
	}
	if d.cbsSeen {
		v |= 1 << 1
	}
	if d.primeSeen {
		v |= 1 << 2
	}
	if d.selected && !d.cpb {
		v |= 1 << 3
	}
	if d.selected {
		v |= 1 << 4
	}
	v |= (d.ioOffset & 0x7) << 5
	return v
}

func (d *Device) obusDataByte() byte {
	v := ^d.obscbsData
	d.obsSeen = false
	d.cbsSeen = false
	d.refreshReadyBusyLocked()
	return v
}

func (d *Device) rxRdyByte() byte {
	var v byte
	for i, ch := range d.channels {
		if ch.RxReady() {
			v |= 1 << uint(i)
		}
	}
	return v
}

func (d *Device) popSelectedUartByte() byte {
	return d.channels[d.uartSel].PopRxByte()
}

func (d *Device) uartStatusByte() byte {
	ch := d.channels[d.uartSel]
	var v byte
	if ch.TxReady() {
		v |= 1 << 0
	}
	if ch.RxReady() {
		v |= 1 << 1
	}
	if ch.TxEmpty() {
		v |= 1 << 2
	}
	if d.uartSel < d.numTerms {
		v |= 1 << 7 // DSR: channel populated
	}
	return v
}

func (d *Device) deliverResponseBus(v byte, hiBit bool) {
	response := int(^v) & 0xFF
	if hiBit {
		response |= 0x100
	}
	d.bridge.IoCardCbIbs(response)
}

func (d *Device) selectUartOneHot(v byte) {
	switch v {
	case 0x01:
		d.uartSel = 0
	case 0x02:
		d.uartSel = 1
	case 0x04:
		d.uartSel = 2
	case 0x08:
		d.uartSel = 3
	default:
		d.log.Printf("mux: invalid one-hot UART select %#02x", v)
	}
}

// writeSelectedUartByte is the firmware's OUT_UART_DATA handler. A
// write while an unpopulated channel is selected is a no-op: no byte is
// latched and no TX timer is armed, mirroring the original's
// uart_sel < num_terms guard.
func (d *Device) writeSelectedUartByte(v byte) {
	if d.uartSel >= d.numTerms {
		return
	}
	ch := d.channels[d.uartSel]
	ch.LatchTxByte(v)
	d.checkTxBuffer(ch)
}

const (
	backpressureBaseDelayNS = 50_000
	backpressureSlopeNS     = 1_500_000
	backpressureCapNS       = 200_000
)

// checkTxBuffer runs whenever something might have freed a channel's TX
// path, per spec.md §4.3.
func (d *Device) checkTxBuffer(ch *Channel) {
	if ch.TxReady() {
		return
	}
	if _, pending := ch.txTimerState(); pending {
		return
	}
	h := d.sched.CreateTimer(serialCharDelayNS, func() { d.mxdToTermCallback(ch) })
	ch.setTxTimerPending(true, h)
}

// mxdToTermCallback is the deferred-send timer callback of spec.md
// §4.3: gate on transport backpressure, deliver the byte, mark tx_ready,
// and check again for a next byte.
func (d *Device) mxdToTermCallback(ch *Channel) {
	sess := ch.boundSession()

	if bp, ok := sess.(session.BackpressureAware); ok {
		fullness := bp.TxQueueFullness()
		if fullness >= txBackpressureGateHigh {
			delay := int64(backpressureBaseDelayNS) +
				int64((fullness-txBackpressureGateHigh)*float64(backpressureSlopeNS))
			if delay > backpressureCapNS {
				delay = backpressureCapNS
			}
			h := d.sched.CreateTimer(delay, func() { d.mxdToTermCallback(ch) })
			ch.setTxTimerPending(true, h)
			return
		}
	}

	if sess != nil {
		_ = sess.MxdToTerm(ch.latchedTxByte())
	}
	ch.addTxByteCount()
	ch.setTxReady(true)
	ch.setTxTimerPending(false, 0)
	d.checkTxBuffer(ch)
}
