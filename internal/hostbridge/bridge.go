// Package hostbridge defines the contract the card expects from the
// emulated host CPU, and ships a small stand-in host so the mux can run
// end-to-end without a full host-CPU emulator attached.
package hostbridge

// CPUType identifies the emulated host CPU family, as reported to the
// card through CpuType.
type CPUType int

const (
	CPUUnknown CPUType = iota
	CPU2200VP
	CPU2200MVP
)

func (t CPUType) String() string {
	switch t {
	case CPU2200VP:
		return "2200VP"
	case CPU2200MVP:
		return "2200MVP"
	default:
		return "unknown"
	}
}

// ClockedDevice is one instruction's worth of the card's embedded
// microcontroller: execute one op, report the virtual time it consumed.
type ClockedDevice func() (elapsedNS int64)

// Bridge is the host-CPU side of the card's bus contract. The card is
// the consumer; a host-CPU emulator is the implementor. Reset, Halt and
// IoCardCbIbs are one-way notifications into the host; RegisterClockedDevice
// subscribes the card's µC step function to the host's own clock.
type Bridge interface {
	// CpuType reports which host CPU family is emulated.
	CpuType() CPUType
	// SetDevRdy drives the card's "device ready" line, visible to host
	// firmware polling this card's bus address.
	SetDevRdy(ready bool)
	// IoCardCbIbs delivers a 9-bit response to the host bus; bit 8
	// (0x100) is a control flag, not data.
	IoCardCbIbs(value int)
	// Halt stops the host CPU for one step.
	Halt()
	// RegisterClockedDevice subscribes dev to run once per host clock
	// tick, for as long as the bridge is alive.
	RegisterClockedDevice(dev ClockedDevice)
	// Reset performs a global emulator reset; hard distinguishes a
	// power-on reset from a warm system reset (port 0x02 OUT).
	Reset(hard bool)
	// OnIdle runs one slice of host-CPU work, called synchronously from
	// the main loop's system_on_idle() step (spec.md §4.6 point 3).
	// Returns false to ask the caller to stop the main loop; a bridge
	// with no halt condition of its own always returns true.
	OnIdle() bool
}
