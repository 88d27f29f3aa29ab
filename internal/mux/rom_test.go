package mux

import (
	"testing"

	"github.com/matryer/is"
)

func TestBuildRomResetVectorJumpsPastInterruptTable(t *testing.T) {
	is := is.New(t)
	rom := buildROM()

	is.Equal(rom[0], byte(0xC3)) // JMP
	target := uint16(rom[1]) | uint16(rom[2])<<8
	is.True(target >= 0x38) // past the RST7 vector slot

	is.Equal(rom[0x38], byte(0xFB)) // EI
	is.Equal(rom[0x39], byte(0xC9)) // RET
}

func TestBuildRomResolvesEveryLabel(t *testing.T) {
	// buildROM panics on an unresolved label; calling it at all is the
	// assertion here.
	_ = buildROM()
}

// taggedHAL records every OUT as a (port, value) pair, for asserting on
// the sequence of ports the firmware actually touches.
type taggedHAL struct {
	mem  [1 << 16]byte
	outs []taggedOut
}

type taggedOut struct {
	port, value byte
}

func (h *taggedHAL) MemReadByte(addr uint16) byte     { return h.mem[addr] }
func (h *taggedHAL) MemWriteByte(addr uint16, v byte) { h.mem[addr] = v }
func (h *taggedHAL) PortIn(port byte) byte {
	if port == portInRxRdy || port == portInBusStatus {
		return 0 // idle: nothing ready, no OBS/CBS pending
	}
	return 0
}
func (h *taggedHAL) PortOut(port byte, v byte) {
	h.outs = append(h.outs, taggedOut{port, v})
}

// TestRomPollsAllFourChannelsInOneSweep runs the assembled firmware
// against a bare HAL and confirms the one-hot UART-select sequence it
// emits is 0x01, 0x02, 0x04, 0x08, repeating — i.e. the jump targets for
// "no data on this channel" all resolved to the right place and the
// loop comes back around.
func TestRomPollsAllFourChannelsInOneSweep(t *testing.T) {
	is := is.New(t)
	rom := buildROM()

	h := &taggedHAL{}
	copy(h.mem[:], rom[:])
	c := NewCore()

	for i := 0; i < 500; i++ {
		ticks := c.Step(h)
		is.True(ticks != errorTicks)
	}

	var selects []byte
	for _, o := range h.outs {
		if o.port == portOutUartSelect {
			selects = append(selects, o.value)
		}
	}
	is.True(len(selects) >= 8)
	for i, v := range selects {
		want := byte(1 << uint(i%4))
		is.Equal(v, want)
	}
}
