package mux

import "fmt"

// buildROM hand-assembles the card's firmware image.
//
// original_source/src/core/io/IoCardTermMux_eprom.h (the real Wang
// 2236MXD EPROM contents) was never retrieved into the reference pack
// this repository was built from, so this is a synthesized placeholder
// firmware, not a reconstruction of the genuine ROM bytes. It drives
// the same register-level protocol spec.md §4.3 describes end-to-end:
// for each of the four channels it selects the channel, polls RxRdy,
// and echoes any waiting byte back out through the TX latch; it then
// polls the bus-status OBS bit and, if set, reads and acknowledges the
// latched OBS/CBS byte. This is enough to exercise the full register
// map without claiming fidelity to the original EPROM.
func buildROM() [romSizeBytes]byte {
	b := newRomBuilder()

	b.org(0x0000)
	b.jmp("main")

	// RST 7 vector (address 7*8 = 0x38): the polling loop below never
	// relies on the interrupt firing, so the handler only has to leave
	// the core able to keep running.
	b.org(0x0038)
	b.ei()
	b.ret()

	b.org(0x0040)
	b.label("main")
	b.ei()
	b.label("loop")
	for ch := 0; ch < 4; ch++ {
		mask := byte(1 << uint(ch))
		next := fmt.Sprintf("ch%d", ch+1)
		b.mviA(mask)
		b.outPort(portOutUartSelect)
		b.inPort(portInRxRdy)
		b.ani(mask)
		b.cpi(0x00)
		b.jz(next)
		b.inPort(portInUartData)
		b.outPort(portOutUartData)
		b.label(next)
	}
	b.inPort(portInBusStatus)
	b.ani(0x01)
	b.cpi(0x00)
	b.jz("loop")
	b.inPort(portInObusData)
	b.outPort(portOutResponseBus)
	b.jmp("loop")

	return b.finish()
}

type romPatch struct {
	at    int
	label string
}

// romBuilder is a tiny two-pass assembler: emit() methods lay down
// opcodes (and record forward references by label), finish() resolves
// every label to an absolute address and patches the 16-bit operands.
type romBuilder struct {
	buf     [romSizeBytes]byte
	pc      int
	labels  map[string]int
	patches []romPatch
}

func newRomBuilder() *romBuilder {
	return &romBuilder{labels: map[string]int{}}
}

func (b *romBuilder) org(addr int) { b.pc = addr }

func (b *romBuilder) label(name string) { b.labels[name] = b.pc }

func (b *romBuilder) emit(bs ...byte) {
	for _, x := range bs {
		b.buf[b.pc] = x
		b.pc++
	}
}

func (b *romBuilder) emit16Label(name string) {
	b.patches = append(b.patches, romPatch{at: b.pc, label: name})
	b.pc += 2
}

func (b *romBuilder) finish() [romSizeBytes]byte {
	for _, p := range b.patches {
		addr, ok := b.labels[p.label]
		if !ok {
			panic("mux: rom assembler: undefined label " + p.label)
		}
		b.buf[p.at] = byte(addr & 0xFF)
		b.buf[p.at+1] = byte(addr >> 8)
	}
	return b.buf
}

func (b *romBuilder) nop()              { b.emit(0x00) }
func (b *romBuilder) jmp(label string)  { b.emit(0xC3); b.emit16Label(label) }
func (b *romBuilder) jz(label string)   { b.emit(0xCA); b.emit16Label(label) }
func (b *romBuilder) jnz(label string)  { b.emit(0xC2); b.emit16Label(label) }
func (b *romBuilder) call(label string) { b.emit(0xCD); b.emit16Label(label) }
func (b *romBuilder) ret()              { b.emit(0xC9) }
func (b *romBuilder) mviA(v byte)       { b.emit(0x3E, v) }
func (b *romBuilder) inPort(p byte)     { b.emit(0xDB, p) }
func (b *romBuilder) outPort(p byte)    { b.emit(0xD3, p) }
func (b *romBuilder) ani(v byte)        { b.emit(0xE6, v) }
func (b *romBuilder) ori(v byte)        { b.emit(0xF6, v) }
func (b *romBuilder) cpi(v byte)        { b.emit(0xFE, v) }
func (b *romBuilder) ei()               { b.emit(0xFB) }
func (b *romBuilder) di()               { b.emit(0xF3) }
func (b *romBuilder) hlt()              { b.emit(0x76) }
