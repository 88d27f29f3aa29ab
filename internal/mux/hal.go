package mux

// Port addresses the embedded microcontroller uses to talk to the rest
// of the card, pinned to spec.md §4.3 and to
// original_source/src/core/io/IoCardTermMux.cpp's port constants.
const (
	portInTxRdy      = 0x00
	portInBusStatus  = 0x01
	portInObusData   = 0x02
	portInObusOffset = 0x03
	portInRxRdy      = 0x04
	portInUartData   = 0x06
	portInUartStatus = 0x0E

	portOutClearPrime  = 0x00
	portOutResponseBus = 0x01
	portOutResponseHi  = 0x11
	portOutWarmReset   = 0x02
	portOutHaltHostCPU = 0x03
	portOutUartSelect  = 0x05
	portOutUartData    = 0x06
	portOutUartCommand = 0x0E
	portOutRbi         = 0x07
)

// romBase, romSizeBytes, ramBase and ramSizeBytes pin the µC's 16-bit
// address map per spec.md §3: "ROM below 0x1000, RAM at 0x2000..0x2FFF."
const (
	romBase      = 0x0000
	romSizeBytes = 0x1000
	ramBase      = 0x2000
	ramSizeBytes = 0x1000
)

// MemReadByte implements mux.HAL. Addresses outside the ROM and RAM
// windows read as zero, matching an unpopulated bus.
func (d *Device) MemReadByte(addr uint16) byte {
	switch {
	case addr < romBase+romSizeBytes:
		return d.rom[addr-romBase]
	case addr >= ramBase && addr < ramBase+ramSizeBytes:
		return d.ram[addr-ramBase]
	default:
		return 0
	}
}

// MemWriteByte implements mux.HAL. Writes outside RAM are dropped; ROM
// is a compile-time constant per spec.md §6.
func (d *Device) MemWriteByte(addr uint16, v byte) {
	if addr >= ramBase && addr < ramBase+ramSizeBytes {
		d.ram[addr-ramBase] = v
	}
}

// PortIn implements mux.HAL, dispatching the IN side of the port map in
// spec.md §4.3's table.
func (d *Device) PortIn(port byte) byte {
	switch port {
	case portInTxRdy:
		return d.txRdyByte()
	case portInBusStatus:
		return d.busStatusByte()
	case portInObusData:
		return d.obusDataByte()
	case portInObusOffset:
		return d.obscbsOffset << 5
	case portInRxRdy:
		return d.rxRdyByte()
	case portInUartData:
		return d.popSelectedUartByte()
	case portInUartStatus:
		return d.uartStatusByte()
	default:
		return 0
	}
}

// PortOut implements mux.HAL, dispatching the OUT side of the port map
// in spec.md §4.3's table.
func (d *Device) PortOut(port byte, v byte) {
	switch port {
	case portOutClearPrime:
		d.primeSeen = false
	case portOutResponseBus:
		d.deliverResponseBus(v, false)
	case portOutResponseHi:
		d.deliverResponseBus(v, true)
	case portOutWarmReset:
		d.bridge.Reset(false)
	case portOutHaltHostCPU:
		d.bridge.Halt()
	case portOutUartSelect:
		d.selectUartOneHot(v)
	case portOutUartData:
		d.writeSelectedUartByte(v)
	case portOutUartCommand:
		// Firmware-expected stub; the command register has no modeled
		// effect (no parity/framing emulation, per spec.md §1 Non-goals).
	case portOutRbi:
		d.rbi = v
		d.refreshReadyBusyLocked()
	}
}
