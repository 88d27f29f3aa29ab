// Package serialport implements the asynchronous, full-duplex serial
// driver: one RX worker goroutine per port, a backpressured TX buffer,
// reconnection with exponential backoff, and capture hooks. The OS
// transport is go.bug.st/serial.
package serialport

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// Parity mirrors the three parity modes the card configuration exposes.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

// StopBits mirrors the two stop-bit counts the card configuration exposes.
type StopBits int

const (
	StopBitsOne StopBits = iota
	StopBitsTwo
)

const (
	xonByte  = 0x11
	xoffByte = 0x13

	maxReconnectAttempts = 10
	baseReconnectDelayMs = 250
	maxReconnectDelayMs  = 10000
	defaultTxQueueSize   = 8192
	rxReadChunk          = 512
	rxPollTimeout        = 10 * time.Millisecond
	activityWindow       = 100 * time.Millisecond
)

// Config describes how to open and configure one serial port.
type Config struct {
	PortName      string
	BaudRate      int
	DataBits      int
	Parity        Parity
	StopBits      StopBits
	HWFlowControl bool // RTS/CTS — typically false for these terminals
	SWFlowControl bool // XON/XOFF — typically true
	TxQueueSize   int  // default defaultTxQueueSize if 0
}

// CharTimeNS returns the modeled UART character transmission time in
// nanoseconds for this config's framing: 1 start bit + data bits +
// (1 if parity else 0) + (1 or 2 stop bits), at BaudRate bits/second.
func (c Config) CharTimeNS() int64 {
	bits := 1.0 + float64(c.DataBits)
	if c.Parity != ParityNone {
		bits++
	}
	if c.StopBits == StopBitsTwo {
		bits += 2
	} else {
		bits++
	}
	return int64(bits * 1e9 / float64(c.BaudRate))
}

// CaptureDirection flags whether a captured byte was received or
// transmitted.
type CaptureDirection int

const (
	CaptureRX CaptureDirection = iota
	CaptureTX
)

// ReceiveCallback is invoked, on the RX worker goroutine, for every byte
// read from the wire that survives the driver-level flow-control filter.
type ReceiveCallback func(b byte)

// ReceiveBatchCallback is invoked once per OS read, on the RX worker
// goroutine, with every byte from that read that survived the
// driver-level flow-control filter, in arrival order. Preferred over
// ReceiveCallback when the sink can batch-insert (internal/fifo's
// PushBatch), since it recomputes the FIFO's XOFF decision once per
// chunk instead of once per byte.
type ReceiveBatchCallback func(data []byte)

// CaptureCallback observes every RX and TX byte, tagged with direction,
// independent of flow-control filtering. Used for debug logs/capture
// files.
type CaptureCallback func(b byte, dir CaptureDirection)

// Port is one asynchronous serial line.
type Port struct {
	log *log.Logger
	cfg Config

	mu           sync.Mutex
	sp           serial.Port
	open         bool
	reconnecting bool // true while Open or reconnectLoop has an in-flight serial.Open call
	txBuf        []byte
	stopCh       chan struct{}
	wg           sync.WaitGroup

	rxCb      ReceiveCallback
	rxBatchCb ReceiveBatchCallback
	captureCb CaptureCallback

	rxBytes atomic.Uint64
	txBytes atomic.Uint64

	activityMu sync.Mutex
	lastRx     time.Time
	lastTx     time.Time

	xoffSent      atomic.Bool
	xonSentCount  atomic.Uint64
	xoffSentCount atomic.Uint64

	reconnectAttempts atomic.Int32
}

// New creates a closed Port. Call Open to start it.
func New(logger *log.Logger) *Port {
	if logger == nil {
		logger = log.Default()
	}
	return &Port{log: logger}
}

func toMode(cfg Config) *serial.Mode {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
	}
	switch cfg.Parity {
	case ParityOdd:
		mode.Parity = serial.OddParity
	case ParityEven:
		mode.Parity = serial.EvenParity
	default:
		mode.Parity = serial.NoParity
	}
	if cfg.StopBits == StopBitsTwo {
		mode.StopBits = serial.TwoStopBits
	} else {
		mode.StopBits = serial.OneStopBit
	}
	return mode
}

// Open configures and opens the OS serial device, starts the RX worker,
// and resets reconnect state. Returns false (never an error — per §7,
// transient I/O failures recover via the reconnect ladder rather than
// propagating) if the device could not be opened, including when a
// reconnectLoop already has an open attempt in flight against this same
// Port: the two must never race to call serial.Open concurrently, since
// whichever finishes second would silently overwrite p.sp/p.stopCh out
// from under the other's already-opened handle and spawned rxWorker.
func (p *Port) Open(cfg Config) bool {
	p.mu.Lock()
	if p.reconnecting {
		p.mu.Unlock()
		p.log.Printf("serialport: %s reconnect already in progress, skipping", cfg.PortName)
		return false
	}
	if p.open {
		p.closeLocked()
	}
	if cfg.TxQueueSize <= 0 {
		cfg.TxQueueSize = defaultTxQueueSize
	}
	p.cfg = cfg
	p.reconnecting = true
	p.mu.Unlock()

	sp, err := serial.Open(cfg.PortName, toMode(cfg))
	if err != nil {
		p.log.Printf("serialport: open %s: %v", cfg.PortName, err)
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
		return false
	}
	_ = sp.SetReadTimeout(rxPollTimeout)

	p.mu.Lock()
	p.sp = sp
	p.open = true
	p.reconnecting = false
	p.txBuf = p.txBuf[:0]
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.reconnectAttempts.Store(0)

	p.wg.Add(1)
	go p.rxWorker()

	p.log.Printf("serialport: opened %s at %d baud, %s",
		cfg.PortName, cfg.BaudRate, describeFraming(cfg))
	return true
}

func describeFraming(cfg Config) string {
	parity := "N"
	switch cfg.Parity {
	case ParityOdd:
		parity = "O"
	case ParityEven:
		parity = "E"
	}
	stop := "1"
	if cfg.StopBits == StopBitsTwo {
		stop = "2"
	}
	flow := "none"
	switch {
	case cfg.HWFlowControl && cfg.SWFlowControl:
		flow = "RTS/CTS+XON/XOFF"
	case cfg.HWFlowControl:
		flow = "RTS/CTS"
	case cfg.SWFlowControl:
		flow = "XON/XOFF"
	}
	return fmt.Sprintf("%d%s%s, flow %s", cfg.DataBits, parity, stop, flow)
}

// Close stops the RX worker, flushes the TX buffer without transmitting,
// and releases the OS handle. Infallible at the interface per §7.
func (p *Port) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *Port) closeLocked() {
	if !p.open {
		return
	}
	close(p.stopCh)
	sp := p.sp
	p.open = false
	p.mu.Unlock()
	p.wg.Wait()
	if sp != nil {
		_ = sp.Close()
	}
	p.mu.Lock()
	p.txBuf = p.txBuf[:0]
	p.log.Printf("serialport: closed %s", p.cfg.PortName)
}

// IsOpen reports whether the port currently has a live OS handle.
func (p *Port) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// Name returns the configured OS device path, for logs and Describe().
func (p *Port) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.PortName
}

// SetReceiveCallback installs the "byte arrived" sink. Pass nil to clear
// it (done by SerialSession's destructor equivalent, Session.Close).
func (p *Port) SetReceiveCallback(cb ReceiveCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rxCb = cb
}

// SetReceiveBatchCallback installs the "chunk arrived" sink used for
// batch-capable consumers. Pass nil to clear it. Takes priority over a
// ReceiveCallback set via SetReceiveCallback when both are set.
func (p *Port) SetReceiveBatchCallback(cb ReceiveBatchCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rxBatchCb = cb
}

// SetCaptureCallback installs a tap that sees every RX and TX byte.
func (p *Port) SetCaptureCallback(cb CaptureCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captureCb = cb
}

// SendByte non-blockingly enqueues one byte for transmission, trying an
// immediate best-effort write first and queuing any unwritten remainder.
func (p *Port) SendByte(b byte) {
	p.SendData([]byte{b})
}

// SendData non-blockingly enqueues len(data) bytes for transmission.
func (p *Port) SendData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		p.log.Printf("serialport: %s closed, dropping %d byte(s)", p.cfg.PortName, len(data))
		return
	}

	if len(p.txBuf) == 0 {
		n, err := p.sp.Write(data)
		if err != nil {
			n = 0
		}
		p.txBytes.Add(uint64(n))
		p.markTxActivity()
		p.captureWrite(data[:n])
		if n < len(data) {
			p.enqueueLocked(data[n:])
		}
		return
	}
	p.enqueueLocked(data)
}

func (p *Port) enqueueLocked(data []byte) {
	room := p.cfg.TxQueueSize - len(p.txBuf)
	if room <= 0 {
		p.log.Printf("serialport: %s TX queue full, dropping %d byte(s)", p.cfg.PortName, len(data))
		return
	}
	if len(data) > room {
		p.log.Printf("serialport: %s TX queue full, dropping %d byte(s)", p.cfg.PortName, len(data)-room)
		data = data[:room]
	}
	p.txBuf = append(p.txBuf, data...)
}

func (p *Port) captureWrite(data []byte) {
	if p.captureCb == nil {
		return
	}
	for _, b := range data {
		p.captureCb(b, CaptureTX)
	}
}

// SendXON emits an application-level XON if one is outstanding
// (idempotent with respect to xoff_sent).
func (p *Port) SendXON() {
	if p.xoffSent.CompareAndSwap(true, false) {
		p.SendByte(xonByte)
		p.xonSentCount.Add(1)
	}
}

// SendXOFF emits an application-level XOFF if one is not already
// outstanding (idempotent with respect to xoff_sent).
func (p *Port) SendXOFF() {
	if p.xoffSent.CompareAndSwap(false, true) {
		p.SendByte(xoffByte)
		p.xoffSentCount.Add(1)
	}
}

// RxByteCount, TxByteCount return monotonic byte counters.
func (p *Port) RxByteCount() uint64 { return p.rxBytes.Load() }
func (p *Port) TxByteCount() uint64 { return p.txBytes.Load() }

// XoffAsserted reports whether this port currently believes it has
// asked the remote end to stop (driver-level XOFF, §4.4), distinct from
// any channel-level application XOFF tracked by internal/fifo.
func (p *Port) XoffAsserted() bool { return p.xoffSent.Load() }

// GetTxQueueSize, GetTxQueueCapacity, IsTxQueueNearFull expose
// backpressure for §4.3's checkTxBuffer/mxdToTermCallback gate.
func (p *Port) GetTxQueueSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.txBuf)
}

func (p *Port) GetTxQueueCapacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.TxQueueSize <= 0 {
		return defaultTxQueueSize
	}
	return p.cfg.TxQueueSize
}

func (p *Port) IsTxQueueNearFull(threshold float64) bool {
	size := p.GetTxQueueSize()
	capacity := p.GetTxQueueCapacity()
	return float64(size) >= float64(capacity)*threshold
}

// FlushTxQueue clears the TX buffer without transmitting it (shutdown).
func (p *Port) FlushTxQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txBuf = p.txBuf[:0]
}

func (p *Port) markRxActivity() {
	p.activityMu.Lock()
	p.lastRx = time.Now()
	p.activityMu.Unlock()
}

func (p *Port) markTxActivity() {
	p.activityMu.Lock()
	p.lastTx = time.Now()
	p.activityMu.Unlock()
}

// HasRecentActivity reports RX or TX activity within the last 100ms.
func (p *Port) HasRecentActivity() bool {
	p.activityMu.Lock()
	defer p.activityMu.Unlock()
	now := time.Now()
	return now.Sub(p.lastRx) < activityWindow || now.Sub(p.lastTx) < activityWindow
}

func (p *Port) rxWorker() {
	defer p.wg.Done()
	buf := make([]byte, rxReadChunk)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		n, err := p.sp.Read(buf)
		if n > 0 {
			p.rxBytes.Add(uint64(n))
			p.markRxActivity()
			p.dispatchRx(buf[:n])
		}
		if err != nil {
			select {
			case <-p.stopCh:
				return
			default:
			}
			p.handleReadError(err)
			return
		}
	}
}

func (p *Port) dispatchRx(data []byte) {
	p.mu.Lock()
	cb := p.rxCb
	batchCb := p.rxBatchCb
	cap := p.captureCb
	flowOn := p.cfg.SWFlowControl
	p.mu.Unlock()

	filtered := data
	if flowOn {
		filtered = make([]byte, 0, len(data))
	}
	for _, b := range data {
		if cap != nil {
			cap(b, CaptureRX)
		}
		if flowOn {
			if b == xonByte || b == xoffByte {
				// driver-level flow control consumes these before the
				// application ever sees them (§4.4: "layered under"
				// the application-level XON/XOFF).
				continue
			}
			filtered = append(filtered, b)
		}
	}
	if len(filtered) == 0 {
		return
	}

	if batchCb != nil {
		batchCb(filtered)
		return
	}
	for _, b := range filtered {
		if cb != nil {
			cb(b)
		}
	}
}

func (p *Port) handleReadError(err error) {
	p.log.Printf("serialport: %s read error: %v", p.cfg.PortName, err)
	cfg := p.cfg
	p.mu.Lock()
	p.open = false
	// Claimed in the same critical section that clears open, so a
	// concurrent retryAbsentPorts-driven Open (cmd/mxbridge/main.go)
	// sees either "still open" or "reconnecting", never a gap where it
	// could race reconnectLoop's own serial.Open below.
	p.reconnecting = true
	sp := p.sp
	p.mu.Unlock()
	if sp != nil {
		_ = sp.Close()
	}
	p.reconnectLoop(cfg)
}

func (p *Port) reconnectLoop(cfg Config) {
	defer func() {
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
	}()
	for {
		attempts := p.reconnectAttempts.Load()
		if int(attempts) >= maxReconnectAttempts {
			p.log.Printf("serialport: %s giving up after %d reconnect attempts", cfg.PortName, attempts)
			return
		}
		delay := ReconnectDelayMS(int(attempts))
		select {
		case <-p.stopCh:
			return
		case <-time.After(time.Duration(delay) * time.Millisecond):
		}
		p.reconnectAttempts.Add(1)

		sp, err := serial.Open(cfg.PortName, toMode(cfg))
		if err != nil {
			p.log.Printf("serialport: %s reconnect attempt %d failed: %v", cfg.PortName, attempts+1, err)
			continue
		}
		_ = sp.SetReadTimeout(rxPollTimeout)

		p.mu.Lock()
		p.sp = sp
		p.open = true
		p.stopCh = make(chan struct{})
		p.mu.Unlock()
		p.reconnectAttempts.Store(0)

		p.log.Printf("serialport: %s reconnected", cfg.PortName)
		p.wg.Add(1)
		go p.rxWorker()
		return
	}
}

// ReconnectDelayMS computes the exponential backoff delay for the given
// 0-indexed reconnect attempt: min(10000, 250*2^min(attempt,5)) ms.
func ReconnectDelayMS(attempt int) int {
	if attempt > 5 {
		attempt = 5
	}
	delay := baseReconnectDelayMs * (1 << attempt)
	if delay > maxReconnectDelayMs {
		delay = maxReconnectDelayMs
	}
	return delay
}
