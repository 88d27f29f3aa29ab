// mxbridge bridges a host emulator's I/O bus to real or in-process
// terminals through a software model of a 2236 MXD-style intelligent
// terminal multiplexer card.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/cmorgan/mxbridge/internal/config"
	"github.com/cmorgan/mxbridge/internal/hostbridge"
	"github.com/cmorgan/mxbridge/internal/mux"
	"github.com/cmorgan/mxbridge/internal/scheduler"
	"github.com/cmorgan/mxbridge/internal/serialport"
	"github.com/cmorgan/mxbridge/internal/session"
	"github.com/cmorgan/mxbridge/internal/status"
	"github.com/cmorgan/mxbridge/internal/webconfig"
)

func main() {
	var cli runCmd
	ctx := kong.Parse(&cli, kong.Name("mxbridge"),
		kong.Description("terminal multiplexer card bridge"))
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}

type runCmd struct {
	Ini          string `name:"ini" required:"" help:"path to the card/terminal-server INI configuration"`
	WebConfig    bool   `name:"web-config" help:"enable the optional HTTP control server"`
	WebPort      int    `name:"web-port" default:"0" help:"port for the control server, implies --web-config (default 8080 when enabled with no port given)"`
	DebugWakeups bool   `name:"debug-wakeups" help:"log every main-loop wakeup and its cause"`
}

// boundCard is the runtime state one loaded CardConfig produces: the
// device model plus whatever per-channel resources (open serial ports,
// capture files) need closing on shutdown. section/numTerminals/terminals
// describe the card generically enough to be built from either a
// `[.../io/slot-N]` CardConfig or a `[terminal_server]` section.
type boundCard struct {
	section      string
	numTerminals int
	terminals    [4]terminalBinding
	device       *mux.Device
	ports        [4]*serialport.Port // nil for in-process channels
	capture      [4]*os.File         // nil unless capture_dir is set
}

type terminalBinding struct {
	comPort       string
	baudRate      int
	parity        serialport.Parity
	stopBits      serialport.StopBits
	hwFlowControl bool
	swFlowControl bool
	txQueueSize   int
}

func (r *runCmd) Run() (err error) {
	logger := log.New(os.Stderr, "mxbridge: ", log.LstdFlags)

	// A panic escaping the main loop (e.g. from a scheduler callback run
	// by bridge.OnIdle) is fatal: the deferred shutdown steps registered
	// below still run while it unwinds, and Run reports it as an error so
	// the process exits 1.
	defer func() {
		if p := recover(); p != nil {
			logger.Printf("fatal: %v", p)
			err = fmt.Errorf("fatal: %v", p)
		}
	}()

	cfg, err := config.Load(r.Ini)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sched := scheduler.New()
	bridge := hostbridge.NewStepper(sched, hostbridge.CPU2200MVP, logger)

	var cards []*boundCard
	for _, cardCfg := range cfg.Cards {
		bc, err := bindCard(bridge, sched, cardCfg, "", logger)
		if err != nil {
			return err
		}
		cards = append(cards, bc)
	}
	if cfg.TerminalServer != nil {
		bc, err := bindTerminalServer(bridge, sched, cfg.TerminalServer, logger)
		if err != nil {
			return err
		}
		cards = append(cards, bc)
	}

	defer closeCards(cards)

	reloadCh := make(chan struct{}, 1)
	var webSrv *webconfig.Server
	if r.WebConfig || r.WebPort != 0 {
		port := r.WebPort
		if port == 0 {
			port = 8080
		}
		addr := fmt.Sprintf(":%d", port)
		webSrv = webconfig.New(addr, reloadCh, logger)
		webSrv.SetConfig(cfg)
		go func() {
			if err := webSrv.ListenAndServe(); err != nil {
				logger.Printf("webconfig: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = webSrv.Shutdown(shutdownCtx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	// sigCh carries both shutdown signals and the "dump status" signal;
	// split them onto their own channels so the main loop's step 1/5
	// handling (spec.md §4.6) doesn't have to special-case SIGUSR1 deep
	// inside a select arm shared with shutdown.
	statusDumpCh := make(chan struct{}, 1)
	shutdownCh := make(chan os.Signal, 1)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGUSR1 {
				select {
				case statusDumpCh <- struct{}{}:
				default:
				}
				continue
			}
			shutdownCh <- sig
			return
		}
	}()

	now := time.Now()
	nextSlice := now.Add(fixedSliceInterval)
	nextAnniversary := now.Add(statsAndRetryInterval)

	running := true
	for running {
		// 1. handle a pending "dump status" request.
		select {
		case <-statusDumpCh:
			if r.DebugWakeups {
				logger.Printf("wakeup: status dump request")
			}
			dumpStatus(cards, os.Stdout)
		default:
		}

		// 2. handle a pending reload request.
		select {
		case <-reloadCh:
			if r.DebugWakeups {
				logger.Printf("wakeup: reload request")
			}
			cfg = applyReload(cfg, r.Ini, webSrv, logger)
		default:
		}

		// 3. system_on_idle().
		if !bridge.OnIdle() {
			running = false
			break
		}

		// 4. compute the next deadline.
		now = time.Now()
		nextSlice = catchUpFixedSlice(nextSlice, now)
		deadline := nextDeadline(now, nextSlice, nextAnniversary, sched)

		// 5. program a single timer and wait on it alongside the
		// channels that can shorten the wait.
		wait := deadline.Sub(now)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			if r.DebugWakeups {
				logger.Printf("wakeup: timer (%s)", wait)
			}
		case <-statusDumpCh:
			timer.Stop()
			if r.DebugWakeups {
				logger.Printf("wakeup: status dump request")
			}
			dumpStatus(cards, os.Stdout)
		case <-reloadCh:
			timer.Stop()
			if r.DebugWakeups {
				logger.Printf("wakeup: reload request")
			}
			cfg = applyReload(cfg, r.Ini, webSrv, logger)
		case sig := <-shutdownCh:
			timer.Stop()
			logger.Printf("received %s, shutting down", sig)
			running = false
		}

		// 6. 30s anniversary: stats + retry.
		now = time.Now()
		if !now.Before(nextAnniversary) {
			if r.DebugWakeups {
				logger.Printf("wakeup: 30s stats/retry anniversary")
			}
			emitStats(cards, logger)
			retryAbsentPorts(cards, logger)
			nextAnniversary = nextAnniversary.Add(statsAndRetryInterval)
			if nextAnniversary.Before(now) {
				nextAnniversary = now.Add(statsAndRetryInterval)
			}
		}
	}

	return nil
}

const (
	fixedSliceInterval    = 30 * time.Millisecond
	hardCapInterval       = 50 * time.Millisecond
	statsAndRetryInterval = 30 * time.Second
	schedulerWaitFloor    = time.Millisecond
	maxCatchUpIterations  = 10
)

// catchUpFixedSlice implements spec.md §4.6's cadence safety rule: if
// the fixed-slice deadline has already fallen behind now (a suspended
// process, a slow reload), advance it by the slice repeatedly rather
// than handing back a deadline in the past, but give up after
// maxCatchUpIterations and clamp to now+slice.
func catchUpFixedSlice(nextSlice, now time.Time) time.Time {
	for i := 0; !nextSlice.After(now); i++ {
		if i >= maxCatchUpIterations {
			return now.Add(fixedSliceInterval)
		}
		nextSlice = nextSlice.Add(fixedSliceInterval)
	}
	return nextSlice
}

// nextDeadline computes the minimum of the fixed slice, the next
// scheduler timer (floored at 1ms), the stats/retry anniversary, and
// the 50ms hard cap, per spec.md §4.6 point 4.
func nextDeadline(now, nextSlice, nextAnniversary time.Time, sched *scheduler.Scheduler) time.Time {
	deadline := nextSlice
	if nextAnniversary.Before(deadline) {
		deadline = nextAnniversary
	}
	if hardCap := now.Add(hardCapInterval); hardCap.Before(deadline) {
		deadline = hardCap
	}
	if ms, ok := sched.MillisecondsUntilNext(); ok {
		wait := time.Duration(ms) * time.Millisecond
		if wait < schedulerWaitFloor {
			wait = schedulerWaitFloor
		}
		if schedDeadline := now.Add(wait); schedDeadline.Before(deadline) {
			deadline = schedDeadline
		}
	}
	return deadline
}

// applyReload reloads and validates the INI at path, returning the new
// configuration on success or the unchanged current one (with an
// explanatory log line) on failure. Never called from a web-handler
// goroutine directly — only from the main loop, per spec.md §4.6 point 2.
func applyReload(current *config.Config, path string, webSrv *webconfig.Server, logger *log.Logger) *config.Config {
	newCfg, err := config.Load(path)
	if err != nil {
		logger.Printf("config reload failed: %v", err)
		return current
	}
	if err := newCfg.Validate(); err != nil {
		logger.Printf("config reload failed: %v", err)
		return current
	}
	if webSrv != nil {
		webSrv.SetConfig(newCfg)
	}
	logger.Printf("configuration reloaded from %s", path)
	return newCfg
}

func bindCard(bridge hostbridge.Bridge, sched *scheduler.Scheduler, cardCfg config.CardConfig, captureDir string, logger *log.Logger) (*boundCard, error) {
	var chanCfg [4]mux.ChannelConfig
	bc := &boundCard{section: cardCfg.Section, numTerminals: cardCfg.NumTerminals}
	for i, term := range cardCfg.Terminals {
		chanCfg[i] = mux.ChannelConfig{
			Capacity:    term.RxFifoCapacity,
			XoffPercent: term.XoffPercent,
			XonPercent:  term.XonPercent,
		}
		bc.terminals[i] = terminalBinding{
			comPort:       term.ComPort,
			baudRate:      term.BaudRate,
			hwFlowControl: term.HWFlowControl,
			swFlowControl: term.SWFlowControl,
			txQueueSize:   term.TxQueueSize,
		}
	}

	bc.device = mux.NewDevice(bridge, sched, logger, cardCfg.Type, cardCfg.Addr, cardCfg.NumTerminals, chanCfg)
	bindChannels(bc, captureDir, logger)
	return bc, nil
}

// bindTerminalServer builds a boundCard from the newer `[terminal_server]`
// + `[terminal_server/termK]` configuration style, the one that carries
// capture_dir.
func bindTerminalServer(bridge hostbridge.Bridge, sched *scheduler.Scheduler, ts *config.TerminalServerConfig, logger *log.Logger) (*boundCard, error) {
	var chanCfg [4]mux.ChannelConfig
	bc := &boundCard{section: "terminal_server", numTerminals: ts.NumTerms}
	for i := 0; i < ts.NumTerms; i++ {
		term := ts.Terms[i]
		bc.terminals[i] = terminalBinding{
			comPort:       term.Port,
			baudRate:      term.Baud,
			parity:        term.Parity,
			stopBits:      term.StopBits,
			hwFlowControl: term.HWFlowControl,
			swFlowControl: term.SWFlowControl,
		}
	}

	bc.device = mux.NewDevice(bridge, sched, logger, "2236 MXD", ts.MxdIoAddr, ts.NumTerms, chanCfg)
	bindChannels(bc, ts.CaptureDir, logger)
	return bc, nil
}

func bindChannels(bc *boundCard, captureDir string, logger *log.Logger) {
	for i := 0; i < bc.numTerminals; i++ {
		term := bc.terminals[i]
		ch := bc.device.Channel(i)
		channelName := fmt.Sprintf("%s-term%d", bc.section, i+1)

		if term.comPort == "" {
			inproc := session.NewInProcessTerminal(channelName, ch.PushFromWire)
			ch.BindSession(inproc)
			continue
		}

		port := serialport.New(logger)
		spCfg := serialport.Config{
			PortName:      term.comPort,
			BaudRate:      term.baudRate,
			DataBits:      8,
			Parity:        term.parity,
			StopBits:      term.stopBits,
			HWFlowControl: term.hwFlowControl,
			SWFlowControl: term.swFlowControl,
			TxQueueSize:   term.txQueueSize,
		}
		if !port.Open(spCfg) {
			logger.Printf("%s: %s absent at startup, will retry", bc.section, term.comPort)
			if err := serialport.ProbeTermiosHint(term.comPort); err != nil {
				logger.Printf("%s: %v", channelName, err)
			}
		}

		if captureDir != "" {
			cb, f, err := serialport.CaptureToFile(captureDir, channelName)
			if err != nil {
				logger.Printf("%s: capture disabled: %v", channelName, err)
			} else {
				port.SetCaptureCallback(cb)
				bc.capture[i] = f
			}
		}

		sess := session.NewSerialSession(port, ch.PushBatchFromWire)
		ch.BindSession(sess)
		bc.ports[i] = port
	}
}

func closeCards(cards []*boundCard) {
	for _, bc := range cards {
		for i := range bc.ports {
			if bc.ports[i] != nil {
				bc.ports[i].Close()
			}
			if bc.capture[i] != nil {
				bc.capture[i].Close()
			}
		}
	}
}

func dumpStatus(cards []*boundCard, w *os.File) {
	descriptions := make([]string, len(cards))
	channelSets := make([][]status.ChannelSource, len(cards))
	for i, bc := range cards {
		descriptions[i] = bc.device.Describe()
		set := make([]status.ChannelSource, bc.numTerminals)
		for j := 0; j < bc.numTerminals; j++ {
			set[j] = bc.device.Channel(j)
		}
		channelSets[i] = set
	}
	snap := status.Build(time.Now(), descriptions, channelSets)
	if err := status.Write(w, snap); err != nil {
		log.Printf("mxbridge: status dump: %v", err)
	}
}

func emitStats(cards []*boundCard, logger *log.Logger) {
	for _, bc := range cards {
		for j := 0; j < bc.numTerminals; j++ {
			ch := bc.device.Channel(j)
			rx, tx, drops, _, _, _ := ch.Stats()
			logger.Printf("%s/term%d: rx=%d tx=%d overrun_drops=%d", bc.section, j+1, rx, tx, drops)
		}
	}
}

// retryAbsentPorts attempts to (re)open any serial port that failed to
// open at startup or on a previous retry. Ports that are already open
// are skipped, since serialport.Port.Open on an open port closes and
// reopens it.
func retryAbsentPorts(cards []*boundCard, logger *log.Logger) {
	for _, bc := range cards {
		for i, port := range bc.ports {
			if port == nil || port.IsOpen() {
				continue
			}
			term := bc.terminals[i]
			spCfg := serialport.Config{
				PortName:      term.comPort,
				BaudRate:      term.baudRate,
				DataBits:      8,
				Parity:        term.parity,
				StopBits:      term.stopBits,
				HWFlowControl: term.hwFlowControl,
				SWFlowControl: term.swFlowControl,
				TxQueueSize:   term.txQueueSize,
			}
			if port.Open(spCfg) {
				logger.Printf("%s: %s now present, opened", bc.section, term.comPort)
			}
		}
	}
}
