package main

import (
	"log"
	"testing"

	"github.com/matryer/is"

	"github.com/cmorgan/mxbridge/internal/config"
	"github.com/cmorgan/mxbridge/internal/hostbridge"
	"github.com/cmorgan/mxbridge/internal/scheduler"
)

func newTestBridge() (hostbridge.Bridge, *scheduler.Scheduler) {
	sched := scheduler.New()
	return hostbridge.NewStepper(sched, hostbridge.CPU2200VP, nil), sched
}

func TestBindCardWithEmptyComPortsUsesInProcessSessions(t *testing.T) {
	is := is.New(t)
	bridge, sched := newTestBridge()

	cardCfg := config.CardConfig{
		Section:      "wang/io/slot-3",
		Type:         "2236 MXD",
		Addr:         0x0B0,
		NumTerminals: 2,
	}

	bc, err := bindCard(bridge, sched, cardCfg, "", log.Default())
	is.NoErr(err)
	is.Equal(bc.numTerminals, 2)
	is.True(bc.ports[0] == nil)
	is.True(bc.ports[1] == nil)
	is.Equal(bc.device.Channel(0).Describe(), "InProcess:wang/io/slot-3-term1")
}

func TestBindCardCreatesSerialPortForNonEmptyComPort(t *testing.T) {
	is := is.New(t)
	bridge, sched := newTestBridge()

	cardCfg := config.CardConfig{
		Section:      "wang/io/slot-3",
		Type:         "2236 MXD",
		Addr:         0x0B0,
		NumTerminals: 1,
	}
	cardCfg.Terminals[0] = config.TerminalPortConfig{ComPort: "/dev/mxbridge-test-nonexistent", BaudRate: 19200}

	bc, err := bindCard(bridge, sched, cardCfg, "", log.Default())
	is.NoErr(err)
	is.True(bc.ports[0] != nil)
	// the device is absent, so Open is expected to fail; the channel
	// still gets a SerialSession bound so a later reconnect can succeed.
	is.True(!bc.ports[0].IsOpen())
}

func TestBindTerminalServerWiresCaptureDir(t *testing.T) {
	is := is.New(t)
	bridge, sched := newTestBridge()

	ts := &config.TerminalServerConfig{
		MxdIoAddr:  0x0B0,
		NumTerms:   1,
		CaptureDir: t.TempDir(),
	}
	ts.Terms[0] = config.TerminalServerTermConfig{Port: "/dev/mxbridge-test-nonexistent", Baud: 19200}

	bc, err := bindTerminalServer(bridge, sched, ts, log.Default())
	is.NoErr(err)
	is.True(bc.capture[0] != nil)

	closeCards([]*boundCard{bc})
}
