// Package config loads the card and terminal-server configuration from
// an INI file, in the same Windows-style-sections, per-slot layout the
// original system persists.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/cmorgan/mxbridge/internal/serialport"
)

// ConfigError wraps a configuration problem detected at load or
// validation time; cmd/mxbridge prints it to stderr and exits 1.
type ConfigError struct {
	Section string
	Key     string
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("config: [%s]: %s", e.Section, e.Reason)
	}
	return fmt.Sprintf("config: [%s] %s: %s", e.Section, e.Key, e.Reason)
}

// hasSection reports whether f contains a section with the given name.
func hasSection(f *ini.File, name string) bool {
	_, err := f.GetSection(name)
	return err == nil
}

const (
	defaultRxFifoCapacity = 2048
	defaultXoffPercent    = 75
	defaultXonPercent     = 25
	defaultBaudRate       = 19200
)

// TerminalPortConfig is one card-side terminal slot: either bound to a
// real COM port, or left empty to mean "in-process terminal session".
type TerminalPortConfig struct {
	ComPort       string
	BaudRate      int
	HWFlowControl bool
	SWFlowControl bool

	// Per-terminal FIFO/queue sizing (supplemented feature: the original
	// carries these per terminal rather than as a single global default).
	RxFifoCapacity int
	TxQueueSize    int
	XoffPercent    int
	XonPercent     int
}

// CardConfig is one `[.../io/slot-N]` + `[.../io/slot-N/cardcfg]` pair.
type CardConfig struct {
	Section      string
	Type         string
	Addr         uint16
	NumTerminals int
	Terminals    [4]TerminalPortConfig
}

// TerminalServerTermConfig is one `[terminal_server/termK]` entry.
type TerminalServerTermConfig struct {
	Port          string
	Baud          int
	Data          int
	Parity        serialport.Parity
	StopBits      serialport.StopBits
	HWFlowControl bool
	SWFlowControl bool
}

// TerminalServerConfig is the `[terminal_server]` section plus its
// per-terminal `termK` children.
type TerminalServerConfig struct {
	MxdIoAddr  uint16
	NumTerms   int
	CaptureDir string
	Terms      [4]TerminalServerTermConfig
}

// Config is the fully parsed configuration file: zero or more card
// configs (one per populated `io/slot-N` section) plus the optional
// terminal-server section.
type Config struct {
	Cards          []CardConfig
	TerminalServer *TerminalServerConfig
}

// Load reads and parses path, returning a *ConfigError on any malformed
// value (a file that cannot be read or parsed as INI yields a wrapped
// ini error instead). It does not call Validate; callers should do so
// explicitly so load errors and validation errors stay distinguishable.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	cfg := &Config{}
	for _, sec := range f.Sections() {
		name := sec.Name()
		if !strings.Contains(name, "/io/slot-") || strings.HasSuffix(name, "/cardcfg") {
			continue
		}
		card, err := parseCardSection(f, sec)
		if err != nil {
			return nil, err
		}
		cfg.Cards = append(cfg.Cards, card)
	}

	if hasSection(f, "terminal_server") {
		ts, err := parseTerminalServer(f)
		if err != nil {
			return nil, err
		}
		cfg.TerminalServer = ts
	}

	return cfg, nil
}

func parseCardSection(f *ini.File, sec *ini.Section) (CardConfig, error) {
	card := CardConfig{Section: sec.Name()}
	card.Type = sec.Key("type").MustString("2236 MXD")

	addr, err := parseHexOrDecimal(sec.Key("addr").String())
	if err != nil {
		return card, &ConfigError{Section: sec.Name(), Key: "addr", Reason: err.Error()}
	}
	card.Addr = addr

	cardcfgName := sec.Name() + "/cardcfg"
	cardcfg, err := f.GetSection(cardcfgName)
	if err != nil {
		return card, &ConfigError{Section: cardcfgName, Reason: "missing cardcfg section"}
	}

	card.NumTerminals = cardcfg.Key("numTerminals").MustInt(1)

	for i := 0; i < 4; i++ {
		prefix := fmt.Sprintf("terminal%d_", i+1)
		term := TerminalPortConfig{
			ComPort:        cardcfg.Key(prefix + "com_port").String(),
			BaudRate:       cardcfg.Key(prefix + "baud_rate").MustInt(defaultBaudRate),
			HWFlowControl:  cardcfg.Key(prefix + "flow_control").MustBool(false),
			SWFlowControl:  cardcfg.Key(prefix + "sw_flow_control").MustBool(true),
			RxFifoCapacity: cardcfg.Key(prefix + "rx_fifo_size").MustInt(defaultRxFifoCapacity),
			TxQueueSize:    cardcfg.Key(prefix + "tx_queue_size").MustInt(0),
			XoffPercent:    cardcfg.Key(prefix + "xoff_threshold_percent").MustInt(defaultXoffPercent),
			XonPercent:     cardcfg.Key(prefix + "xon_threshold_percent").MustInt(defaultXonPercent),
		}
		card.Terminals[i] = term
	}

	return card, nil
}

func parseTerminalServer(f *ini.File) (*TerminalServerConfig, error) {
	sec := f.Section("terminal_server")

	addr, err := parseHexOrDecimal(sec.Key("mxd_io_addr").String())
	if err != nil {
		return nil, &ConfigError{Section: "terminal_server", Key: "mxd_io_addr", Reason: err.Error()}
	}

	ts := &TerminalServerConfig{
		MxdIoAddr:  addr,
		NumTerms:   sec.Key("num_terms").MustInt(1),
		CaptureDir: sec.Key("capture_dir").String(),
	}

	for i := 0; i < 4; i++ {
		secName := fmt.Sprintf("terminal_server/term%d", i+1)
		if !hasSection(f, secName) {
			continue
		}
		termSec := f.Section(secName)

		parity, err := parseParity(termSec.Key("parity").MustString("none"))
		if err != nil {
			return nil, &ConfigError{Section: secName, Key: "parity", Reason: err.Error()}
		}
		stop, err := parseStopBits(termSec.Key("stop").MustString("1"))
		if err != nil {
			return nil, &ConfigError{Section: secName, Key: "stop", Reason: err.Error()}
		}
		hwFlow, swFlow, err := parseFlow(termSec.Key("flow").MustString("none"))
		if err != nil {
			return nil, &ConfigError{Section: secName, Key: "flow", Reason: err.Error()}
		}

		ts.Terms[i] = TerminalServerTermConfig{
			Port:          termSec.Key("port").String(),
			Baud:          termSec.Key("baud").MustInt(defaultBaudRate),
			Data:          termSec.Key("data").MustInt(8),
			Parity:        parity,
			StopBits:      stop,
			HWFlowControl: hwFlow,
			SWFlowControl: swFlow,
		}
	}

	return ts, nil
}

func parseParity(s string) (serialport.Parity, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return serialport.ParityNone, nil
	case "odd":
		return serialport.ParityOdd, nil
	case "even":
		return serialport.ParityEven, nil
	default:
		return 0, fmt.Errorf("unknown parity keyword %q", s)
	}
}

func parseStopBits(s string) (serialport.StopBits, error) {
	switch strings.TrimSpace(s) {
	case "1", "":
		return serialport.StopBitsOne, nil
	case "2":
		return serialport.StopBitsTwo, nil
	default:
		return 0, fmt.Errorf("unknown stop-bits keyword %q", s)
	}
}

func parseFlow(s string) (hw, sw bool, err error) {
	switch strings.ToLower(s) {
	case "none", "":
		return false, false, nil
	case "xonxoff":
		return false, true, nil
	case "rtscts":
		return true, false, nil
	default:
		return false, false, fmt.Errorf("unknown flow keyword %q", s)
	}
}

func parseHexOrDecimal(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	v, err := strconv.ParseUint(s, base, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return uint16(v), nil
}

// Validate checks every card and terminal-server value this repo's
// invariants depend on, returning the first violation found.
func (c *Config) Validate() error {
	for _, card := range c.Cards {
		if card.NumTerminals < 1 || card.NumTerminals > 4 {
			return &ConfigError{Section: card.Section + "/cardcfg", Key: "numTerminals", Reason: "must be between 1 and 4"}
		}
		for i, term := range card.Terminals[:card.NumTerminals] {
			if term.BaudRate <= 0 {
				return &ConfigError{Section: card.Section + "/cardcfg", Key: fmt.Sprintf("terminal%d_baud_rate", i+1), Reason: "must be nonzero"}
			}
			if term.XoffPercent <= term.XonPercent {
				return &ConfigError{Section: card.Section + "/cardcfg", Key: fmt.Sprintf("terminal%d_xoff_threshold_percent", i+1), Reason: "must be greater than the xon threshold"}
			}
		}
	}

	if ts := c.TerminalServer; ts != nil {
		if ts.NumTerms < 1 || ts.NumTerms > 4 {
			return &ConfigError{Section: "terminal_server", Key: "num_terms", Reason: "must be between 1 and 4"}
		}
		for i, term := range ts.Terms[:ts.NumTerms] {
			if term.Port != "" && term.Baud <= 0 {
				return &ConfigError{Section: fmt.Sprintf("terminal_server/term%d", i+1), Key: "baud", Reason: "must be nonzero"}
			}
		}
	}

	return nil
}

// ToSerialPortConfig adapts a parsed terminal-server term entry into the
// serialport.Config the driver actually opens.
func (t TerminalServerTermConfig) ToSerialPortConfig() serialport.Config {
	return serialport.Config{
		PortName:      t.Port,
		BaudRate:      t.Baud,
		DataBits:      t.Data,
		Parity:        t.Parity,
		StopBits:      t.StopBits,
		HWFlowControl: t.HWFlowControl,
		SWFlowControl: t.SWFlowControl,
	}
}
