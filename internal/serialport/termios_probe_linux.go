//go:build linux

package serialport

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// ProbeTermios opens path read-only and reads back its current termios
// settings, without touching go.bug.st/serial at all. Used purely for
// diagnostics when Open fails on a configured COM port: it tells the
// log whether the path exists and whether the OS even considers it a
// tty, distinct from "device busy" or "permission denied".
func ProbeTermios(path string) (*unix.Termios, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("serialport: probe %s: %w", path, err)
	}
	defer f.Close()

	t, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	if err != nil {
		return nil, fmt.Errorf("serialport: probe %s: not a tty: %w", path, err)
	}
	return t, nil
}

// ProbeTermiosHint is the platform-dispatched entry point callers outside
// this package should use: it wraps ProbeTermios on the platforms that
// have a termios ioctl to probe, and is a no-op everywhere else (see
// termios_probe_windows.go).
func ProbeTermiosHint(path string) error {
	_, err := ProbeTermios(path)
	return err
}
