//go:build windows

package serialport

// ProbeTermiosHint is a no-op on Windows: there is no termios ioctl to
// probe, and go.bug.st/serial's own open error is the only diagnostic
// available for a configured COM port that fails to open.
func ProbeTermiosHint(path string) error {
	return nil
}
