package serialport

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CaptureToFile opens (creating if needed) dir/channelName.cap and
// returns a CaptureCallback that appends one RX/TX-tagged, hex-dumped
// line per byte, plus the file so the caller can close it on shutdown.
// Gated entirely by the caller checking capture_dir is non-empty —
// this is debug tooling, not a logging concern, so no structured
// logging library is involved.
func CaptureToFile(dir, channelName string) (CaptureCallback, *os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("serialport: capture dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, channelName+".cap")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("serialport: capture file %s: %w", path, err)
	}

	cb := func(b byte, dir CaptureDirection) {
		tag := "RX"
		if dir == CaptureTX {
			tag = "TX"
		}
		fmt.Fprintf(f, "%s %s %02x\n", time.Now().UTC().Format(time.RFC3339Nano), tag, b)
	}
	return cb, f, nil
}
