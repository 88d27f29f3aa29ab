package serialport

import (
	"os"
	"strings"
	"testing"

	"github.com/matryer/is"
)

func TestCaptureToFileWritesTaggedHexLines(t *testing.T) {
	is := is.New(t)
	dir := t.TempDir()

	cb, f, err := CaptureToFile(dir, "term1")
	is.NoErr(err)
	defer f.Close()

	cb(0x41, CaptureRX)
	cb(0x11, CaptureTX)
	is.NoErr(f.Sync())

	data, err := os.ReadFile(f.Name())
	is.NoErr(err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	is.Equal(len(lines), 2)
	is.True(strings.Contains(lines[0], "RX 41"))
	is.True(strings.Contains(lines[1], "TX 11"))
}
