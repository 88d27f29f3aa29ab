package status

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
)

type fakeChannel struct {
	index  int
	active bool
	desc   string
	rx, tx uint64
}

func (f *fakeChannel) Index() int       { return f.index }
func (f *fakeChannel) Active() bool     { return f.active }
func (f *fakeChannel) Describe() string { return f.desc }
func (f *fakeChannel) Stats() (rx, tx, overrunDrops, xonSent, xoffSent uint64, xoffAsserted bool) {
	return f.rx, f.tx, 0, 0, 0, false
}

func TestBuildAssemblesOneCardPerDescription(t *testing.T) {
	is := is.New(t)
	ch0 := &fakeChannel{index: 0, active: true, desc: "Serial:/dev/ttyUSB0", rx: 10, tx: 5}
	ch1 := &fakeChannel{index: 1, active: false, desc: "unbound"}

	snap := Build(time.Unix(0, 0), []string{"2236 MXD @ 0x0b0"}, [][]ChannelSource{{ch0, ch1}})

	is.Equal(len(snap.Cards), 1)
	is.Equal(len(snap.Cards[0].Channels), 2)
	is.Equal(snap.Cards[0].Channels[0].RxBytes, uint64(10))
	is.True(snap.Cards[0].Channels[0].Active)
	is.True(!snap.Cards[0].Channels[1].Active)
}

func TestWriteProducesIndentedJSON(t *testing.T) {
	is := is.New(t)
	snap := Build(time.Unix(0, 0), []string{"card"}, [][]ChannelSource{{&fakeChannel{desc: "x"}}})

	var buf bytes.Buffer
	is.NoErr(Write(&buf, snap))
	is.True(strings.Contains(buf.String(), "\"cards\""))
	is.True(strings.Contains(buf.String(), "\n  "))
}
