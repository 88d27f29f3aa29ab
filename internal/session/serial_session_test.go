package session

import (
	"testing"

	"github.com/matryer/is"

	"github.com/cmorgan/mxbridge/internal/fifo"
	"github.com/cmorgan/mxbridge/internal/serialport"
)

func TestSerialSessionRoutesFlowControlThroughPortDriverPath(t *testing.T) {
	is := is.New(t)

	port := serialport.New(nil)
	s := NewSerialSession(port, nil)

	is.NoErr(s.MxdToTerm(fifo.XOFF))
	is.True(port.XoffAsserted())

	is.NoErr(s.MxdToTerm(fifo.XON))
	is.True(!port.XoffAsserted())

	_, tx := s.Stats()
	is.Equal(tx, uint64(2))
}

func TestSerialSessionDescribeAndActive(t *testing.T) {
	is := is.New(t)

	port := serialport.New(nil)
	s := NewSerialSession(port, nil)

	is.Equal(s.Describe(), "Serial:")
	is.True(!s.IsActive()) // never opened
}

func TestSerialSessionCloseDoesNotPanic(t *testing.T) {
	port := serialport.New(nil)
	var got []byte
	s := NewSerialSession(port, func(data []byte) { got = append(got, data...) })
	s.Close()
	// with the callback cleared, nothing further delivered via handleBatch
	// matters for this test; this just exercises Close without panicking.
	_ = got
}

func TestSerialSessionTxQueueFullnessImplementsBackpressureAware(t *testing.T) {
	is := is.New(t)

	port := serialport.New(nil)
	s := NewSerialSession(port, nil)

	var bp BackpressureAware = s
	is.Equal(bp.TxQueueFullness(), float64(0))
}
