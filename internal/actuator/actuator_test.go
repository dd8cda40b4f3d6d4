package actuator

import (
	"bytes"
	"io"
	"log"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePort struct {
	reader  *io.PipeReader
	feeder  *io.PipeWriter
	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{reader: r, feeder: w}
}

func (p *fakePort) Read(b []byte) (int, error) {
	return p.reader.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.reader.Close()
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePort) output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestWholeDegrees(t *testing.T) {
	assert.Equal(t, 0, wholeDegrees(-12))
	assert.Equal(t, 180, wholeDegrees(396))
	assert.Equal(t, 5, wholeDegrees(5.10))
	assert.Equal(t, 4, wholeDegrees(3.5001))
	assert.Equal(t, 0, wholeDegrees(math.NaN()))
}

func TestMapToRange(t *testing.T) {
	assert.InDelta(t, 0.5, mapToRange(90, 0, 180, 0, 1), 1e-9)
	assert.InDelta(t, 1.0, mapToRange(400, 0, 180, 0, 1), 1e-9)
	assert.InDelta(t, 75.0, mapToRange(-1, 0, 180, 75, 225), 1e-9)
	assert.InDelta(t, 150.0, mapToRange(90, 0, 180, 75, 225), 1e-9)
}

func TestSerial_WritesWholeDegrees(t *testing.T) {
	port := newFakePort()
	s := NewSerial(port, discardLogger())
	defer s.Close()

	require.NoError(t, s.SetAngle(42.4))
	require.NoError(t, s.SetAngle(396))
	require.NoError(t, s.SetAngle(-15.53))
	assert.Equal(t, "42\n180\n0\n", port.output())
}

func TestSerial_ParsesFirmwareReports(t *testing.T) {
	port := newFakePort()
	s := NewSerial(port, discardLogger())
	defer s.Close()

	cycles := make(chan CycleCount, 4)
	defer s.ListenToCycleCount(cycles)()
	resistance := make(chan int, 4)
	defer s.ListenToResistance(resistance)()

	go func() {
		io.WriteString(port.feeder, "booting\r\nCYCLE COUNT:12\r\nNEW RESISTANCE:90\r\nCYCLE COUNT:oops\nCYCLE COUNT:13\n")
	}()

	select {
	case c := <-cycles:
		assert.Equal(t, 12, c.Count)
		assert.False(t, c.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for cycle count")
	}
	select {
	case r := <-resistance:
		assert.Equal(t, 90, r)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for resistance ack")
	}
	select {
	case c := <-cycles:
		assert.Equal(t, 13, c.Count)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for second cycle count")
	}
}

func TestSerial_CloseStopsReader(t *testing.T) {
	port := newFakePort()
	s := NewSerial(port, discardLogger())

	done := make(chan struct{})
	go func() {
		assert.NoError(t, s.Close())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	assert.True(t, port.isClosed())
	assert.NoError(t, s.Close())
}

func TestPWM_DutyCycle(t *testing.T) {
	a := &PWM{minTicks: 750 / pwmTickMicros, maxTicks: 2250 / pwmTickMicros}
	assert.Equal(t, uint32(75), a.dutyFor(0))
	assert.Equal(t, uint32(150), a.dutyFor(90))
	assert.Equal(t, uint32(225), a.dutyFor(180))
	assert.Equal(t, uint32(225), a.dutyFor(500))
}

func TestLog_SetAngle(t *testing.T) {
	var buf bytes.Buffer
	a := NewLog(log.New(&buf, "", 0))
	require.NoError(t, a.SetAngle(179.6))
	assert.Contains(t, buf.String(), "servo -> 180 deg")
	assert.NoError(t, a.Close())
}
