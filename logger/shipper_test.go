package logger

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (c *captureSink) sink(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, p)
}

func (c *captureSink) all() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Join(c.chunks, nil)
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

func TestShipper_TruncatesToCapacity(t *testing.T) {
	s := NewShipper(64, time.Hour)
	line := []byte(strings.Repeat("x", 99) + "\n")

	n, err := s.Write(line)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, 64, s.Len())
	assert.Equal(t, s.Cap(), s.Len())

	assert.Equal(t, 0, s.Append([]byte("more")))
	assert.Equal(t, 64, s.Len())

	sink := &captureSink{}
	s.Attach(sink.sink)
	require.True(t, s.Flush())
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, line[:64], sink.all())

	assert.Equal(t, 4, s.Append([]byte("next")))
}

func TestShipper_AccumulatesWithoutSink(t *testing.T) {
	s := NewShipper(32, time.Hour)
	s.Append([]byte("boot line\n"))

	assert.False(t, s.Flush())
	assert.Equal(t, 10, s.Len())

	sink := &captureSink{}
	s.Attach(sink.sink)
	assert.True(t, s.Attached())
	require.True(t, s.Flush())
	assert.Equal(t, "boot line\n", string(sink.all()))

	assert.False(t, s.Flush(), "empty buffer must not reach the sink")
	assert.Equal(t, 1, sink.count())

	s.Detach()
	assert.False(t, s.Attached())
}

func TestShipper_SinkOwnsBytes(t *testing.T) {
	s := NewShipper(16, time.Hour)
	sink := &captureSink{}
	s.Attach(sink.sink)

	s.Append([]byte("first"))
	s.Flush()
	s.Append([]byte("XXXXX"))

	assert.Equal(t, "first", string(sink.all()))
}

func TestShipper_SinkMayLog(t *testing.T) {
	s := NewShipper(128, time.Hour)
	s.Attach(func(p []byte) {
		// a sink that writes back into the shipper must not deadlock
		s.Append([]byte("shipped\n"))
	})
	s.Append([]byte("line\n"))

	done := make(chan struct{})
	go func() {
		s.Flush()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("flush deadlocked")
	}
	assert.Equal(t, len("shipped\n"), s.Len())
}

func TestShipper_Resize(t *testing.T) {
	s := NewShipper(8, time.Hour)
	s.Append([]byte("12345678"))

	s.Resize(4)
	assert.Equal(t, 4, s.Cap())
	assert.Equal(t, 4, s.Len())

	s.Resize(16)
	assert.Equal(t, 16, s.Cap())
	assert.Equal(t, 4, s.Len())

	s.Resize(0)
	assert.Equal(t, 16, s.Cap())
}

func TestShipper_StartFlushesPeriodically(t *testing.T) {
	s := NewShipper(256, 10*time.Millisecond)
	sink := &captureSink{}
	s.Attach(sink.sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	s.Append([]byte("tick\n"))
	assert.Eventually(t, func() bool {
		return string(sink.all()) == "tick\n"
	}, time.Second, 5*time.Millisecond)
}

func TestShipper_ConcurrentWriters(t *testing.T) {
	s := NewShipper(1000, time.Hour)
	sink := &captureSink{}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Append([]byte("ab"))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			s.Attach(sink.sink)
			s.Flush()
			s.Detach()
		}
	}()
	wg.Wait()

	s.Attach(sink.sink)
	s.Flush()
	assert.Equal(t, 1000, len(sink.all()))
}
