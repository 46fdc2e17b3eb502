package logger

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultShipCapacity is the size of the shipping buffer in bytes
	DefaultShipCapacity = 4096
	// DefaultShipInterval is how often buffered lines are handed to the sink
	DefaultShipInterval = 10 * time.Second
)

// Sink receives accumulated log bytes. The slice is owned by the sink, and
// the buffer is already reset when it runs: bytes the sink cannot deliver are lost.
type Sink func(p []byte)

// Shipper is a fixed-capacity append buffer that collects formatted log
// lines and periodically hands them to an attached Sink.
//
// Writes never block longer than the buffer lock: once the buffer is full,
// further bytes are silently dropped until the next flush resets the cursor.
// Without a sink the buffer keeps accumulating up to its capacity.
type Shipper struct {
	mu       sync.Mutex
	buf      []byte
	pos      int
	sink     Sink
	interval time.Duration
	reset    chan time.Duration
}

// NewShipper creates a shipper with the given capacity and flush interval
func NewShipper(capacity int, interval time.Duration) *Shipper {
	if capacity <= 0 {
		capacity = DefaultShipCapacity
	}
	if interval <= 0 {
		interval = DefaultShipInterval
	}
	return &Shipper{
		buf:      make([]byte, capacity),
		interval: interval,
		reset:    make(chan time.Duration, 1),
	}
}

// Write appends p, truncated to the remaining capacity. It always reports
// len(p) so the logging path never sees a short-write error.
func (s *Shipper) Write(p []byte) (int, error) {
	s.Append(p)
	return len(p), nil
}

// Append copies as much of p as fits and returns the number of bytes stored
func (s *Shipper) Append(p []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := copy(s.buf[s.pos:], p)
	s.pos += n
	return n
}

// Len returns the write cursor
func (s *Shipper) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Cap returns the buffer capacity
func (s *Shipper) Cap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Attach sets the sink that receives flushed bytes
func (s *Shipper) Attach(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Detach removes the sink; the buffer accumulates until one is attached again
func (s *Shipper) Detach() {
	s.Attach(nil)
}

// Attached reports whether a sink is currently set
func (s *Shipper) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink != nil
}

// Flush hands the buffered bytes to the sink and resets the cursor.
// It is a no-op without a sink or with an empty buffer. The sink runs
// after the lock is released so it may log without deadlocking.
func (s *Shipper) Flush() bool {
	s.mu.Lock()
	if s.sink == nil || s.pos == 0 {
		s.mu.Unlock()
		return false
	}
	sink := s.sink
	out := make([]byte, s.pos)
	copy(out, s.buf[:s.pos])
	s.pos = 0
	s.mu.Unlock()

	sink(out)
	return true
}

// Resize changes the capacity, keeping as much buffered data as fits
func (s *Shipper) Resize(capacity int) {
	if capacity <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if capacity == len(s.buf) {
		return
	}
	buf := make([]byte, capacity)
	s.pos = copy(buf, s.buf[:s.pos])
	s.buf = buf
}

// SetInterval changes the flush cadence of a running Start loop
func (s *Shipper) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	s.interval = interval
	s.mu.Unlock()

	select {
	case s.reset <- interval:
	default:
	}
}

// Start runs the periodic flush until ctx is cancelled
func (s *Shipper) Start(ctx context.Context) {
	s.mu.Lock()
	interval := s.interval
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-s.reset:
			ticker.Reset(d)
		case <-ticker.C:
			s.Flush()
		}
	}
}
