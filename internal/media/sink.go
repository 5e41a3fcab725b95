package media

import (
	"io"
	"sync"
)

// SinkKind distinguishes the two audio endpoints a call uses.
type SinkKind string

const (
	// SinkLocal is the capture endpoint (microphone side).
	SinkLocal SinkKind = "local"
	// SinkRemote is the playback endpoint (far-end audio).
	SinkRemote SinkKind = "remote"
)

// maxSinkBuffer bounds the amount of audio a sink will hold before
// dropping the oldest data. At 8 kHz 16-bit mono this is about two
// seconds of audio.
const maxSinkBuffer = 32 * 1024

// Sink is a single audio endpoint shared by reference between the
// signaling client and whatever renders or produces audio. Writes beyond
// the buffer bound drop the oldest data rather than blocking, so a slow
// reader can never stall the media path.
type Sink struct {
	kind SinkKind

	mu     sync.Mutex
	buf    []byte
	closed bool
}

func newSink(kind SinkKind) *Sink {
	return &Sink{kind: kind}
}

// Kind returns which endpoint this sink is.
func (s *Sink) Kind() SinkKind {
	return s.kind
}

// Write appends audio data to the sink. If the buffer bound is exceeded,
// the oldest data is discarded. Returns io.ErrClosedPipe after Close.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, io.ErrClosedPipe
	}

	s.buf = append(s.buf, p...)
	if overflow := len(s.buf) - maxSinkBuffer; overflow > 0 {
		s.buf = s.buf[overflow:]
	}
	return len(p), nil
}

// Read drains buffered audio into p. An open but empty sink returns
// (0, nil); a closed and drained sink returns io.EOF.
func (s *Sink) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) == 0 {
		if s.closed {
			return 0, io.EOF
		}
		return 0, nil
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Buffered returns the number of bytes waiting to be read.
func (s *Sink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Close marks the sink closed. Buffered data remains readable until drained.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether the sink has been closed.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
