package media

import (
	"log/slog"
	"sync"
)

// RemoteAttacher is the part of a signaling client that accepts the
// remote playback sink. The binder calls this exactly once per
// (target, sink) pair; attaching the same target again is a no-op.
type RemoteAttacher interface {
	SetRemoteSink(*Sink)
}

// Binder owns exactly one local and one remote audio sink for the whole
// process lifetime. Sinks are created lazily on first need and are shared
// by reference: the signaling client writes far-end audio into the remote
// sink and reads captured audio from the local one, while the rendering
// side does the reverse. The binder is the only component allowed to
// construct sinks.
type Binder struct {
	logger *slog.Logger

	mu       sync.Mutex
	local    *Sink
	remote   *Sink
	attached map[RemoteAttacher]*Sink
}

// NewBinder creates an empty binder. No sinks are allocated until
// Local, Remote, or AttachRemote is first called.
func NewBinder(logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{
		logger:   logger.With("subsystem", "media-binder"),
		attached: make(map[RemoteAttacher]*Sink),
	}
}

// Local returns the capture-side sink, creating it on first use.
func (b *Binder) Local() *Sink {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.local == nil {
		b.local = newSink(SinkLocal)
		b.logger.Debug("local sink created")
	}
	return b.local
}

// Remote returns the playback-side sink, creating it on first use.
func (b *Binder) Remote() *Sink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remoteLocked()
}

func (b *Binder) remoteLocked() *Sink {
	if b.remote == nil {
		b.remote = newSink(SinkRemote)
		b.logger.Debug("remote sink created")
	}
	return b.remote
}

// AttachRemote hands the remote sink to a signaling client. Re-attaching
// the same client is a no-op so that repeated session setup cannot
// double-subscribe playback.
func (b *Binder) AttachRemote(target RemoteAttacher) {
	b.mu.Lock()
	sink := b.remoteLocked()
	if b.attached[target] == sink {
		b.mu.Unlock()
		b.logger.Debug("remote sink already attached, skipping")
		return
	}
	b.attached[target] = sink
	b.mu.Unlock()

	target.SetRemoteSink(sink)
	b.logger.Info("remote sink attached")
}

// DetachRemote forgets a previous attachment, allowing a later
// AttachRemote for a replacement client to proceed.
func (b *Binder) DetachRemote(target RemoteAttacher) {
	b.mu.Lock()
	delete(b.attached, target)
	b.mu.Unlock()
}

// CaptureDevice returns the default capture device, bound to the binder's
// local sink.
func (b *Binder) CaptureDevice() CaptureDevice {
	return &sinkCapture{sink: b.Local(), logger: b.logger}
}
