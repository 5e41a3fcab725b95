package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrDeviceUnavailable indicates the capture endpoint cannot be opened.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// AcquisitionError is returned when microphone capture is denied or
// unavailable. It is surfaced by the real call path; prewarming treats it
// as non-fatal.
type AcquisitionError struct {
	Device string
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquiring %s: %v", e.Device, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

// CaptureOptions mirror the audio-processing constraints requested when
// opening the microphone.
type CaptureOptions struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// CaptureStream is an open capture session. Closing it releases all tracks.
type CaptureStream interface {
	Close() error
}

// CaptureDevice opens microphone capture sessions.
type CaptureDevice interface {
	Capture(ctx context.Context, opts CaptureOptions) (CaptureStream, error)
}

// sinkCapture is the default capture device, backed by the binder's local
// sink. Opening it fails with an AcquisitionError once the sink is closed.
type sinkCapture struct {
	sink   *Sink
	logger *slog.Logger
}

func (d *sinkCapture) Capture(ctx context.Context, opts CaptureOptions) (CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.sink.Closed() {
		return nil, &AcquisitionError{Device: "microphone", Err: ErrDeviceUnavailable}
	}

	d.logger.Debug("capture stream opened",
		"echo_cancellation", opts.EchoCancellation,
		"noise_suppression", opts.NoiseSuppression,
		"auto_gain_control", opts.AutoGainControl,
	)
	return &sinkStream{sink: d.sink}, nil
}

// sinkStream is an open capture session on the local sink. Close is
// idempotent and does not close the sink itself, only this session.
type sinkStream struct {
	sink *Sink
	once sync.Once
}

func (s *sinkStream) Close() error {
	s.once.Do(func() {})
	return nil
}
