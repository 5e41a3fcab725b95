// Package mic absorbs the latency and permission-prompt cost of microphone
// acquisition before a call needs it. Prewarming is an optimization, never a
// precondition: a denied prewarm leaves call placement and answering fully
// functional, and the real call path surfaces its own acquisition error.
package mic

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/commdesk/webphone/internal/media"
	"github.com/commdesk/webphone/internal/signaling"
)

// prewarmTimeout bounds a single warm-up attempt, including any permission
// prompt the platform may raise.
const prewarmTimeout = 15 * time.Second

// Prewarmer acquires and immediately releases microphone capture once per
// registered session. The latch is re-armed only by an explicit session
// reconnect.
type Prewarmer struct {
	device media.CaptureDevice
	logger *slog.Logger

	warmed   atomic.Bool
	failures atomic.Uint64
}

// NewPrewarmer creates a prewarmer over the given capture device.
func NewPrewarmer(device media.CaptureDevice, logger *slog.Logger) *Prewarmer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prewarmer{
		device: device,
		logger: logger.With("subsystem", "mic-prewarm"),
	}
}

// Prewarm runs one warm-up cycle: open capture with echo cancellation,
// noise suppression, and auto gain enabled, then release it immediately.
// If the client exposes the microphone-enable capability, that is invoked
// as a secondary warm-up path. Runs at most once until Reset; repeat calls
// return immediately.
func (p *Prewarmer) Prewarm(ctx context.Context, client signaling.Client) {
	if !p.warmed.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, prewarmTimeout)
	defer cancel()

	stream, err := p.device.Capture(ctx, media.CaptureOptions{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	})
	if err != nil {
		// Permission denial is expected on some setups; the first real
		// call re-requests media and reports its own failure.
		p.failures.Add(1)
		p.logger.Warn("microphone prewarm failed", "error", err)
	} else {
		stream.Close()
		p.logger.Info("microphone prewarmed")
	}

	if enabler, ok := client.(signaling.MicrophoneEnabler); ok {
		if err := enabler.EnableMicrophone(); err != nil {
			p.logger.Warn("client microphone enable failed", "error", err)
		}
	}
}

// Reset re-arms the latch so the next Prewarm runs a fresh cycle. Called by
// the session manager on reconnect.
func (p *Prewarmer) Reset() {
	p.warmed.Store(false)
}

// Warmed reports whether a warm-up cycle has run for the current session.
func (p *Prewarmer) Warmed() bool {
	return p.warmed.Load()
}

// Failures returns the number of failed warm-up attempts since start,
// exposed for metrics.
func (p *Prewarmer) Failures() uint64 {
	return p.failures.Load()
}
