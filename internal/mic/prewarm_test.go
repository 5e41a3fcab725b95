package mic

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/commdesk/webphone/internal/media"
	"github.com/commdesk/webphone/internal/signaling"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStream struct {
	closed bool
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeDevice struct {
	mu      sync.Mutex
	opens   int
	err     error
	streams []*fakeStream
	lastOpt media.CaptureOptions
}

func (d *fakeDevice) Capture(ctx context.Context, opts media.CaptureOptions) (media.CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	d.lastOpt = opts
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeStream{}
	d.streams = append(d.streams, s)
	return s, nil
}

// enablerClient implements signaling.Client plus the microphone-enable
// capability.
type enablerClient struct {
	plainClient
	enables int
	err     error
}

func (c *enablerClient) EnableMicrophone() error {
	c.enables++
	return c.err
}

type plainClient struct{}

func (plainClient) Connect(ctx context.Context) error { return nil }
func (plainClient) Disconnect() error { return nil }
func (plainClient) NewCall(ctx context.Context, dest string) (signaling.Call, error) {
	return nil, errors.New("not supported")
}
func (plainClient) OnLifecycle(func(signaling.LifecycleEvent)) {}
func (plainClient) OnNotification(func(signaling.Notification)) {}
func (plainClient) SetRemoteSink(*media.Sink) {}

func TestPrewarmOpensAndReleases(t *testing.T) {
	dev := &fakeDevice{}
	p := NewPrewarmer(dev, testLogger())

	p.Prewarm(context.Background(), plainClient{})

	if dev.opens != 1 {
		t.Fatalf("opens = %d, want 1", dev.opens)
	}
	if !dev.streams[0].closed {
		t.Error("capture stream was not released")
	}
	if !dev.lastOpt.EchoCancellation || !dev.lastOpt.NoiseSuppression || !dev.lastOpt.AutoGainControl {
		t.Errorf("capture options = %+v, want all processing enabled", dev.lastOpt)
	}
	if !p.Warmed() {
		t.Error("prewarmer should report warmed")
	}
	if p.Failures() != 0 {
		t.Errorf("failures = %d, want 0", p.Failures())
	}
}

func TestNewPrewarmerNilLogger(t *testing.T) {
	dev := &fakeDevice{}
	p := NewPrewarmer(dev, nil)

	p.Prewarm(context.Background(), plainClient{})

	if dev.opens != 1 {
		t.Fatalf("opens = %d, want 1", dev.opens)
	}
	if !p.Warmed() {
		t.Error("prewarmer should report warmed")
	}
}

func TestPrewarmRunsOnce(t *testing.T) {
	dev := &fakeDevice{}
	p := NewPrewarmer(dev, testLogger())

	p.Prewarm(context.Background(), plainClient{})
	p.Prewarm(context.Background(), plainClient{})
	p.Prewarm(context.Background(), plainClient{})

	if dev.opens != 1 {
		t.Errorf("opens = %d, want 1", dev.opens)
	}
}

func TestPrewarmFailureIsNonFatal(t *testing.T) {
	dev := &fakeDevice{err: &media.AcquisitionError{Device: "microphone", Err: media.ErrDeviceUnavailable}}
	p := NewPrewarmer(dev, testLogger())

	p.Prewarm(context.Background(), plainClient{})

	if p.Failures() != 1 {
		t.Errorf("failures = %d, want 1", p.Failures())
	}
	// The latch still engages: a failed cycle is a completed cycle.
	if !p.Warmed() {
		t.Error("prewarmer should report warmed after a failed cycle")
	}
	if dev.opens != 1 {
		t.Errorf("opens = %d, want 1", dev.opens)
	}
}

func TestResetReArmsLatch(t *testing.T) {
	dev := &fakeDevice{}
	p := NewPrewarmer(dev, testLogger())

	p.Prewarm(context.Background(), plainClient{})
	p.Reset()
	if p.Warmed() {
		t.Error("reset should clear warmed")
	}
	p.Prewarm(context.Background(), plainClient{})

	if dev.opens != 2 {
		t.Errorf("opens = %d, want 2", dev.opens)
	}
}

func TestPrewarmInvokesClientEnabler(t *testing.T) {
	dev := &fakeDevice{}
	p := NewPrewarmer(dev, testLogger())
	client := &enablerClient{}

	p.Prewarm(context.Background(), client)

	if client.enables != 1 {
		t.Errorf("EnableMicrophone calls = %d, want 1", client.enables)
	}
}

func TestPrewarmEnablerFailureIgnored(t *testing.T) {
	dev := &fakeDevice{}
	p := NewPrewarmer(dev, testLogger())
	client := &enablerClient{err: errors.New("not ready")}

	p.Prewarm(context.Background(), client)

	if !p.Warmed() {
		t.Error("enabler failure must not block the latch")
	}
	if p.Failures() != 0 {
		t.Errorf("failures = %d, want 0 (enabler failures are not capture failures)", p.Failures())
	}
}
