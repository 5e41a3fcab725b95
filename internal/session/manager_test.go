package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/commdesk/webphone/internal/call"
	"github.com/commdesk/webphone/internal/creds"
	"github.com/commdesk/webphone/internal/media"
	"github.com/commdesk/webphone/internal/mic"
	"github.com/commdesk/webphone/internal/signaling"
)

type fakeSource struct {
	creds creds.Credentials
	err   error
}

func (s *fakeSource) Fetch(ctx context.Context) (creds.Credentials, error) {
	return s.creds, s.err
}

type stubCall struct {
	id string
}

func (c *stubCall) ID() string                                       { return c.id }
func (c *stubCall) RemoteNumber() string                             { return "" }
func (c *stubCall) DisplayName() string                              { return "" }
func (c *stubCall) Answer(ctx context.Context) error                 { return nil }
func (c *stubCall) Hangup(ctx context.Context) error                 { return nil }
func (c *stubCall) Mute(ctx context.Context) error                   { return nil }
func (c *stubCall) Unmute(ctx context.Context) error                 { return nil }
func (c *stubCall) Hold(ctx context.Context) error                   { return nil }
func (c *stubCall) Unhold(ctx context.Context) error                 { return nil }
func (c *stubCall) SendDTMF(ctx context.Context, digit rune) error   { return nil }
func (c *stubCall) Transfer(ctx context.Context, target string) error { return nil }

type fakeSigClient struct {
	mu           sync.Mutex
	connectErr   error
	connected    bool
	disconnected bool
	lifecycle    func(signaling.LifecycleEvent)
	notification func(signaling.Notification)
	sink         *media.Sink

	// connectGate, when non-nil, blocks Connect until closed.
	connectGate chan struct{}
}

func (c *fakeSigClient) Connect(ctx context.Context) error {
	if c.connectGate != nil {
		<-c.connectGate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *fakeSigClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
	return nil
}

func (c *fakeSigClient) NewCall(ctx context.Context, destination string) (signaling.Call, error) {
	return &stubCall{id: "call-1"}, nil
}

func (c *fakeSigClient) OnLifecycle(fn func(signaling.LifecycleEvent)) {
	c.mu.Lock()
	c.lifecycle = fn
	c.mu.Unlock()
}

func (c *fakeSigClient) OnNotification(fn func(signaling.Notification)) {
	c.mu.Lock()
	c.notification = fn
	c.mu.Unlock()
}

func (c *fakeSigClient) SetRemoteSink(s *media.Sink) {
	c.mu.Lock()
	c.sink = s
	c.mu.Unlock()
}

func (c *fakeSigClient) emitLifecycle(ev signaling.LifecycleEvent) {
	c.mu.Lock()
	fn := c.lifecycle
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (c *fakeSigClient) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func passwordSource() *fakeSource {
	return &fakeSource{creds: creds.Credentials{Username: "agent7", Password: "s3cret", CallerIDNumber: "5550100"}}
}

func factoryFor(clients ...*fakeSigClient) signaling.Factory {
	var mu sync.Mutex
	i := 0
	return func(cfg signaling.Config) (signaling.Client, error) {
		mu.Lock()
		defer mu.Unlock()
		c := clients[i]
		if i < len(clients)-1 {
			i++
		}
		return c, nil
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectSuccess(t *testing.T) {
	client := &fakeSigClient{}
	m := NewManager(Options{Server: "pbx.example.com:5060", Transport: "udp"},
		passwordSource(), factoryFor(client), nil, nil, nil, nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	snap := m.Snapshot()
	if snap.Status != StatusRegistered {
		t.Fatalf("status = %s, want registered", snap.Status)
	}
	if snap.Username != "agent7" {
		t.Errorf("username = %q, want agent7", snap.Username)
	}
	if snap.Error != "" {
		t.Errorf("error = %q, want empty", snap.Error)
	}
}

func TestConnectCredentialFailure(t *testing.T) {
	src := &fakeSource{err: &creds.CredentialError{Status: 403, Reason: "no seats"}}
	m := NewManager(Options{}, src, factoryFor(&fakeSigClient{}), nil, nil, nil, nil)

	err := m.Connect(context.Background())
	if err == nil {
		t.Fatal("expected credential error")
	}
	var ce *creds.CredentialError
	if !errors.As(err, &ce) {
		t.Errorf("error %v does not unwrap to CredentialError", err)
	}
	snap := m.Snapshot()
	if snap.Status != StatusError {
		t.Fatalf("status = %s, want error", snap.Status)
	}
	if snap.Error == "" {
		t.Error("snapshot error empty after failure")
	}
}

func TestConnectSignalingFailure(t *testing.T) {
	client := &fakeSigClient{connectErr: errors.New("registration rejected")}
	m := NewManager(Options{}, passwordSource(), factoryFor(client), nil, nil, nil, nil)

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if got := m.Snapshot().Status; got != StatusError {
		t.Fatalf("status = %s, want error", got)
	}
	if !client.isDisconnected() {
		t.Error("failed client not torn down")
	}
}

func TestConnectWhileConnectedIgnored(t *testing.T) {
	client := &fakeSigClient{}
	m := NewManager(Options{}, passwordSource(), factoryFor(client), nil, nil, nil, nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if got := m.Snapshot().Status; got != StatusRegistered {
		t.Fatalf("status = %s, want registered", got)
	}
}

func TestSocketClosedCollapsesWithoutRetry(t *testing.T) {
	client := &fakeSigClient{}
	machine := call.NewMachine(nil, nil)
	m := NewManager(Options{}, passwordSource(), factoryFor(client), machine, nil, nil, nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Put a call in the slot, then drop the transport under it.
	machine.HandleNotification(signaling.Notification{
		Kind: signaling.NotifyRinging, Call: &stubCall{id: "in-1"}, Time: time.Now(),
	})
	client.emitLifecycle(signaling.LifecycleEvent{Kind: signaling.LifecycleSocketClosed})

	snap := m.Snapshot()
	if snap.Status != StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", snap.Status)
	}
	if snap.Error == "" {
		t.Error("transport loss should be recorded in the snapshot error")
	}
	if got := machine.Snapshot().State; got != call.StateIdle {
		t.Errorf("call state = %s, want idle after collapse", got)
	}
	if !client.isDisconnected() {
		t.Error("collapsed client not torn down")
	}
	// No automatic retry: the status must still be disconnected afterwards.
	time.Sleep(50 * time.Millisecond)
	if got := m.Snapshot().Status; got != StatusDisconnected {
		t.Errorf("status = %s, want disconnected (no auto-reconnect)", got)
	}
}

func TestStaleLifecycleIgnored(t *testing.T) {
	first := &fakeSigClient{}
	second := &fakeSigClient{}
	m := NewManager(Options{}, passwordSource(), factoryFor(first, second), nil, nil, nil, nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}

	// Events from the replaced client must not disturb the new session.
	first.emitLifecycle(signaling.LifecycleEvent{Kind: signaling.LifecycleSocketClosed})
	if got := m.Snapshot().Status; got != StatusRegistered {
		t.Fatalf("status = %s, want registered after stale event", got)
	}
}

func TestDisconnectInvalidatesInflightConnect(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeSigClient{connectGate: gate}
	m := NewManager(Options{}, passwordSource(), factoryFor(client), nil, nil, nil, nil)

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background()) }()
	waitFor(t, func() bool { return m.Snapshot().Status == StatusConnecting }, "connecting status")

	m.Disconnect()
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := m.Snapshot().Status; got != StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", got)
	}
	if !client.isDisconnected() {
		t.Error("superseded client left connected")
	}
}

type fakeCaptureDevice struct {
	mu    sync.Mutex
	opens int
}

type fakeStream struct{}

func (fakeStream) Close() error { return nil }

func (d *fakeCaptureDevice) Capture(ctx context.Context, opts media.CaptureOptions) (media.CaptureStream, error) {
	d.mu.Lock()
	d.opens++
	d.mu.Unlock()
	return fakeStream{}, nil
}

func (d *fakeCaptureDevice) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

func TestPrewarmOncePerSession(t *testing.T) {
	device := &fakeCaptureDevice{}
	warmer := mic.NewPrewarmer(device, nil)
	client := &fakeSigClient{}
	m := NewManager(Options{}, passwordSource(), factoryFor(client), nil, warmer, nil, nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, warmer.Warmed, "prewarm")
	if device.count() != 1 {
		t.Fatalf("capture opened %d times, want 1", device.count())
	}

	// Reconnect resets the latch: a fresh session warms up again.
	if err := m.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	waitFor(t, func() bool { return device.count() == 2 }, "second prewarm")
	if got := m.Reconnects(); got != 1 {
		t.Errorf("reconnects = %d, want 1", got)
	}
}

func TestRemoteSinkAttachedOnConnect(t *testing.T) {
	binder := media.NewBinder(nil)
	client := &fakeSigClient{}
	m := NewManager(Options{}, passwordSource(), factoryFor(client), nil, nil, binder, nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client.mu.Lock()
	sink := client.sink
	client.mu.Unlock()
	if sink == nil {
		t.Fatal("remote sink not attached on connect")
	}
	if sink != binder.Remote() {
		t.Error("attached sink is not the shared remote sink")
	}
}

func TestStatusListeners(t *testing.T) {
	client := &fakeSigClient{}
	m := NewManager(Options{}, passwordSource(), factoryFor(client), nil, nil, nil, nil)
	var mu sync.Mutex
	var seen []Status
	m.OnChange(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s.Status)
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusConnecting, StatusRegistered, StatusDisconnected}
	if len(seen) != len(want) {
		t.Fatalf("statuses = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", seen, want)
		}
	}
}
