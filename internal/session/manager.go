// Package session owns the signaling connection lifecycle: credential
// fetch, client construction, registration, and teardown. Connections are
// never retried automatically; a failed or collapsed session stays down
// until an explicit reconnect.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/commdesk/webphone/internal/call"
	"github.com/commdesk/webphone/internal/creds"
	"github.com/commdesk/webphone/internal/media"
	"github.com/commdesk/webphone/internal/mic"
	"github.com/commdesk/webphone/internal/signaling"
)

// Status is the session's connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusRegistered   Status = "registered"
	StatusError        Status = "error"
)

// Snapshot is the published session state.
type Snapshot struct {
	Status     Status    `json:"status"`
	Username   string    `json:"username,omitempty"`
	Error      string    `json:"error,omitempty"`
	Since      time.Time `json:"since,omitzero"`
	Reconnects uint64    `json:"reconnects"`
}

// CredentialSource yields fresh signaling credentials. Satisfied by
// *creds.Provider.
type CredentialSource interface {
	Fetch(ctx context.Context) (creds.Credentials, error)
}

// Options are the static signaling parameters merged with fetched
// credentials on every connect.
type Options struct {
	Server     string
	Transport  string
	ListenAddr string
}

// Manager drives the session. Every connect attempt gets a generation
// number; results carrying a stale generation are discarded, so an old
// connect resolving late can never clobber a newer session.
type Manager struct {
	logger  *slog.Logger
	opts    Options
	source  CredentialSource
	factory signaling.Factory
	machine *call.Machine
	prewarm *mic.Prewarmer
	binder  *media.Binder

	mu         sync.Mutex
	gen        uint64
	status     Status
	lastErr    error
	username   string
	client     signaling.Client
	since      time.Time
	reconnects uint64
	listeners  []func(Snapshot)
}

// NewManager returns a disconnected manager. prewarm and binder may be nil
// in tests.
func NewManager(opts Options, source CredentialSource, factory signaling.Factory,
	machine *call.Machine, prewarm *mic.Prewarmer, binder *media.Binder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger.With("subsystem", "session"),
		opts:    opts,
		source:  source,
		factory: factory,
		machine: machine,
		prewarm: prewarm,
		binder:  binder,
		status:  StatusDisconnected,
	}
}

// OnChange registers a listener invoked with a snapshot copy after every
// status change, outside the manager lock.
func (m *Manager) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Snapshot returns the current session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:     m.status,
		Username:   m.username,
		Since:      m.since,
		Reconnects: m.reconnects,
	}
	if m.lastErr != nil {
		snap.Error = m.lastErr.Error()
	}
	return snap
}

// Reconnects returns the lifetime count of explicit reconnects.
func (m *Manager) Reconnects() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnects
}

func (m *Manager) notify() {
	m.mu.Lock()
	snap := m.snapshotLocked()
	listeners := make([]func(Snapshot), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

// Connect fetches credentials, builds a client, and registers. No-op if a
// session is already up or a connect is in flight: tearing down a live
// registration belongs to Reconnect, which runs Disconnect first, so Connect
// never has an existing client to replace. On failure the manager lands in
// the error state and stays there.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusConnecting || m.status == StatusRegistered {
		status := m.status
		m.mu.Unlock()
		m.logger.Debug("connect ignored", "status", status)
		return nil
	}
	m.gen++
	gen := m.gen
	m.status = StatusConnecting
	m.lastErr = nil
	m.mu.Unlock()
	m.notify()

	cr, err := m.source.Fetch(ctx)
	if err != nil {
		m.fail(gen, fmt.Errorf("fetching credentials: %w", err))
		return err
	}

	cfg := signaling.Config{
		Server:     m.opts.Server,
		Transport:  m.opts.Transport,
		ListenAddr: m.opts.ListenAddr,
		AuthMode:   cr.AuthMode(),
		Token:      cr.Token,
		Username:   cr.Username,
		Password:   cr.Password,
		CallerID:   cr.CallerIDNumber,
	}
	client, err := m.factory(cfg)
	if err != nil {
		err = fmt.Errorf("building signaling client: %w", err)
		m.fail(gen, err)
		return err
	}

	// Handlers go in before Connect so no early event is dropped.
	if m.machine != nil {
		client.OnNotification(m.machine.HandleNotification)
	}
	client.OnLifecycle(func(ev signaling.LifecycleEvent) {
		m.handleLifecycle(gen, ev)
	})
	if m.binder != nil {
		m.binder.AttachRemote(client)
	}

	if err := client.Connect(ctx); err != nil {
		if m.binder != nil {
			m.binder.DetachRemote(client)
		}
		_ = client.Disconnect()
		err = fmt.Errorf("connecting: %w", err)
		m.fail(gen, err)
		return err
	}

	m.mu.Lock()
	if m.gen != gen {
		// Superseded while connecting; this client has no home.
		m.mu.Unlock()
		if m.binder != nil {
			m.binder.DetachRemote(client)
		}
		_ = client.Disconnect()
		return nil
	}
	m.client = client
	m.status = StatusRegistered
	m.username = cr.Username
	m.since = time.Now()
	m.mu.Unlock()
	m.notify()
	m.logger.Info("session registered", "server", m.opts.Server, "username", cr.Username)

	if m.machine != nil {
		m.machine.SetClient(client)
	}
	if m.prewarm != nil {
		go m.prewarm.Prewarm(context.Background(), client)
	}
	return nil
}

// Disconnect tears the session down and returns the manager to
// disconnected. Any in-flight connect is invalidated.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	client := m.client
	m.client = nil
	m.status = StatusDisconnected
	m.lastErr = nil
	m.username = ""
	m.since = time.Time{}
	m.mu.Unlock()
	m.notify()

	if m.machine != nil {
		m.machine.SetClient(nil)
		m.machine.ForceReset("session_disconnected")
	}
	if client != nil {
		if m.binder != nil {
			m.binder.DetachRemote(client)
		}
		if err := client.Disconnect(); err != nil {
			m.logger.Warn("client disconnect failed", "error", err)
		}
		m.logger.Info("session disconnected")
	}
}

// Reconnect tears down the current session (if any) and connects fresh.
// The microphone prewarm latch is reset, so the new session warms up again.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.Disconnect()
	m.mu.Lock()
	m.reconnects++
	m.mu.Unlock()
	if m.prewarm != nil {
		m.prewarm.Reset()
	}
	m.logger.Info("reconnecting")
	return m.Connect(ctx)
}

// fail moves the manager to the error state, unless the attempt has been
// superseded.
func (m *Manager) fail(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.status = StatusError
	m.lastErr = err
	m.mu.Unlock()
	m.notify()
	m.logger.Error("session failed", "error", err)
}

// handleLifecycle processes connection-level events from the active client.
// Stale generations are dropped.
func (m *Manager) handleLifecycle(gen uint64, ev signaling.LifecycleEvent) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	switch ev.Kind {
	case signaling.LifecycleReady:
		m.mu.Unlock()
		m.logger.Debug("signaling ready")
		return
	case signaling.LifecycleError:
		m.status = StatusError
		m.lastErr = &signaling.SignalingError{Op: "session", Err: ev.Err}
		client := m.client
		m.client = nil
		m.mu.Unlock()
		m.notify()
		m.collapse(client, "signaling_error")
	case signaling.LifecycleSocketClosed:
		// Transport loss is a disconnect, not a protocol failure; error is
		// reserved for signaling-level faults.
		m.status = StatusDisconnected
		m.lastErr = &signaling.SignalingError{Op: "transport", Err: fmt.Errorf("socket closed")}
		client := m.client
		m.client = nil
		m.mu.Unlock()
		m.notify()
		m.collapse(client, "socket_closed")
	default:
		m.mu.Unlock()
	}
}

// collapse cleans up after a failed session. The far end is gone, so the
// call slot is reset without signaling and no reconnect is attempted.
func (m *Manager) collapse(client signaling.Client, cause string) {
	m.logger.Error("session collapsed", "cause", cause)
	if m.machine != nil {
		m.machine.SetClient(nil)
		m.machine.ForceReset(cause)
	}
	if client != nil {
		if m.binder != nil {
			m.binder.DetachRemote(client)
		}
		_ = client.Disconnect()
	}
}
