// Package call implements the call state machine: a single mutex-serialized
// reducer that turns UI commands and signaling notifications into state
// transitions. One active call and at most one pending call at a time; every
// transition publishes a fresh Snapshot to registered listeners.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/commdesk/webphone/internal/signaling"
)

const hangupTimeout = 5 * time.Second

var dtmfDigits = "0123456789*#ABCD"

// Machine owns the call slot. All command methods and HandleNotification
// run to completion under one mutex, so transitions never interleave;
// blocking signaling operations are issued outside the lock and their
// outcome is re-validated against the slot on re-entry.
type Machine struct {
	logger  *slog.Logger
	history Recorder

	mu     sync.Mutex
	client signaling.Client

	state State

	// pending is the not-yet-active call: inbound while ringing or
	// answering, outbound while awaiting answer.
	pending     signaling.Call
	pendingInfo *Info

	// active is set only by the active notification.
	active     signaling.Call
	activeInfo *Info

	muted bool
	held  bool

	listeners []func(Snapshot)
}

// NewMachine returns an idle machine. history may be nil to disable
// call logging.
func NewMachine(history Recorder, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		logger:  logger.With("subsystem", "call"),
		history: history,
		state:   StateIdle,
	}
}

// SetClient installs (or clears) the signaling client used for outbound
// dialing. The session manager calls this on connect and teardown.
func (m *Machine) SetClient(c signaling.Client) {
	m.mu.Lock()
	m.client = c
	m.mu.Unlock()
}

// OnChange registers a listener invoked with a snapshot copy after every
// transition. Listeners run outside the machine lock and must not block
// for long.
func (m *Machine) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Snapshot returns the current published state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{State: m.state, Muted: m.muted, Held: m.held}
	if m.activeInfo != nil {
		info := *m.activeInfo
		snap.ActiveCall = &info
	}
	if m.pendingInfo != nil && (m.state == StateIncomingRinging || m.state == StateAnswering) {
		info := *m.pendingInfo
		snap.IncomingCall = &info
	}
	return snap
}

// notify publishes the current snapshot to all listeners, outside the lock.
func (m *Machine) notify() {
	m.mu.Lock()
	snap := m.snapshotLocked()
	listeners := make([]func(Snapshot), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

// MakeCall places an outbound call. No-op unless idle and connected.
// The state flips to outbound-ringing before the call is issued, so a
// ringing notification for our own ringback can never be mistaken for an
// inbound call.
func (m *Machine) MakeCall(ctx context.Context, destination string) error {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil
	}
	m.mu.Lock()
	if m.state != StateIdle || m.client == nil {
		state := m.state
		m.mu.Unlock()
		m.logger.Debug("makeCall ignored", "state", state, "destination", destination)
		return nil
	}
	client := m.client
	m.state = StateOutboundRinging
	m.mu.Unlock()
	m.notify()

	c, err := client.NewCall(ctx, destination)

	m.mu.Lock()
	if err != nil {
		if m.state == StateOutboundRinging && m.pending == nil {
			m.state = StateIdle
		}
		m.mu.Unlock()
		m.notify()
		return fmt.Errorf("placing call to %s: %w", destination, err)
	}
	if m.state != StateOutboundRinging {
		// Torn down while the dial was in flight. The new call has no
		// slot to live in; kill it.
		m.mu.Unlock()
		m.hangupQuiet(c)
		return nil
	}
	if m.pending == nil {
		// A ringing notification may have adopted the call already.
		m.pending = c
		m.pendingInfo = &Info{
			ID:           c.ID(),
			Direction:    DirectionOutbound,
			RemoteNumber: destination,
			DisplayName:  c.DisplayName(),
			RingTime:     time.Now(),
		}
	}
	m.mu.Unlock()
	m.notify()
	m.logger.Info("outbound call placed", "call_id", c.ID(), "destination", destination)
	return nil
}

// AnswerCall answers the pending inbound call. No-op unless
// incoming-ringing. The machine moves to answering immediately; active is
// entered only when the signaling client confirms.
func (m *Machine) AnswerCall(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIncomingRinging || m.pending == nil {
		m.mu.Unlock()
		return nil
	}
	c := m.pending
	m.state = StateAnswering
	m.mu.Unlock()
	m.notify()

	if err := c.Answer(ctx); err != nil {
		m.mu.Lock()
		if m.state == StateAnswering && m.pending != nil && m.pending.ID() == c.ID() {
			rec := m.finishLocked(DispositionFailed, "answer_failed", time.Now())
			m.mu.Unlock()
			m.notify()
			m.record(rec)
		} else {
			m.mu.Unlock()
		}
		m.hangupQuiet(c)
		return fmt.Errorf("answering call %s: %w", c.ID(), err)
	}
	return nil
}

// RejectCall declines the pending inbound call. No-op unless
// incoming-ringing. The slot is cleared immediately; the decline is
// signaled best-effort afterwards.
func (m *Machine) RejectCall(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIncomingRinging || m.pending == nil {
		m.mu.Unlock()
		return nil
	}
	c := m.pending
	rec := m.finishLocked(DispositionRejected, "rejected", time.Now())
	m.mu.Unlock()
	m.notify()
	m.record(rec)

	var err error
	if rej, ok := c.(signaling.Rejecter); ok {
		err = rej.Reject(ctx)
	} else {
		err = c.Hangup(ctx)
	}
	if err != nil {
		return fmt.Errorf("rejecting call %s: %w", c.ID(), err)
	}
	m.logger.Info("inbound call rejected", "call_id", c.ID())
	return nil
}

// HangupCall ends whichever call currently occupies the slot: cancels a
// dialing or answering call, or hangs up the active one. No-op when idle.
func (m *Machine) HangupCall(ctx context.Context) error {
	m.mu.Lock()
	var (
		c   signaling.Call
		rec *Record
	)
	now := time.Now()
	switch m.state {
	case StateOutboundRinging, StateAnswering:
		c = m.pending
		rec = m.finishLocked(DispositionCancelled, "cancelled", now)
	case StateActive, StateHeld:
		c = m.active
		rec = m.finishLocked(DispositionAnswered, "local_hangup", now)
	default:
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	m.notify()
	m.record(rec)

	if c == nil {
		// Outbound dial still in flight; MakeCall will reap the orphan.
		return nil
	}
	if err := c.Hangup(ctx); err != nil {
		return fmt.Errorf("hanging up call %s: %w", c.ID(), err)
	}
	return nil
}

// ToggleMute flips the mute flag on the active call. No-op unless active.
// The flag changes only after the signaling operation succeeds.
func (m *Machine) ToggleMute(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateActive || m.active == nil {
		m.mu.Unlock()
		return nil
	}
	c := m.active
	target := !m.muted
	m.mu.Unlock()

	var err error
	if target {
		err = c.Mute(ctx)
	} else {
		err = c.Unmute(ctx)
	}
	if err != nil {
		return fmt.Errorf("setting mute=%v on call %s: %w", target, c.ID(), err)
	}

	m.mu.Lock()
	if m.active != nil && m.active.ID() == c.ID() {
		m.muted = target
	}
	m.mu.Unlock()
	m.notify()
	return nil
}

// ToggleHold moves the active call between active and held. No-op in any
// other state.
func (m *Machine) ToggleHold(ctx context.Context) error {
	m.mu.Lock()
	if (m.state != StateActive && m.state != StateHeld) || m.active == nil {
		m.mu.Unlock()
		return nil
	}
	c := m.active
	toHold := m.state == StateActive
	m.mu.Unlock()

	var err error
	if toHold {
		err = c.Hold(ctx)
	} else {
		err = c.Unhold(ctx)
	}
	if err != nil {
		return fmt.Errorf("setting hold=%v on call %s: %w", toHold, c.ID(), err)
	}

	m.mu.Lock()
	if m.active != nil && m.active.ID() == c.ID() && (m.state == StateActive || m.state == StateHeld) {
		m.held = toHold
		if toHold {
			m.state = StateHeld
		} else {
			m.state = StateActive
		}
	}
	m.mu.Unlock()
	m.notify()
	return nil
}

// SendDTMF forwards one DTMF digit to the active call. Invalid digits and
// wrong states are silently ignored.
func (m *Machine) SendDTMF(ctx context.Context, digit rune) error {
	if !strings.ContainsRune(dtmfDigits, digit) {
		return nil
	}
	m.mu.Lock()
	if m.state != StateActive || m.active == nil {
		m.mu.Unlock()
		return nil
	}
	c := m.active
	m.mu.Unlock()

	if err := c.SendDTMF(ctx, digit); err != nil {
		return fmt.Errorf("sending DTMF on call %s: %w", c.ID(), err)
	}
	return nil
}

// TransferCall blind-transfers the active call to target. The local slot
// is not cleared here; the far end tears the call down and the hangup
// notification resets the machine.
func (m *Machine) TransferCall(ctx context.Context, target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil
	}
	m.mu.Lock()
	if m.state != StateActive || m.active == nil {
		m.mu.Unlock()
		return nil
	}
	c := m.active
	m.mu.Unlock()

	if err := c.Transfer(ctx, target); err != nil {
		return fmt.Errorf("transferring call %s to %s: %w", c.ID(), target, err)
	}
	m.logger.Info("call transferred", "call_id", c.ID(), "target", target)
	return nil
}

// ForceReset tears the slot down without signaling the far end, used when
// the session collapses underneath an ongoing call. No-op when idle.
func (m *Machine) ForceReset(cause string) {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	rec := m.finishLocked(DispositionFailed, cause, time.Now())
	m.mu.Unlock()
	m.notify()
	m.record(rec)
	m.logger.Warn("call slot force-reset", "cause", cause)
}

// HandleNotification is the signaling-side entry point. It is safe to call
// from any goroutine; the session manager wires it to Client.OnNotification.
func (m *Machine) HandleNotification(n signaling.Notification) {
	switch n.Kind {
	case signaling.NotifyRinging:
		m.handleRinging(n)
	case signaling.NotifyAnswering:
		m.handleAnswering(n)
	case signaling.NotifyActive:
		m.handleActive(n)
	case signaling.NotifyHangup, signaling.NotifyDestroy:
		m.handleEnded(n)
	case signaling.NotifyUserMediaError:
		m.logger.Error("media acquisition failed during call setup", "error", n.Err)
	default:
		m.logger.Debug("unhandled notification", "kind", n.Kind)
	}
}

func (m *Machine) handleRinging(n signaling.Notification) {
	if n.Call == nil {
		return
	}
	m.mu.Lock()
	switch m.state {
	case StateOutboundRinging:
		// Our own ringback. Adopt the handle if MakeCall has not
		// returned yet.
		if m.pending == nil {
			m.pending = n.Call
			m.pendingInfo = &Info{
				ID:           n.Call.ID(),
				Direction:    DirectionOutbound,
				RemoteNumber: n.Call.RemoteNumber(),
				DisplayName:  n.Call.DisplayName(),
				RingTime:     n.Time,
			}
		}
		m.mu.Unlock()
	case StateIdle:
		m.pending = n.Call
		m.pendingInfo = &Info{
			ID:           n.Call.ID(),
			Direction:    DirectionInbound,
			RemoteNumber: n.Call.RemoteNumber(),
			DisplayName:  n.Call.DisplayName(),
			RingTime:     n.Time,
		}
		m.state = StateIncomingRinging
		m.mu.Unlock()
		m.notify()
		m.logger.Info("inbound call ringing", "call_id", n.Call.ID(), "from", n.Call.RemoteNumber())
	default:
		// Busy. A second call is out of scope; leave it to ring out.
		m.mu.Unlock()
		m.logger.Debug("ringing notification while busy", "call_id", n.Call.ID())
	}
}

func (m *Machine) handleAnswering(n signaling.Notification) {
	m.mu.Lock()
	if m.state == StateIncomingRinging && n.Call != nil &&
		m.pending != nil && m.pending.ID() == n.Call.ID() {
		// Answer initiated outside a local command (client auto-answer).
		m.state = StateAnswering
		m.mu.Unlock()
		m.notify()
		return
	}
	m.mu.Unlock()
}

func (m *Machine) handleActive(n signaling.Notification) {
	m.mu.Lock()
	if m.state != StateAnswering && m.state != StateOutboundRinging {
		m.mu.Unlock()
		m.logger.Debug("active notification in unexpected state", "state", m.state)
		return
	}
	if n.Call != nil && m.pending != nil && m.pending.ID() != n.Call.ID() {
		m.mu.Unlock()
		return
	}
	if m.pending == nil {
		if n.Call == nil {
			m.mu.Unlock()
			return
		}
		m.pending = n.Call
	}
	m.active = m.pending
	info := m.pendingInfo
	if info == nil {
		info = &Info{
			ID:           m.active.ID(),
			Direction:    DirectionOutbound,
			RemoteNumber: m.active.RemoteNumber(),
			DisplayName:  m.active.DisplayName(),
			RingTime:     n.Time,
		}
	}
	// StartTime comes from the notification, not from command time: only
	// the confirmed transition starts the clock.
	info.StartTime = n.Time
	m.activeInfo = info
	m.pending = nil
	m.pendingInfo = nil
	m.muted = false
	m.held = false
	m.state = StateActive
	id := m.active.ID()
	m.mu.Unlock()
	m.notify()
	m.logger.Info("call active", "call_id", id)
}

func (m *Machine) handleEnded(n signaling.Notification) {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	if n.Call != nil {
		id := n.Call.ID()
		matches := (m.active != nil && m.active.ID() == id) ||
			(m.pending != nil && m.pending.ID() == id)
		if !matches {
			m.mu.Unlock()
			m.logger.Debug("end notification for unknown call", "call_id", id)
			return
		}
	}
	var disp Disposition
	cause := "remote_hangup"
	switch m.state {
	case StateActive, StateHeld:
		disp = DispositionAnswered
	case StateIncomingRinging, StateAnswering:
		disp = DispositionMissed
		cause = "missed"
	case StateOutboundRinging:
		disp = DispositionNoAnswer
		cause = "no_answer"
	}
	rec := m.finishLocked(disp, cause, n.Time)
	m.mu.Unlock()
	m.notify()
	m.record(rec)
}

// finishLocked clears the slot back to idle and builds the history record
// for the call that occupied it. Callers hold the lock.
func (m *Machine) finishLocked(disp Disposition, cause string, end time.Time) *Record {
	info := m.activeInfo
	if info == nil {
		info = m.pendingInfo
	}
	m.active = nil
	m.activeInfo = nil
	m.pending = nil
	m.pendingInfo = nil
	m.muted = false
	m.held = false
	m.state = StateIdle
	if info == nil {
		return nil
	}
	rec := &Record{
		CallID:       info.ID,
		Direction:    info.Direction,
		RemoteNumber: info.RemoteNumber,
		DisplayName:  info.DisplayName,
		RingTime:     info.RingTime,
		EndTime:      end,
		Disposition:  disp,
		HangupCause:  cause,
	}
	if !info.StartTime.IsZero() {
		t := info.StartTime
		rec.AnswerTime = &t
	}
	return rec
}

func (m *Machine) record(rec *Record) {
	if rec == nil || m.history == nil {
		return
	}
	r := *rec
	go m.history.Record(r)
}

func (m *Machine) hangupQuiet(c signaling.Call) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
		defer cancel()
		if err := c.Hangup(ctx); err != nil {
			m.logger.Debug("orphan call hangup failed", "call_id", c.ID(), "error", err)
		}
	}()
}
