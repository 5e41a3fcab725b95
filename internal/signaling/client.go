// Package signaling defines the client capability the call controller
// consumes: connect/disconnect, call construction, per-call operations, and
// an ordered event stream. The controller never depends on a concrete
// implementation; the production SIP-backed client lives in the sipclient
// subpackage.
package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/commdesk/webphone/internal/media"
)

// AuthMode selects how the client authenticates with the signaling service.
type AuthMode string

const (
	AuthToken    AuthMode = "token"
	AuthPassword AuthMode = "password"
)

// Config carries everything needed to construct and connect a client.
// Exactly one auth mode is populated: Token, or Username+Password.
type Config struct {
	// Server is the signaling service address (host:port).
	Server string
	// Transport is the wire transport ("udp", "tcp", "tls", "ws", "wss").
	Transport string

	AuthMode AuthMode
	Token    string
	Username string
	Password string

	// CallerID is the number presented on outbound calls.
	CallerID string

	// ListenAddr is the local address for inbound signaling. Empty means
	// an ephemeral port.
	ListenAddr string
}

// Factory constructs a client from a config. The session manager calls it
// on every connect so that a torn-down client is never reused.
type Factory func(Config) (Client, error)

// Client is the signaling/media connection. Implementations must deliver
// lifecycle events and call notifications from a single goroutine so the
// controller observes one ordered stream.
type Client interface {
	// Connect establishes the signaling connection and registers. A ready
	// lifecycle event follows on success.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down. Safe to call at any point,
	// including while Connect is still in flight.
	Disconnect() error

	// NewCall places an outbound call to destination and returns its
	// handle. Progress arrives as notifications for the returned call.
	NewCall(ctx context.Context, destination string) (Call, error)

	// OnLifecycle registers the handler for connection-level events.
	OnLifecycle(func(LifecycleEvent))

	// OnNotification registers the handler for call notifications.
	OnNotification(func(Notification))

	// SetRemoteSink attaches the playback endpoint for far-end audio.
	SetRemoteSink(*media.Sink)
}

// Call is the handle for one call, valid until a hangup or destroy
// notification for its ID is delivered.
type Call interface {
	ID() string
	RemoteNumber() string
	DisplayName() string

	Answer(ctx context.Context) error
	Hangup(ctx context.Context) error
	Mute(ctx context.Context) error
	Unmute(ctx context.Context) error
	Hold(ctx context.Context) error
	Unhold(ctx context.Context) error
	SendDTMF(ctx context.Context, digit rune) error
	Transfer(ctx context.Context, target string) error
}

// Rejecter is an optional call capability: decline an unanswered inbound
// call with a proper rejection rather than a hangup.
type Rejecter interface {
	Reject(ctx context.Context) error
}

// MicrophoneEnabler is an optional client capability used as a secondary
// microphone warm-up path.
type MicrophoneEnabler interface {
	EnableMicrophone() error
}

// LifecycleKind enumerates connection-level events.
type LifecycleKind string

const (
	// LifecycleReady fires once registration completes.
	LifecycleReady LifecycleKind = "ready"
	// LifecycleError fires on a protocol or registration failure.
	LifecycleError LifecycleKind = "error"
	// LifecycleSocketClosed fires when the transport drops.
	LifecycleSocketClosed LifecycleKind = "socket-closed"
)

// LifecycleEvent is a connection-level event.
type LifecycleEvent struct {
	Kind LifecycleKind
	Err  error
}

// NotificationKind enumerates per-call events.
type NotificationKind string

const (
	NotifyRinging        NotificationKind = "ringing"
	NotifyAnswering      NotificationKind = "answering"
	NotifyActive         NotificationKind = "active"
	NotifyHangup         NotificationKind = "hangup"
	NotifyDestroy        NotificationKind = "destroy"
	NotifyUserMediaError NotificationKind = "user-media-error"
)

// Notification is one call event. Time is the signaling layer's timestamp
// for the event; the controller uses the active notification's Time as the
// call start time.
type Notification struct {
	Kind NotificationKind
	Call Call
	Time time.Time
	Err  error
}

// SignalingError is a protocol or connection failure after registration.
type SignalingError struct {
	Op  string
	Err error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling %s: %v", e.Op, e.Err)
}

func (e *SignalingError) Unwrap() error {
	return e.Err
}
