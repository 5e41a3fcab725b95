package call

import "time"

// State is the controller's normalized view of the call slot. It is
// deliberately distinct from raw signaling-layer states: the signaling
// client reports what the protocol did, the machine reports what the UI
// may believe.
type State string

const (
	// StateIdle means no call occupies either slot.
	StateIdle State = "idle"
	// StateIncomingRinging means an unanswered inbound call is pending.
	StateIncomingRinging State = "incoming-ringing"
	// StateOutboundRinging means a self-initiated call is awaiting answer.
	StateOutboundRinging State = "outbound-ringing"
	// StateAnswering means answer was issued but media negotiation has
	// not completed; the call owns no local media yet and may still be
	// cancelled by hangup.
	StateAnswering State = "answering"
	// StateActive means two-way audio is established.
	StateActive State = "active"
	// StateHeld means the active call is on hold.
	StateHeld State = "held"
)

// Direction is the call direction as seen by this endpoint.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Info is the published description of one call.
type Info struct {
	ID           string    `json:"id"`
	Direction    Direction `json:"direction"`
	RemoteNumber string    `json:"remoteNumber"`
	DisplayName  string    `json:"displayName"`
	// RingTime is when the call first appeared (ring or dial).
	RingTime time.Time `json:"ringTime"`
	// StartTime is set when the call became active. Duration is measured
	// from here, never from RingTime.
	StartTime time.Time `json:"startTime,omitzero"`
}

// Snapshot is the UI-observable state published after every transition.
// ActiveCall is non-nil only after an active notification; IncomingCall is
// non-nil only while an inbound call is pending. They never reference the
// same call simultaneously.
type Snapshot struct {
	State        State `json:"state"`
	ActiveCall   *Info `json:"activeCall"`
	IncomingCall *Info `json:"incomingCall"`
	Muted        bool  `json:"isMuted"`
	Held         bool  `json:"isOnHold"`
}

// Disposition classifies how a call ended, for the history store.
type Disposition string

const (
	// DispositionAnswered: the call reached active before ending.
	DispositionAnswered Disposition = "answered"
	// DispositionCancelled: we abandoned the call before it was active
	// (hangup while dialing or while a pending answer was in flight).
	DispositionCancelled Disposition = "cancelled"
	// DispositionRejected: we declined an inbound call.
	DispositionRejected Disposition = "rejected"
	// DispositionMissed: the remote side gave up on an unanswered
	// inbound call.
	DispositionMissed Disposition = "missed"
	// DispositionNoAnswer: our outbound call ended before being answered.
	DispositionNoAnswer Disposition = "no-answer"
	// DispositionFailed: the call was torn down by a failure.
	DispositionFailed Disposition = "failed"
)

// Record is one finished call, emitted to the history store on teardown.
type Record struct {
	CallID       string
	Direction    Direction
	RemoteNumber string
	DisplayName  string
	RingTime     time.Time
	AnswerTime   *time.Time
	EndTime      time.Time
	Disposition  Disposition
	HangupCause  string
}

// Duration returns the total call span from first ring to end.
func (r Record) Duration() time.Duration {
	return r.EndTime.Sub(r.RingTime)
}

// BillableDuration returns the answered span. Zero for unanswered calls.
func (r Record) BillableDuration() time.Duration {
	if r.AnswerTime == nil {
		return 0
	}
	return r.EndTime.Sub(*r.AnswerTime)
}

// Recorder persists finished calls. Implementations must tolerate
// concurrent invocation; the machine records asynchronously.
type Recorder interface {
	Record(rec Record)
}
