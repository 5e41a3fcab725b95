package sipclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/commdesk/webphone/internal/signaling"
)

type direction int

const (
	directionOutbound direction = iota
	directionInbound
)

// sipCall is one call leg. UAC state (inviteReq/inviteRes) is populated for
// outbound calls, UAS state (serverReq/serverTx) for inbound ones; the
// in-dialog machinery reads whichever side is set.
type sipCall struct {
	c      *client
	logger *slog.Logger

	id      string
	dir     direction
	remote  string
	display string

	mu       sync.Mutex
	answered bool
	ended    bool

	// UAC side.
	inviteReq *sip.Request
	inviteRes *sip.Response
	inviteTx  sip.ClientTransaction

	// UAS side.
	serverReq *sip.Request
	serverTx  sip.ServerTransaction
	localTag  string

	remoteAudio *audioDesc
	rtp         *rtpEndpoint
	sdp         *sdpSession
	cseq        uint32
	holding     bool
}

func (s *sipCall) ID() string           { return s.id }
func (s *sipCall) RemoteNumber() string { return s.remote }
func (s *sipCall) DisplayName() string  { return s.display }

// Answer sends a 200 OK with our SDP answer on an inbound call. The call
// turns active once the far end ACKs.
func (s *sipCall) Answer(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir != directionInbound || s.answered || s.ended || s.serverTx == nil {
		return &signaling.SignalingError{Op: "answer", Err: fmt.Errorf("call %s not answerable", s.id)}
	}

	rtp, err := newRTPEndpoint(s.logger)
	if err != nil {
		return &signaling.SignalingError{Op: "answer", Err: err}
	}
	s.rtp = rtp
	s.sdp = newSDPSession(s.c.localIP(), rtp.port())

	if s.remoteAudio != nil {
		addr, err := remoteRTPAddr(s.remoteAudio)
		if err != nil {
			s.logger.Warn("unusable remote rtp address", "call_id", s.id, "error", err)
		} else {
			rtp.setRemote(addr)
		}
	}

	res := sip.NewResponseFromRequest(s.serverReq, 200, "OK", s.sdp.offer(dirSendrecv))
	if to := res.To(); to != nil {
		to.Params.Add("tag", s.localTag)
	}
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Contact",
		fmt.Sprintf("<sip:%s@%s>", s.c.authUser(), s.c.ua.Hostname())))
	if err := s.serverTx.Respond(res); err != nil {
		rtp.close()
		s.rtp = nil
		return &signaling.SignalingError{Op: "answer", Err: err}
	}
	return nil
}

// markActive starts media and flips the call to answered. Called on ACK for
// inbound calls and on the 2xx for outbound ones.
func (s *sipCall) markActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.answered || s.ended {
		return false
	}
	s.answered = true
	if s.rtp != nil {
		s.rtp.start(s.c.remoteSinkRef(), s.c.localSource())
	}
	return true
}

// Reject declines an unanswered inbound call with 486 Busy Here.
func (s *sipCall) Reject(ctx context.Context) error {
	s.mu.Lock()
	if s.dir != directionInbound || s.answered || s.ended || s.serverTx == nil {
		s.mu.Unlock()
		return &signaling.SignalingError{Op: "reject", Err: fmt.Errorf("call %s not rejectable", s.id)}
	}
	s.ended = true
	tx := s.serverTx
	req := s.serverReq
	s.mu.Unlock()

	res := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
	err := tx.Respond(res)
	s.c.dropCall(s.id)
	s.cleanup()
	if err != nil {
		return &signaling.SignalingError{Op: "reject", Err: err}
	}
	return nil
}

// Hangup ends the call: CANCEL for an unanswered outbound leg, 486 for an
// unanswered inbound one, BYE otherwise.
func (s *sipCall) Hangup(ctx context.Context) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	answered := s.answered
	dir := s.dir
	s.mu.Unlock()

	defer func() {
		s.c.dropCall(s.id)
		s.cleanup()
	}()

	if !answered {
		if dir == directionOutbound {
			return s.sendCancel()
		}
		if s.serverTx != nil {
			res := sip.NewResponseFromRequest(s.serverReq, 486, "Busy Here", nil)
			if err := s.serverTx.Respond(res); err != nil {
				return &signaling.SignalingError{Op: "hangup", Err: err}
			}
		}
		return nil
	}

	req, err := s.dialogRequest(sip.BYE, nil, "")
	if err != nil {
		return &signaling.SignalingError{Op: "hangup", Err: err}
	}
	if _, err := s.sendInDialog(ctx, req); err != nil {
		return &signaling.SignalingError{Op: "hangup", Err: err}
	}
	return nil
}

// sendCancel cancels the pending INVITE transaction. Per RFC 3261 §9.1 the
// CANCEL mirrors the INVITE's Request-URI, Call-ID, From, To, and CSeq
// number, with only the method changed.
func (s *sipCall) sendCancel() error {
	s.mu.Lock()
	req := s.inviteReq
	tx := s.inviteTx
	s.mu.Unlock()
	if req == nil {
		return nil
	}

	cancel := sip.NewRequest(sip.CANCEL, req.Recipient)
	cancel.SipVersion = req.SipVersion
	for _, name := range []string{"Via", "From", "To", "Call-ID", "Max-Forwards"} {
		if len(req.GetHeaders(name)) > 0 {
			sip.CopyHeaders(name, req, cancel)
		}
	}
	if cseq := req.CSeq(); cseq != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	cancel.SetTransport(req.Transport())
	cancel.SetDestination(req.Destination())

	err := s.c.sipClient.WriteRequest(cancel)
	if tx != nil {
		tx.Terminate()
	}
	if err != nil {
		return &signaling.SignalingError{Op: "cancel", Err: err}
	}
	return nil
}

func (s *sipCall) Mute(ctx context.Context) error   { return s.setMuted(true) }
func (s *sipCall) Unmute(ctx context.Context) error { return s.setMuted(false) }

// setMuted suppresses (or resumes) outgoing media. Mute is local only; no
// signaling is exchanged.
func (s *sipCall) setMuted(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.answered || s.ended || s.rtp == nil {
		return &signaling.SignalingError{Op: "mute", Err: fmt.Errorf("call %s has no media", s.id)}
	}
	s.rtp.muted.Store(muted)
	return nil
}

func (s *sipCall) Hold(ctx context.Context) error   { return s.setHold(ctx, true) }
func (s *sipCall) Unhold(ctx context.Context) error { return s.setHold(ctx, false) }

// setHold renegotiates the media direction with a re-INVITE (sendonly on
// hold, sendrecv on resume) and pauses local playback and capture.
func (s *sipCall) setHold(ctx context.Context, holding bool) error {
	s.mu.Lock()
	if !s.answered || s.ended || s.sdp == nil {
		s.mu.Unlock()
		return &signaling.SignalingError{Op: "hold", Err: fmt.Errorf("call %s not active", s.id)}
	}
	body := s.sdp.offer(holdDirection(holding))
	s.mu.Unlock()

	req, err := s.dialogRequest(sip.INVITE, body, "application/sdp")
	if err != nil {
		return &signaling.SignalingError{Op: "hold", Err: err}
	}
	res, err := s.sendInDialog(ctx, req)
	if err != nil {
		return &signaling.SignalingError{Op: "hold", Err: err}
	}
	// The 2xx to a re-INVITE needs its own ACK.
	if err := s.c.sipClient.WriteRequest(buildAckFor2xx(req, res)); err != nil {
		return &signaling.SignalingError{Op: "hold", Err: err}
	}

	s.mu.Lock()
	s.holding = holding
	if s.rtp != nil {
		s.rtp.holding.Store(holding)
	}
	s.mu.Unlock()
	return nil
}

// SendDTMF sends one digit as a SIP INFO with a dtmf-relay body.
func (s *sipCall) SendDTMF(ctx context.Context, digit rune) error {
	s.mu.Lock()
	if !s.answered || s.ended {
		s.mu.Unlock()
		return &signaling.SignalingError{Op: "dtmf", Err: fmt.Errorf("call %s not active", s.id)}
	}
	s.mu.Unlock()

	body := []byte(fmt.Sprintf("Signal=%c\r\nDuration=160\r\n", digit))
	req, err := s.dialogRequest(sip.INFO, body, "application/dtmf-relay")
	if err != nil {
		return &signaling.SignalingError{Op: "dtmf", Err: err}
	}
	if _, err := s.sendInDialog(ctx, req); err != nil {
		return &signaling.SignalingError{Op: "dtmf", Err: err}
	}
	return nil
}

// Transfer blind-transfers the call with a REFER. The transferor's dialog
// is torn down by the far end's BYE once the transfer is underway.
func (s *sipCall) Transfer(ctx context.Context, target string) error {
	s.mu.Lock()
	if !s.answered || s.ended {
		s.mu.Unlock()
		return &signaling.SignalingError{Op: "transfer", Err: fmt.Errorf("call %s not active", s.id)}
	}
	s.mu.Unlock()

	req, err := s.dialogRequest(sip.REFER, nil, "")
	if err != nil {
		return &signaling.SignalingError{Op: "transfer", Err: err}
	}
	req.AppendHeader(sip.NewHeader("Refer-To",
		fmt.Sprintf("<sip:%s@%s>", target, s.c.serverHost())))
	req.AppendHeader(sip.NewHeader("Referred-By",
		fmt.Sprintf("<sip:%s@%s>", s.c.authUser(), s.c.serverHost())))

	res, err := s.sendInDialog(ctx, req)
	if err != nil {
		return &signaling.SignalingError{Op: "transfer", Err: err}
	}
	if res.StatusCode != 202 && res.StatusCode != 200 {
		return &signaling.SignalingError{Op: "transfer",
			Err: fmt.Errorf("refer rejected with status %d %s", res.StatusCode, res.Reason)}
	}
	return nil
}

// dialogRequest builds an in-dialog request reusing the dialog's identity:
// Call-ID, both tags, and a fresh CSeq. The Request-URI is the remote
// target learned from the Contact header.
func (s *sipCall) dialogRequest(method sip.RequestMethod, body []byte, contentType string) (*sip.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		recipient sip.Uri
		from      *sip.FromHeader
		to        *sip.ToHeader
		callID    sip.Header
	)

	switch s.dir {
	case directionOutbound:
		if s.inviteReq == nil || s.inviteRes == nil {
			return nil, fmt.Errorf("no dialog state for call %s", s.id)
		}
		recipient = s.inviteReq.Recipient
		if contact := s.inviteRes.Contact(); contact != nil {
			recipient = contact.Address
		}
		if h := s.inviteReq.From(); h != nil {
			from = sip.HeaderClone(h).(*sip.FromHeader)
		}
		// To from the response carries the remote tag.
		if h := s.inviteRes.To(); h != nil {
			to = sip.HeaderClone(h).(*sip.ToHeader)
		}
		callID = sip.HeaderClone(s.inviteReq.CallID())
	case directionInbound:
		if s.serverReq == nil {
			return nil, fmt.Errorf("no dialog state for call %s", s.id)
		}
		recipient = s.serverReq.From().Address
		if contact := s.serverReq.Contact(); contact != nil {
			recipient = contact.Address
		}
		from = &sip.FromHeader{Address: *s.serverReq.To().Address.Clone()}
		from.Params.Add("tag", s.localTag)
		remoteFrom := sip.HeaderClone(s.serverReq.From()).(*sip.FromHeader)
		to = &sip.ToHeader{Address: remoteFrom.Address, Params: remoteFrom.Params}
		callID = sip.HeaderClone(s.serverReq.CallID())
	}
	if from == nil || to == nil || callID == nil {
		return nil, fmt.Errorf("incomplete dialog state for call %s", s.id)
	}

	s.cseq++
	req := sip.NewRequest(method, *recipient.Clone())
	req.SetTransport(s.transport())
	req.AppendHeader(from)
	req.AppendHeader(to)
	req.AppendHeader(callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: s.cseq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	if len(body) > 0 {
		req.SetBody(body)
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	return req, nil
}

func (s *sipCall) transport() string {
	if s.dir == directionInbound && s.serverReq != nil {
		return s.serverReq.Transport()
	}
	if s.inviteReq != nil {
		return s.inviteReq.Transport()
	}
	return "UDP"
}

// sendInDialog sends a built in-dialog request and waits for its final
// response, following one digest challenge if the server asks.
func (s *sipCall) sendInDialog(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := s.c.sipClient.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", req.Method, err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return nil, fmt.Errorf("waiting for %s response: %w", req.Method, err)
	}
	if res.StatusCode == 401 || res.StatusCode == 407 {
		res, err = s.c.answerChallenge(ctx, req, res, req.Recipient.String())
		if err != nil {
			return nil, err
		}
	}
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("%s failed with status %d %s", req.Method, res.StatusCode, res.Reason)
	}
	return res, nil
}

// cleanup releases the call's media resources.
func (s *sipCall) cleanup() {
	s.mu.Lock()
	rtp := s.rtp
	s.rtp = nil
	s.ended = true
	s.mu.Unlock()
	if rtp != nil {
		rtp.close()
	}
}

// buildAckFor2xx creates the ACK for a 2xx response to an INVITE. Per RFC
// 3261 §13.2.2.4 this ACK is generated by the UAC core and sent directly,
// outside the INVITE transaction. The Request-URI comes from the response
// Contact when present.
func buildAckFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To comes from the response so the remote tag is included.
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	ack.SetTransport(inviteReq.Transport())
	ack.SetDestination(inviteReq.Destination())
	return ack
}
