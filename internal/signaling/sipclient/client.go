// Package sipclient is the production signaling.Client: a SIP user agent
// that registers with the configured server, places and receives calls, and
// moves call audio over RTP between the server and the process-wide media
// sinks.
package sipclient

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/commdesk/webphone/internal/media"
	"github.com/commdesk/webphone/internal/signaling"
)

const (
	defaultListenAddr = "0.0.0.0:5070"
	refreshTimeout    = 30 * time.Second
	unregisterTimeout = 5 * time.Second
)

// NewFactory returns a signaling.Factory producing SIP clients. binder
// provides the local capture audio for outgoing RTP; it may be nil.
func NewFactory(binder *media.Binder, logger *slog.Logger) signaling.Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(cfg signaling.Config) (signaling.Client, error) {
		if cfg.Server == "" {
			return nil, fmt.Errorf("signaling server not configured")
		}
		if cfg.Transport == "" {
			cfg.Transport = "udp"
		}
		if cfg.ListenAddr == "" {
			cfg.ListenAddr = defaultListenAddr
		}
		return &client{
			cfg:    cfg,
			binder: binder,
			logger: logger.With("subsystem", "sipclient"),
			calls:  make(map[string]*sipCall),
			events: make(chan func(), 64),
			done:   make(chan struct{}),
		}, nil
	}
}

// client is one connection generation. It is built, connected, and torn
// down as a unit; the session manager never reuses a disconnected client.
type client struct {
	cfg    signaling.Config
	binder *media.Binder
	logger *slog.Logger

	ua        *sipgo.UserAgent
	sipClient *sipgo.Client
	sipServer *sipgo.Server
	runCancel context.CancelFunc

	mu          sync.Mutex
	lifecycleFn func(signaling.LifecycleEvent)
	notifyFn    func(signaling.Notification)
	remoteSink  *media.Sink
	calls       map[string]*sipCall
	connected   bool
	closed      bool
	localAddr   string

	// events serializes handler delivery onto one goroutine so the
	// controller observes a single ordered stream.
	events chan func()
	done   chan struct{}
}

func (c *client) OnLifecycle(fn func(signaling.LifecycleEvent)) {
	c.mu.Lock()
	c.lifecycleFn = fn
	c.mu.Unlock()
}

func (c *client) OnNotification(fn func(signaling.Notification)) {
	c.mu.Lock()
	c.notifyFn = fn
	c.mu.Unlock()
}

func (c *client) SetRemoteSink(s *media.Sink) {
	c.mu.Lock()
	c.remoteSink = s
	c.mu.Unlock()
}

func (c *client) remoteSinkRef() *media.Sink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSink
}

func (c *client) localSource() *media.Sink {
	if c.binder == nil {
		return nil
	}
	return c.binder.Local()
}

// Connect brings the user agent up, starts the listener, and registers.
// It returns once registration succeeds; a refresh loop keeps it alive
// until Disconnect.
func (c *client) Connect(ctx context.Context) error {
	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("webphone"),
		sipgo.WithUserAgentHostname(c.localIP()),
	)
	if err != nil {
		return &signaling.SignalingError{Op: "connect", Err: fmt.Errorf("creating user agent: %w", err)}
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(c.logger))
	if err != nil {
		ua.Close()
		return &signaling.SignalingError{Op: "connect", Err: fmt.Errorf("creating sip server: %w", err)}
	}

	cli, err := sipgo.NewClient(ua, sipgo.WithClientLogger(c.logger))
	if err != nil {
		srv.Close()
		ua.Close()
		return &signaling.SignalingError{Op: "connect", Err: fmt.Errorf("creating sip client: %w", err)}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.ua = ua
	c.sipServer = srv
	c.sipClient = cli
	c.runCancel = cancel
	c.mu.Unlock()

	srv.OnInvite(c.onInvite)
	srv.OnAck(c.onAck)
	srv.OnBye(c.onBye)
	srv.OnCancel(c.onCancel)
	srv.OnInfo(c.onInfo)

	go c.dispatchLoop()

	transport := strings.ToLower(c.cfg.Transport)
	go func() {
		c.logger.Info("sip listener starting", "transport", transport, "addr", c.cfg.ListenAddr)
		if err := srv.ListenAndServe(runCtx, transport, c.cfg.ListenAddr); err != nil && runCtx.Err() == nil {
			c.logger.Error("sip listener stopped", "error", err)
			c.emitLifecycle(signaling.LifecycleEvent{Kind: signaling.LifecycleSocketClosed, Err: err})
		}
	}()

	granted, err := c.sendRegister(ctx, defaultExpiry)
	if err != nil {
		cancel()
		srv.Close()
		ua.Close()
		return &signaling.SignalingError{Op: "register", Err: err}
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("registered", "server", c.cfg.Server, "expires_in", granted)
	c.emitLifecycle(signaling.LifecycleEvent{Kind: signaling.LifecycleReady})

	go c.refreshLoop(runCtx, granted)
	return nil
}

// refreshLoop re-registers before the granted expiry lapses. A refresh
// failure collapses the session; reconnecting is the operator's call.
func (c *client) refreshLoop(ctx context.Context, granted int) {
	for {
		interval := time.Duration(float64(granted)*0.8) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		regCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
		next, err := c.sendRegister(regCtx, defaultExpiry)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("registration refresh failed", "error", err)
			c.emitLifecycle(signaling.LifecycleEvent{
				Kind: signaling.LifecycleError,
				Err:  fmt.Errorf("registration refresh: %w", err),
			})
			return
		}
		granted = next
		c.logger.Debug("registration refreshed", "expires_in", granted)
	}
}

// Disconnect unregisters best-effort and tears the user agent down. Safe
// to call at any point, including while Connect is in flight.
func (c *client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasConnected := c.connected
	c.connected = false
	cancel := c.runCancel
	srv := c.sipServer
	ua := c.ua
	calls := make([]*sipCall, 0, len(c.calls))
	for _, call := range c.calls {
		calls = append(calls, call)
	}
	c.calls = make(map[string]*sipCall)
	c.mu.Unlock()

	for _, call := range calls {
		call.cleanup()
	}
	if wasConnected {
		ctx, done := context.WithTimeout(context.Background(), unregisterTimeout)
		if _, err := c.sendRegister(ctx, 0); err != nil {
			c.logger.Debug("unregister failed", "error", err)
		}
		done()
	}
	if cancel != nil {
		cancel()
	}
	if srv != nil {
		srv.Close()
	}
	if ua != nil {
		ua.Close()
	}
	close(c.done)
	c.logger.Info("disconnected", "server", c.cfg.Server)
	return nil
}

// NewCall sends an INVITE to destination and returns the call handle
// immediately; progress arrives as notifications.
func (c *client) NewCall(ctx context.Context, destination string) (signaling.Call, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, &signaling.SignalingError{Op: "invite", Err: fmt.Errorf("not connected")}
	}
	c.mu.Unlock()

	rtp, err := newRTPEndpoint(c.logger)
	if err != nil {
		return nil, &signaling.SignalingError{Op: "invite", Err: err}
	}
	sdp := newSDPSession(c.localIP(), rtp.port())

	recipientStr := fmt.Sprintf("sip:%s@%s", destination, c.cfg.Server)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		rtp.close()
		return nil, &signaling.SignalingError{Op: "invite", Err: fmt.Errorf("parsing destination: %w", err)}
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(strings.ToUpper(c.cfg.Transport))
	newCallID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&newCallID)
	req.SetBody(sdp.offer(dirSendrecv))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	callerID := c.cfg.CallerID
	if callerID == "" {
		callerID = c.authUser()
	}
	from := &sip.FromHeader{
		DisplayName: callerID,
		Address: sip.Uri{
			Scheme: "sip",
			User:   callerID,
			Host:   c.serverHost(),
		},
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(sip.NewHeader("Contact",
		fmt.Sprintf("<sip:%s@%s>", c.authUser(), c.ua.Hostname())))

	tx, err := c.sipClient.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		rtp.close()
		return nil, &signaling.SignalingError{Op: "invite", Err: err}
	}

	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	call := &sipCall{
		c:         c,
		logger:    c.logger,
		id:        callID,
		dir:       directionOutbound,
		remote:    destination,
		inviteReq: req,
		inviteTx:  tx,
		rtp:       rtp,
		sdp:       sdp,
	}
	if cseq := req.CSeq(); cseq != nil {
		call.cseq = cseq.SeqNo
	}

	c.mu.Lock()
	c.calls[call.id] = call
	c.mu.Unlock()

	go c.uacLoop(call, req, tx)
	return call, nil
}

// uacLoop consumes responses to an outbound INVITE: provisional responses
// become ringing notifications, a digest challenge is answered once, a 2xx
// is ACKed and activates the call, and any final failure ends it.
func (c *client) uacLoop(call *sipCall, req *sip.Request, tx sip.ClientTransaction) {
	authRetried := false
	for {
		var res *sip.Response
		select {
		case <-c.done:
			tx.Terminate()
			return
		case <-tx.Done():
			tx.Terminate()
			if call.isEnded() {
				return
			}
			err := tx.Err()
			c.logger.Warn("invite transaction ended", "call_id", call.id, "error", err)
			c.endCall(call, err)
			return
		case res = <-tx.Responses():
		}

		switch {
		case res.StatusCode < 180:
			continue

		case res.StatusCode < 200:
			c.emitNotification(signaling.Notification{
				Kind: signaling.NotifyRinging,
				Call: call,
				Time: time.Now(),
			})

		case res.StatusCode == 401 || res.StatusCode == 407:
			tx.Terminate()
			if authRetried {
				c.endCall(call, fmt.Errorf("invite auth rejected"))
				return
			}
			authRetried = true
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			authRes, err := c.answerChallenge(ctx, req, res, req.Recipient.String())
			cancel()
			if err != nil {
				c.endCall(call, err)
				return
			}
			// answerChallenge already waited for the final response.
			c.handleInviteFinal(call, req, authRes)
			return

		case res.StatusCode < 300:
			tx.Terminate()
			c.handleInviteFinal(call, req, res)
			return

		default:
			tx.Terminate()
			c.logger.Info("outbound call ended by server",
				"call_id", call.id, "status", res.StatusCode, "reason", res.Reason)
			c.endCall(call, nil)
			return
		}
	}
}

// handleInviteFinal processes the final 2xx (or failure) of an INVITE after
// any auth retry: ACK, SDP answer, media start, active notification.
func (c *client) handleInviteFinal(call *sipCall, req *sip.Request, res *sip.Response) {
	if res.StatusCode >= 300 {
		c.endCall(call, fmt.Errorf("invite failed with status %d %s", res.StatusCode, res.Reason))
		return
	}

	if err := c.sipClient.WriteRequest(buildAckFor2xx(req, res)); err != nil {
		c.logger.Error("sending ack failed", "call_id", call.id, "error", err)
		c.endCall(call, err)
		return
	}

	call.mu.Lock()
	call.inviteRes = res
	if cseq := res.CSeq(); cseq != nil && cseq.SeqNo > call.cseq {
		call.cseq = cseq.SeqNo
	}
	rtp := call.rtp
	call.mu.Unlock()

	if md, err := parseAudio(res.Body()); err != nil {
		c.logger.Warn("unparseable sdp answer", "call_id", call.id, "error", err)
	} else if addr, err := remoteRTPAddr(md); err != nil {
		c.logger.Warn("unusable rtp answer address", "call_id", call.id, "error", err)
	} else if rtp != nil {
		rtp.setRemote(addr)
	}

	if call.markActive() {
		c.emitNotification(signaling.Notification{
			Kind: signaling.NotifyActive,
			Call: call,
			Time: time.Now(),
		})
	}
}

// onInvite handles an inbound INVITE: ring the call slot, or busy-out a
// second call.
func (c *client) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}

	c.mu.Lock()
	if existing, ok := c.calls[callID]; ok {
		c.mu.Unlock()
		c.handleReinvite(existing, req, tx)
		return
	}
	busy := len(c.calls) > 0 || !c.connected
	c.mu.Unlock()

	if busy {
		res := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
		if err := tx.Respond(res); err != nil {
			c.logger.Error("busy response failed", "call_id", callID, "error", err)
		}
		return
	}

	remote := ""
	display := ""
	if from := req.From(); from != nil {
		remote = from.Address.User
		display = from.DisplayName
	}

	call := &sipCall{
		c:         c,
		logger:    c.logger,
		id:        callID,
		dir:       directionInbound,
		remote:    remote,
		display:   display,
		serverReq: req,
		serverTx:  tx,
		localTag:  sip.GenerateTagN(16),
	}
	if md, err := parseAudio(req.Body()); err == nil {
		call.remoteAudio = md
	} else {
		c.logger.Warn("unparseable sdp offer", "call_id", callID, "error", err)
	}

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if to := ringing.To(); to != nil {
		to.Params.Add("tag", call.localTag)
	}
	if err := tx.Respond(ringing); err != nil {
		c.logger.Error("ringing response failed", "call_id", callID, "error", err)
		return
	}

	c.mu.Lock()
	c.calls[callID] = call
	c.mu.Unlock()

	c.logger.Info("inbound invite", "call_id", callID, "from", remote)
	c.emitNotification(signaling.Notification{
		Kind: signaling.NotifyRinging,
		Call: call,
		Time: time.Now(),
	})
}

// handleReinvite accepts an in-dialog INVITE (hold/resume from the far
// end) by mirroring our current media description back.
func (c *client) handleReinvite(call *sipCall, req *sip.Request, tx sip.ServerTransaction) {
	call.mu.Lock()
	var body []byte
	if call.sdp != nil {
		body = call.sdp.offer(holdDirection(call.holding))
	}
	call.mu.Unlock()

	res := sip.NewResponseFromRequest(req, 200, "OK", body)
	if body != nil {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	if err := tx.Respond(res); err != nil {
		c.logger.Error("reinvite response failed", "call_id", call.id, "error", err)
	}
}

// onAck confirms an answered inbound call; media starts here.
func (c *client) onAck(req *sip.Request, tx sip.ServerTransaction) {
	call := c.findCall(req)
	if call == nil {
		return
	}
	if call.markActive() {
		c.logger.Info("inbound call confirmed", "call_id", call.id)
		c.emitNotification(signaling.Notification{
			Kind: signaling.NotifyActive,
			Call: call,
			Time: time.Now(),
		})
	}
}

// onBye is the far end hanging up an established call.
func (c *client) onBye(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		c.logger.Error("bye response failed", "error", err)
	}
	call := c.findCall(req)
	if call == nil {
		return
	}
	c.logger.Info("remote hangup", "call_id", call.id)
	c.endCall(call, nil)
}

// onCancel is the far end abandoning an unanswered inbound call.
func (c *client) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		c.logger.Error("cancel response failed", "error", err)
	}
	call := c.findCall(req)
	if call == nil {
		return
	}
	call.mu.Lock()
	serverReq := call.serverReq
	serverTx := call.serverTx
	answered := call.answered
	call.mu.Unlock()
	if !answered && serverTx != nil {
		terminated := sip.NewResponseFromRequest(serverReq, 487, "Request Terminated", nil)
		if err := serverTx.Respond(terminated); err != nil {
			c.logger.Debug("487 response failed", "call_id", call.id, "error", err)
		}
	}
	c.logger.Info("remote cancelled", "call_id", call.id)
	c.endCall(call, nil)
}

// onInfo acknowledges INFO requests (DTMF relay from the far end).
func (c *client) onInfo(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		c.logger.Error("info response failed", "error", err)
	}
}

func (c *client) findCall(req *sip.Request) *sipCall {
	h := req.CallID()
	if h == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[h.Value()]
}

func (c *client) dropCall(id string) {
	c.mu.Lock()
	delete(c.calls, id)
	c.mu.Unlock()
}

// endCall removes a call ended by the network and notifies the controller.
func (c *client) endCall(call *sipCall, err error) {
	c.dropCall(call.id)
	call.cleanup()
	c.emitNotification(signaling.Notification{
		Kind: signaling.NotifyHangup,
		Call: call,
		Time: time.Now(),
		Err:  err,
	})
}

func (s *sipCall) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// dispatchLoop delivers events to the registered handlers one at a time.
func (c *client) dispatchLoop() {
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.events:
			fn()
		}
	}
}

func (c *client) emitLifecycle(ev signaling.LifecycleEvent) {
	c.emit(func() {
		c.mu.Lock()
		fn := c.lifecycleFn
		c.mu.Unlock()
		if fn != nil {
			fn(ev)
		}
	})
}

func (c *client) emitNotification(n signaling.Notification) {
	c.emit(func() {
		c.mu.Lock()
		fn := c.notifyFn
		c.mu.Unlock()
		if fn != nil {
			fn(n)
		}
	})
}

func (c *client) emit(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

func (c *client) authUser() string {
	if c.cfg.AuthMode == signaling.AuthToken && c.cfg.Username == "" {
		return "webphone"
	}
	return c.cfg.Username
}

func (c *client) authPassword() string {
	if c.cfg.AuthMode == signaling.AuthToken {
		return c.cfg.Token
	}
	return c.cfg.Password
}

func (c *client) serverHost() string {
	host, _, err := net.SplitHostPort(c.cfg.Server)
	if err != nil {
		return c.cfg.Server
	}
	return host
}

// localIP discovers the local address used to reach the server, for SDP
// connection lines and the UA hostname. Falls back to loopback.
func (c *client) localIP() string {
	c.mu.Lock()
	if c.localAddr != "" {
		addr := c.localAddr
		c.mu.Unlock()
		return addr
	}
	c.mu.Unlock()

	addr := "127.0.0.1"
	server := c.cfg.Server
	if !strings.Contains(server, ":") {
		server += ":5060"
	}
	if conn, err := net.Dial("udp", server); err == nil {
		if local, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			addr = local.IP.String()
		}
		conn.Close()
	}

	c.mu.Lock()
	c.localAddr = addr
	c.mu.Unlock()
	return addr
}
