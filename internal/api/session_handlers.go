package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/commdesk/webphone/internal/call"
	"github.com/commdesk/webphone/internal/creds"
	"github.com/commdesk/webphone/internal/session"
)

// stateResponse is the combined controller state returned by GET /state and
// sent as the initial WebSocket frame.
type stateResponse struct {
	Session      session.Snapshot `json:"session"`
	Call         call.Snapshot    `json:"call"`
	MicPrewarmed bool             `json:"micPrewarmed"`
}

func (s *Server) currentState() stateResponse {
	return stateResponse{
		Session:      s.session.Snapshot(),
		Call:         s.machine.Snapshot(),
		MicPrewarmed: s.prewarm.Warmed(),
	}
}

// handleState returns the full controller state in one response.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentState())
}

// handleSessionStatus returns the signaling session snapshot.
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

// writeConnectError maps session connect failures to HTTP responses.
func writeConnectError(w http.ResponseWriter, err error) {
	var credErr *creds.CredentialError
	if errors.As(err, &credErr) {
		writeError(w, http.StatusBadGateway, "credential fetch failed: "+credErr.Reason)
		return
	}
	writeError(w, http.StatusBadGateway, "signaling connect failed")
}

// handleSessionConnect establishes the signaling session. Already connected
// or connecting is a no-op.
func (s *Server) handleSessionConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Connect(r.Context()); err != nil {
		slog.Error("session connect failed", "error", err)
		writeConnectError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

// handleSessionDisconnect tears the session down. Any in-progress call is
// force-reset and recorded as failed.
func (s *Server) handleSessionDisconnect(w http.ResponseWriter, r *http.Request) {
	s.session.Disconnect()
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

// handleSessionReconnect performs a full teardown and reconnect, including a
// fresh credential fetch and microphone prewarm.
func (s *Server) handleSessionReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Reconnect(r.Context()); err != nil {
		slog.Error("session reconnect failed", "error", err)
		writeConnectError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

// systemStatusResponse is the shape returned by GET /system/status.
type systemStatusResponse struct {
	Session      session.Snapshot `json:"session"`
	Call         call.Snapshot    `json:"call"`
	MicPrewarmed bool             `json:"micPrewarmed"`
	SIP          sipInfo          `json:"sip"`
	Uptime       uptimeResponse   `json:"uptime"`
}

type sipInfo struct {
	Server     string `json:"server"`
	Transport  string `json:"transport"`
	ListenAddr string `json:"listen_addr"`
}

type uptimeResponse struct {
	StartedAt  string `json:"started_at"`
	UptimeSec  int64  `json:"uptime_sec"`
	UptimeText string `json:"uptime_text"`
}

// handleSystemStatus returns signaling configuration, current state, and
// process uptime.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startedAt)
	writeJSON(w, http.StatusOK, systemStatusResponse{
		Session:      s.session.Snapshot(),
		Call:         s.machine.Snapshot(),
		MicPrewarmed: s.prewarm.Warmed(),
		SIP: sipInfo{
			Server:     s.cfg.SIPServer,
			Transport:  s.cfg.SIPTransport,
			ListenAddr: s.cfg.SIPListenAddr,
		},
		Uptime: uptimeResponse{
			StartedAt:  s.startedAt.UTC().Format(time.RFC3339),
			UptimeSec:  int64(uptime.Seconds()),
			UptimeText: uptime.Truncate(time.Second).String(),
		},
	})
}
