package api

import (
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"
)

// maxDestinationLen bounds dialable destinations (numbers or SIP URIs).
const maxDestinationLen = 256

// dialRequest is the JSON body for POST /calls/dial.
type dialRequest struct {
	Destination string `json:"destination"`
}

// dtmfRequest is the JSON body for POST /calls/dtmf.
type dtmfRequest struct {
	Digit string `json:"digit"`
}

// transferRequest is the JSON body for POST /calls/transfer.
type transferRequest struct {
	Target string `json:"target"`
}

func validDestination(dest string) bool {
	if dest == "" || utf8.RuneCountInString(dest) > maxDestinationLen {
		return false
	}
	return !strings.ContainsAny(dest, " \t\r\n")
}

// handleDial places an outbound call. A busy call slot is not an error; the
// request is a no-op and the current snapshot is returned either way.
func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if !validDestination(req.Destination) {
		writeError(w, http.StatusBadRequest, "destination is not dialable")
		return
	}

	if err := s.machine.MakeCall(r.Context(), req.Destination); err != nil {
		slog.Error("dial failed", "destination", req.Destination, "error", err)
		writeError(w, http.StatusBadGateway, "call could not be placed")
		return
	}

	writeJSON(w, http.StatusOK, s.machine.Snapshot())
}

// handleAnswer accepts the pending inbound call.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.AnswerCall(r.Context()); err != nil {
		slog.Error("answer failed", "error", err)
		writeError(w, http.StatusBadGateway, "call could not be answered")
		return
	}
	writeJSON(w, http.StatusOK, s.machine.Snapshot())
}

// handleReject declines the pending inbound call.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.RejectCall(r.Context()); err != nil {
		slog.Error("reject failed", "error", err)
		writeError(w, http.StatusBadGateway, "call could not be rejected")
		return
	}
	writeJSON(w, http.StatusOK, s.machine.Snapshot())
}

// handleHangup ends whatever call is in progress, answered or not.
func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.HangupCall(r.Context()); err != nil {
		slog.Error("hangup failed", "error", err)
		writeError(w, http.StatusBadGateway, "call could not be hung up")
		return
	}
	writeJSON(w, http.StatusOK, s.machine.Snapshot())
}

// handleToggleMute flips the microphone mute flag on the active call.
func (s *Server) handleToggleMute(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.ToggleMute(r.Context()); err != nil {
		slog.Error("mute toggle failed", "error", err)
		writeError(w, http.StatusBadGateway, "mute state could not be changed")
		return
	}
	writeJSON(w, http.StatusOK, s.machine.Snapshot())
}

// handleToggleHold flips hold on the active call.
func (s *Server) handleToggleHold(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.ToggleHold(r.Context()); err != nil {
		slog.Error("hold toggle failed", "error", err)
		writeError(w, http.StatusBadGateway, "hold state could not be changed")
		return
	}
	writeJSON(w, http.StatusOK, s.machine.Snapshot())
}

// handleDTMF sends a single DTMF digit on the active call.
func (s *Server) handleDTMF(w http.ResponseWriter, r *http.Request) {
	var req dtmfRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if utf8.RuneCountInString(req.Digit) != 1 {
		writeError(w, http.StatusBadRequest, "digit must be a single character")
		return
	}

	digit := []rune(req.Digit)[0]
	if err := s.machine.SendDTMF(r.Context(), digit); err != nil {
		slog.Error("dtmf failed", "digit", req.Digit, "error", err)
		writeError(w, http.StatusBadGateway, "digit could not be sent")
		return
	}
	writeJSON(w, http.StatusOK, s.machine.Snapshot())
}

// handleTransfer refers the active call to another destination.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if !validDestination(req.Target) {
		writeError(w, http.StatusBadRequest, "target is not dialable")
		return
	}

	if err := s.machine.TransferCall(r.Context(), req.Target); err != nil {
		slog.Error("transfer failed", "target", req.Target, "error", err)
		writeError(w, http.StatusBadGateway, "call could not be transferred")
		return
	}
	writeJSON(w, http.StatusOK, s.machine.Snapshot())
}
