package api

import (
	"encoding/csv"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/commdesk/webphone/internal/call"
	"github.com/commdesk/webphone/internal/history"
)

// handleListHistory returns call log entries with pagination and optional
// filters. Query params: limit, offset, search, direction, start_date,
// end_date.
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	direction := q.Get("direction")
	if direction != "" && direction != "inbound" && direction != "outbound" {
		writeError(w, http.StatusBadRequest, "direction must be \"inbound\" or \"outbound\"")
		return
	}

	filter := history.ListFilter{
		Limit:     pg.Limit,
		Offset:    pg.Offset,
		Search:    q.Get("search"),
		Direction: direction,
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	}

	entries, total, err := s.history.List(r.Context(), filter)
	if err != nil {
		slog.Error("list history: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  entries,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleExportHistory exports the call log as CSV with the same filters as
// list. Export is capped at 10000 rows.
func (s *Server) handleExportHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	direction := q.Get("direction")
	if direction != "" && direction != "inbound" && direction != "outbound" {
		writeError(w, http.StatusBadRequest, "direction must be \"inbound\" or \"outbound\"")
		return
	}

	filter := history.ListFilter{
		Limit:     10000,
		Offset:    0,
		Search:    q.Get("search"),
		Direction: direction,
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	}

	entries, _, err := s.history.List(r.Context(), filter)
	if err != nil {
		slog.Error("export history: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=call-history.csv")

	cw := csv.NewWriter(w)
	cw.Write([]string{
		"ID", "Call-ID", "Direction", "Remote Number", "Display Name",
		"Ring Time", "Answer Time", "End Time", "Duration",
		"Billable Duration", "Disposition", "Hangup Cause",
	})

	for _, e := range entries {
		answerTime := ""
		if e.AnswerTime != nil {
			answerTime = e.AnswerTime.Format(time.RFC3339)
		}

		cw.Write([]string{
			strconv.FormatInt(e.ID, 10),
			e.CallID,
			string(e.Direction),
			e.RemoteNumber,
			e.DisplayName,
			e.RingTime.Format(time.RFC3339),
			answerTime,
			e.EndTime.Format(time.RFC3339),
			strconv.FormatInt(e.Duration, 10),
			strconv.FormatInt(e.BillableDur, 10),
			string(e.Disposition),
			e.HangupCause,
		})
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		slog.Error("export history: csv write error", "error", err)
	}
}

// handleRecentHistory returns the newest entries without pagination, for the
// quick-glance call log in the UI.
func (s *Server) handleRecentHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.history.Recent(r.Context(), 10)
	if err != nil {
		slog.Error("recent history: query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleCallStats returns aggregate call counts and the most recent entries.
func (s *Server) handleCallStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := s.history.CountByDisposition(ctx)
	if err != nil {
		slog.Error("call stats: failed to count dispositions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	total := 0
	byDisposition := make(map[string]int, len(counts))
	for disp, n := range counts {
		byDisposition[string(disp)] = n
		total += n
	}

	recent, err := s.history.Recent(ctx, 10)
	if err != nil {
		slog.Error("call stats: failed to list recent calls", "error", err)
		recent = nil
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_calls":    total,
		"by_disposition": byDisposition,
		"answered":       counts[call.DispositionAnswered],
		"missed":         counts[call.DispositionMissed],
		"recent":         recent,
	})
}
