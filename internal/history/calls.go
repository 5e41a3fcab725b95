package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/commdesk/webphone/internal/call"
)

// writeTimeout bounds the asynchronous insert issued per finished call.
const writeTimeout = 5 * time.Second

// Entry is one stored call log row.
type Entry struct {
	ID           int64            `json:"id"`
	CallID       string           `json:"callId"`
	Direction    call.Direction   `json:"direction"`
	RemoteNumber string           `json:"remoteNumber"`
	DisplayName  string           `json:"displayName"`
	RingTime     time.Time        `json:"ringTime"`
	AnswerTime   *time.Time       `json:"answerTime"`
	EndTime      time.Time        `json:"endTime"`
	Duration     int64            `json:"duration"`
	BillableDur  int64            `json:"billableDuration"`
	Disposition  call.Disposition `json:"disposition"`
	HangupCause  string           `json:"hangupCause"`
}

// ListFilter narrows a call log query.
type ListFilter struct {
	Direction string
	Search    string
	StartDate string
	EndDate   string
	Limit     int
	Offset    int
}

// Store persists and queries call records. It implements call.Recorder.
type Store struct {
	db     *DB
	logger *slog.Logger
}

// NewStore creates a call log store over an opened database.
func NewStore(db *DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("subsystem", "history")}
}

// Record inserts a finished call. It is invoked asynchronously by the call
// machine; failures are logged, never surfaced to the call path.
func (s *Store) Record(rec call.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.Insert(ctx, rec); err != nil {
		s.logger.Error("recording call failed", "call_id", rec.CallID, "error", err)
	}
}

// Insert writes one call record.
func (s *Store) Insert(ctx context.Context, rec call.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (call_id, direction, remote_number, display_name,
		 ring_time, answer_time, end_time, duration, billable_dur,
		 disposition, hangup_cause)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.Direction, rec.RemoteNumber, rec.DisplayName,
		rec.RingTime, rec.AnswerTime, rec.EndTime,
		int64(rec.Duration().Seconds()), int64(rec.BillableDuration().Seconds()),
		rec.Disposition, rec.HangupCause,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	return nil
}

// List returns call log entries matching the filter, newest first, along
// with the total count of matching rows.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Entry, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filter.Direction)
	}
	if filter.Search != "" {
		where += " AND (remote_number LIKE ? OR display_name LIKE ?)"
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern)
	}
	if filter.StartDate != "" {
		where += " AND ring_time >= ?"
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where += " AND ring_time <= ?"
		args = append(args, filter.EndDate)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM calls WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting calls: %w", err)
	}

	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	query := `SELECT id, call_id, direction, remote_number, display_name,
		 ring_time, answer_time, end_time, duration, billable_dur,
		 disposition, hangup_cause
		 FROM calls WHERE ` + where + ` ORDER BY ring_time DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating calls: %w", err)
	}
	return entries, total, nil
}

// Recent returns the newest entries, bounded by limit.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	entries, _, err := s.List(ctx, ListFilter{Limit: limit})
	return entries, err
}

// CountByDisposition returns call totals grouped by disposition.
func (s *Store) CountByDisposition(ctx context.Context) (map[call.Disposition]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT disposition, COUNT(*) FROM calls GROUP BY disposition")
	if err != nil {
		return nil, fmt.Errorf("counting by disposition: %w", err)
	}
	defer rows.Close()

	counts := make(map[call.Disposition]int)
	for rows.Next() {
		var disp call.Disposition
		var n int
		if err := rows.Scan(&disp, &n); err != nil {
			return nil, fmt.Errorf("scanning disposition count: %w", err)
		}
		counts[disp] = n
	}
	return counts, rows.Err()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	err := rows.Scan(&e.ID, &e.CallID, &e.Direction, &e.RemoteNumber, &e.DisplayName,
		&e.RingTime, &e.AnswerTime, &e.EndTime, &e.Duration, &e.BillableDur,
		&e.Disposition, &e.HangupCause)
	if err != nil {
		return Entry{}, fmt.Errorf("scanning call entry: %w", err)
	}
	return e, nil
}
