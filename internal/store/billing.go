package store

import (
	"context"
	"database/sql"

	"streamagency/internal/agency"
)

// ListBillingCandidates returns unbilled, non-empty usage windows for
// epochs strictly before chainEpoch, belonging to agents that still
// exist (any status — paused/suspended agents remain billable for past
// usage), ordered (epoch, agent_id) for deterministic replay.
func (s *Store) ListBillingCandidates(ctx context.Context, chainEpoch int64) ([]agency.UsageWindow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT uw.agent_id, uw.epoch, uw.windows, uw.billed, uw.billed_at_ms, uw.last_error
FROM usage_windows uw
JOIN agents a ON a.id = uw.agent_id
WHERE uw.billed = 0 AND uw.epoch < ? AND uw.windows > 0
ORDER BY uw.epoch ASC, uw.agent_id ASC;
`, chainEpoch)
	if err != nil {
		return nil, ErrTx("list billing candidates", err)
	}
	defer rows.Close()

	var out []agency.UsageWindow
	for rows.Next() {
		var w agency.UsageWindow
		var billed int
		var billedAt sql.NullInt64
		if err := rows.Scan(&w.AgentID, &w.Epoch, &w.Windows, &billed, &billedAt, &w.LastError); err != nil {
			return nil, ErrTx("scan billing candidate", err)
		}
		w.Billed = billed != 0
		w.BilledAtMs = ptrFromNull(billedAt)
		out = append(out, w)
	}
	return out, rows.Err()
}

// RecordBillingAttempt appends one billing-attempt log row, and on
// success marks the usage window billed; on failure it records
// last_error and leaves the window unbilled so it retries next tick.
// Both happen in one transaction, matching the Store operation
// inventory without requiring a caller to coordinate them separately.
func (s *Store) RecordBillingAttempt(ctx context.Context, attempt agency.BillingAttempt, nowMs int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO billing_attempts (agent_id, epoch, windows, attempted_ms, ok, return_code, stdout, stderr)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`, attempt.AgentID, attempt.Epoch, attempt.Windows, attempt.AttemptedMs, boolToInt(attempt.OK),
			attempt.ReturnCode, agency.Truncate(attempt.Stdout, agency.MaxResponseBodyBytes),
			agency.Truncate(attempt.Stderr, agency.MaxResponseBodyBytes)); err != nil {
			return ErrTx("insert billing attempt", err)
		}

		if attempt.OK {
			if _, err := tx.ExecContext(ctx, `
UPDATE usage_windows SET billed = 1, billed_at_ms = ?, last_error = ''
WHERE agent_id = ? AND epoch = ?;
`, nowMs, attempt.AgentID, attempt.Epoch); err != nil {
				return ErrTx("mark billed", err)
			}
			return nil
		}

		reason := attempt.Stderr
		if reason == "" {
			reason = attempt.Stdout
		}
		if reason == "" {
			reason = "billing failed"
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE usage_windows SET last_error = ?
WHERE agent_id = ? AND epoch = ?;
`, agency.Truncate(reason, agency.MaxLastErrorBytes), attempt.AgentID, attempt.Epoch); err != nil {
			return ErrTx("record billing failure", err)
		}
		return nil
	})
}

// ListBillingAttempts returns the most recent billing-attempt rows,
// newest first, capped at limit.
func (s *Store) ListBillingAttempts(ctx context.Context, limit int) ([]agency.BillingAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, agent_id, epoch, windows, attempted_ms, ok, return_code, stdout, stderr
FROM billing_attempts
ORDER BY id DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, ErrTx("list billing attempts", err)
	}
	defer rows.Close()

	var out []agency.BillingAttempt
	for rows.Next() {
		var b agency.BillingAttempt
		var ok int
		if err := rows.Scan(&b.ID, &b.AgentID, &b.Epoch, &b.Windows, &b.AttemptedMs, &ok, &b.ReturnCode, &b.Stdout, &b.Stderr); err != nil {
			return nil, ErrTx("scan billing attempt", err)
		}
		b.OK = ok != 0
		out = append(out, b)
	}
	return out, rows.Err()
}
