package store

import (
	"context"
	"database/sql"

	"streamagency/internal/agency"
)

// AgentUpdate carries the full post-outcome field values for an agent
// row, computed by the scheduler's applyOutcome. Passing full values
// rather than deltas keeps the state-update function pure and testable
// without a database in front of it.
type AgentUpdate struct {
	ExpectedEndMs *int64
	NextAttemptMs *int64
	RetryStep     int
	SuccessCount  int64
	FailureCount  int64
	FeeDueClaw    float64
	LastSuccessMs *int64
	LastError     string
	UpdatedMs     int64
}

// ApplyStreamOutcome records a stream attempt, updates the agent row,
// and — when creditEpoch is non-nil — increments that epoch's usage
// window, all inside one transaction. This is the transactional unit
// spec.md requires: an attempt is never visible without its consequence,
// and a usage increment never happens without the agent update it rides
// with.
func (s *Store) ApplyStreamOutcome(ctx context.Context, attempt agency.StreamAttempt, update AgentUpdate, creditEpoch *int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO stream_attempts (agent_id, attempted_ms, ok, status_code, reason, end_stream_ms, response_body)
VALUES (?, ?, ?, ?, ?, ?, ?);
`, attempt.AgentID, attempt.AttemptedMs, boolToInt(attempt.OK), attempt.StatusCode, attempt.Reason,
			nullInt64(attempt.EndStreamMs), agency.Truncate(attempt.Body, agency.MaxResponseBodyBytes)); err != nil {
			return ErrTx("insert stream attempt", err)
		}

		res, err := tx.ExecContext(ctx, `
UPDATE agents SET
	expected_end_ms = ?, next_attempt_ms = ?, retry_step = ?,
	success_count = ?, failure_count = ?, fee_due_claw = ?,
	last_success_ms = ?, last_error = ?, updated_ms = ?
WHERE id = ?;
`, nullInt64(update.ExpectedEndMs), nullInt64(update.NextAttemptMs), update.RetryStep,
			update.SuccessCount, update.FailureCount, update.FeeDueClaw,
			nullInt64(update.LastSuccessMs), agency.Truncate(update.LastError, agency.MaxLastErrorBytes),
			update.UpdatedMs, attempt.AgentID)
		if err != nil {
			return ErrTx("update agent", err)
		}
		if err := expectOne(res); err != nil {
			return ErrTx("update agent", err)
		}

		if creditEpoch != nil {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO usage_windows (agent_id, epoch, windows, billed)
VALUES (?, ?, 1, 0)
ON CONFLICT(agent_id, epoch) DO UPDATE SET windows = windows + 1
WHERE usage_windows.billed = 0;
`, attempt.AgentID, *creditEpoch); err != nil {
				return ErrTx("increment usage window", err)
			}
		}

		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
