package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"streamagency/internal/agency"
)

// UpsertAgent inserts a new agent or, on address conflict, updates its
// signature, fee, and status back to active.
func (s *Store) UpsertAgent(ctx context.Context, address, signature string, feeBps int, nowMs int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO agents (address, stream_signature, fee_bps, status, retry_step, created_ms, updated_ms)
VALUES (?, ?, ?, ?, 0, ?, ?)
ON CONFLICT(address) DO UPDATE SET
	stream_signature = excluded.stream_signature,
	fee_bps = excluded.fee_bps,
	status = excluded.status,
	updated_ms = excluded.updated_ms;
`, address, signature, feeBps, string(agency.StatusActive), nowMs, nowMs)
		if err != nil {
			return ErrTx("upsert agent", err)
		}
		return nil
	})
}

// SetStatus transitions an agent's status. Fails with ErrNotFound if no
// such agent exists.
func (s *Store) SetStatus(ctx context.Context, address string, status agency.Status, nowMs int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE agents SET status = ?, updated_ms = ? WHERE address = ?;`, string(status), nowMs, address)
		if err != nil {
			return ErrTx("set status", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return ErrTx("set status rows affected", err)
		}
		if n == 0 {
			return agency.ErrNotFound
		}
		return nil
	})
}

// RemoveAgent deletes the agent and all dependent rows in one
// transaction. Fails with ErrNotFound if no such agent exists.
func (s *Store) RemoveAgent(ctx context.Context, address string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE address = ?;`, address)
		if err != nil {
			return ErrTx("remove agent", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return ErrTx("remove agent rows affected", err)
		}
		if n == 0 {
			return agency.ErrNotFound
		}
		return nil
	})
}

const agentColumns = `id, address, stream_signature, fee_bps, status, expected_end_ms, next_attempt_ms,
	retry_step, success_count, failure_count, fee_due_claw, last_success_ms, last_error, created_ms, updated_ms`

func scanAgent(row interface{ Scan(...any) error }) (agency.Agent, error) {
	var a agency.Agent
	var status string
	var expectedEnd, nextAttempt, lastSuccess sql.NullInt64
	err := row.Scan(&a.ID, &a.Address, &a.StreamSig, &a.FeeBps, &status, &expectedEnd, &nextAttempt,
		&a.RetryStep, &a.SuccessCount, &a.FailureCount, &a.FeeDueClaw, &lastSuccess, &a.LastError,
		&a.CreatedMs, &a.UpdatedMs)
	if err != nil {
		return agency.Agent{}, err
	}
	a.Status = agency.Status(status)
	a.ExpectedEndMs = ptrFromNull(expectedEnd)
	a.NextAttemptMs = ptrFromNull(nextAttempt)
	a.LastSuccessMs = ptrFromNull(lastSuccess)
	return a, nil
}

// GetAgent looks up an agent by address. Fails with ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, address string) (agency.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE address = ?;`, address)
	a, err := scanAgent(row)
	if err != nil {
		if isNoRows(err) {
			return agency.Agent{}, agency.ErrNotFound
		}
		return agency.Agent{}, ErrTx("get agent", err)
	}
	return a, nil
}

// GetAgentByID looks up an agent by its surrogate id. Fails with
// ErrNotFound.
func (s *Store) GetAgentByID(ctx context.Context, id int64) (agency.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?;`, id)
	a, err := scanAgent(row)
	if err != nil {
		if isNoRows(err) {
			return agency.Agent{}, agency.ErrNotFound
		}
		return agency.Agent{}, ErrTx("get agent by id", err)
	}
	return a, nil
}

// ListAgents returns every enrolled agent, ordered by address, for
// reporting.
func (s *Store) ListAgents(ctx context.Context) ([]agency.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY address ASC;`)
	if err != nil {
		return nil, ErrTx("list agents", err)
	}
	defer rows.Close()

	var out []agency.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, ErrTx("scan agent", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListDueAgents returns active agents whose next_attempt_ms is unset or
// has already elapsed, ordered by next_attempt_ms ascending (NULLs
// first, matching the original's COALESCE(next_attempt_ms, 0) ordering).
func (s *Store) ListDueAgents(ctx context.Context, nowMs int64) ([]agency.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+agentColumns+` FROM agents
WHERE status = ? AND (next_attempt_ms IS NULL OR next_attempt_ms <= ?)
ORDER BY COALESCE(next_attempt_ms, 0) ASC;
`, string(agency.StatusActive), nowMs)
	if err != nil {
		return nil, ErrTx("list due agents", err)
	}
	defer rows.Close()

	var out []agency.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, ErrTx("scan due agent", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

var errUnexpectedUpdateCount = errors.New("store: expected exactly one row updated")

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: got %d", errUnexpectedUpdateCount, n)
	}
	return nil
}
