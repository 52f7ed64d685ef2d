package store

import (
	"context"
	"database/sql"

	"streamagency/internal/agency"
)

// ListAttempts returns the most recent stream attempts for the given
// agent address, newest first, capped at limit.
func (s *Store) ListAttempts(ctx context.Context, address string, limit int) ([]agency.StreamAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT sa.id, sa.agent_id, sa.attempted_ms, sa.ok, sa.status_code, sa.reason, sa.end_stream_ms, sa.response_body
FROM stream_attempts sa
JOIN agents a ON a.id = sa.agent_id
WHERE a.address = ?
ORDER BY sa.attempted_ms DESC, sa.id DESC
LIMIT ?;
`, address, limit)
	if err != nil {
		return nil, ErrTx("list attempts", err)
	}
	defer rows.Close()

	var out []agency.StreamAttempt
	for rows.Next() {
		var a agency.StreamAttempt
		var ok int
		var endStream sql.NullInt64
		if err := rows.Scan(&a.ID, &a.AgentID, &a.AttemptedMs, &ok, &a.StatusCode, &a.Reason, &endStream, &a.Body); err != nil {
			return nil, ErrTx("scan attempt", err)
		}
		a.OK = ok != 0
		a.EndStreamMs = ptrFromNull(endStream)
		out = append(out, a)
	}
	return out, rows.Err()
}
