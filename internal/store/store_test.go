package store

import (
	"context"
	"path/filepath"
	"testing"

	"streamagency/internal/agency"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agency.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAgentInsertsThenUpdates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.UpsertAgent(ctx, "claw1abc", "deadbeef", 500, 1000); err != nil {
		t.Fatalf("insert: %v", err)
	}
	a, err := s.GetAgent(ctx, "claw1abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.StreamSig != "deadbeef" || a.FeeBps != 500 || a.Status != agency.StatusActive {
		t.Fatalf("unexpected agent after insert: %+v", a)
	}

	if err := s.UpsertAgent(ctx, "claw1abc", "newsig", 900, 2000); err != nil {
		t.Fatalf("update: %v", err)
	}
	a, err = s.GetAgent(ctx, "claw1abc")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if a.StreamSig != "newsig" || a.FeeBps != 900 {
		t.Fatalf("update did not apply: %+v", a)
	}
}

func TestSetStatusNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.SetStatus(ctx, "claw1missing", agency.StatusPaused, 1000)
	if err != agency.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveAgentCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.UpsertAgent(ctx, "claw1abc", "sig", 0, 1000); err != nil {
		t.Fatalf("insert: %v", err)
	}
	a, err := s.GetAgent(ctx, "claw1abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	end := int64(5000)
	err = s.ApplyStreamOutcome(ctx, agency.StreamAttempt{
		AgentID: a.ID, AttemptedMs: 1000, OK: true, StatusCode: 200, EndStreamMs: &end,
	}, AgentUpdate{ExpectedEndMs: &end, SuccessCount: 1, UpdatedMs: 1000}, nil)
	if err != nil {
		t.Fatalf("apply outcome: %v", err)
	}

	if err := s.RemoveAgent(ctx, "claw1abc"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := s.GetAgent(ctx, "claw1abc"); err != agency.ErrNotFound {
		t.Fatalf("expected agent gone, got %v", err)
	}
	attempts, err := s.ListAttempts(ctx, "claw1abc", 10)
	if err != nil {
		t.Fatalf("list attempts after removal: %v", err)
	}
	if len(attempts) != 0 {
		t.Fatalf("expected cascaded attempts to be gone, got %d", len(attempts))
	}
	var orphans int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stream_attempts WHERE agent_id = ?;`, a.ID).Scan(&orphans); err != nil {
		t.Fatalf("count attempts after removal: %v", err)
	}
	if orphans != 0 {
		t.Fatalf("expected attempt rows to be deleted with the agent, got %d", orphans)
	}
}

func TestApplyStreamOutcomeIncrementsUsageOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.UpsertAgent(ctx, "claw1abc", "sig", 500, 1000); err != nil {
		t.Fatalf("insert: %v", err)
	}
	a, err := s.GetAgent(ctx, "claw1abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	end := int64(2_000_000)
	epoch := int64(42)
	err = s.ApplyStreamOutcome(ctx, agency.StreamAttempt{
		AgentID: a.ID, AttemptedMs: 1000, OK: true, StatusCode: 200, EndStreamMs: &end,
	}, AgentUpdate{ExpectedEndMs: &end, NextAttemptMs: &end, SuccessCount: 1, FeeDueClaw: 0.05, UpdatedMs: 1000}, &epoch)
	if err != nil {
		t.Fatalf("apply outcome: %v", err)
	}

	candidates, err := s.ListBillingCandidates(ctx, 43)
	if err != nil {
		t.Fatalf("list candidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Windows != 1 {
		t.Fatalf("expected one window of 1, got %+v", candidates)
	}

	a, err = s.GetAgent(ctx, "claw1abc")
	if err != nil {
		t.Fatalf("get after outcome: %v", err)
	}
	if a.SuccessCount != 1 || a.FeeDueClaw != 0.05 || a.ExpectedEndMs == nil || *a.ExpectedEndMs != end {
		t.Fatalf("unexpected agent state: %+v", a)
	}
}

func TestBilledWindowIsFrozen(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.UpsertAgent(ctx, "claw1abc", "sig", 0, 1000); err != nil {
		t.Fatalf("insert: %v", err)
	}
	a, err := s.GetAgent(ctx, "claw1abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	end := int64(1000)
	epoch := int64(1)
	if err := s.ApplyStreamOutcome(ctx, agency.StreamAttempt{AgentID: a.ID, AttemptedMs: 1, OK: true, StatusCode: 200, EndStreamMs: &end},
		AgentUpdate{ExpectedEndMs: &end, UpdatedMs: 1}, &epoch); err != nil {
		t.Fatalf("apply outcome: %v", err)
	}

	if err := s.RecordBillingAttempt(ctx, agency.BillingAttempt{AgentID: a.ID, Epoch: epoch, Windows: 1, AttemptedMs: 10, OK: true, ReturnCode: 0}, 10); err != nil {
		t.Fatalf("record billing: %v", err)
	}

	candidates, err := s.ListBillingCandidates(ctx, 2)
	if err != nil {
		t.Fatalf("list candidates: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("billed window should not be a billing candidate, got %+v", candidates)
	}
}
