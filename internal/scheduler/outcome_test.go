package scheduler

import (
	"testing"

	"streamagency/internal/agency"
	"streamagency/internal/streamclient"
)

func noJitter(n int64) int64 { return 0 }

// S1 — first success.
func TestApplyOutcomeFirstSuccess(t *testing.T) {
	agent := agency.Agent{FeeBps: 500}
	end := int64(2_000_000)
	outcome := classify(streamclient.Outcome{OK: true, StatusCode: 200, EndStreamMs: &end})
	if outcome.Kind != OutcomeArmSuccess {
		t.Fatalf("expected ArmSuccess, got %v", outcome.Kind)
	}

	update := applyOutcome(agent, outcome, 0, 360, 0, 1.0, noJitter)
	if update.ExpectedEndMs == nil || *update.ExpectedEndMs != 2_000_000 {
		t.Fatalf("expected_end_ms wrong: %+v", update)
	}
	if update.NextAttemptMs == nil || *update.NextAttemptMs != 1_640_000 {
		t.Fatalf("next_attempt_ms wrong: %+v", update)
	}
	if update.SuccessCount != 1 {
		t.Fatalf("success_count wrong: %+v", update)
	}
	if update.FeeDueClaw != 0.05 {
		t.Fatalf("fee_due_claw wrong: got %v", update.FeeDueClaw)
	}
}

// S2 — already streaming.
func TestApplyOutcomeAlreadyStreaming(t *testing.T) {
	agent := agency.Agent{SuccessCount: 2, RetryStep: 1}
	end := int64(5_000)
	outcome := classify(streamclient.Outcome{OK: false, StatusCode: 403, Body: "Already Streaming", EndStreamMs: &end})
	if outcome.Kind != OutcomeReSync {
		t.Fatalf("expected ReSync, got %v", outcome.Kind)
	}

	update := applyOutcome(agent, outcome, 0, 0, 0, 1.0, noJitter)
	if update.ExpectedEndMs == nil || *update.ExpectedEndMs != 5000 {
		t.Fatalf("expected_end_ms wrong: %+v", update)
	}
	if update.RetryStep != 0 {
		t.Fatalf("retry_step should reset to 0, got %d", update.RetryStep)
	}
	if update.SuccessCount != 2 {
		t.Fatalf("success_count should be unchanged, got %d", update.SuccessCount)
	}
}

// S3 — backoff ladder.
func TestApplyOutcomeBackoffLadder(t *testing.T) {
	agent := agency.Agent{RetryStep: 0}
	outcome := classify(streamclient.Outcome{OK: false, StatusCode: 0, Body: "URLError: timeout"})
	if outcome.Kind != OutcomeBackoff {
		t.Fatalf("expected Backoff, got %v", outcome.Kind)
	}

	u1 := applyOutcome(agent, outcome, 0, 0, 0, 1.0, noJitter)
	if *u1.NextAttemptMs != 30_000 || u1.RetryStep != 1 {
		t.Fatalf("step 1 wrong: %+v", u1)
	}

	agent.RetryStep = u1.RetryStep
	agent.FailureCount = u1.FailureCount
	u2 := applyOutcome(agent, outcome, 30_000, 0, 0, 1.0, noJitter)
	if *u2.NextAttemptMs != 30_000+60_000 || u2.RetryStep != 2 {
		t.Fatalf("step 2 wrong: %+v", u2)
	}

	agent.RetryStep = u2.RetryStep
	agent.FailureCount = u2.FailureCount
	u3 := applyOutcome(agent, outcome, 90_000, 0, 0, 1.0, noJitter)
	if *u3.NextAttemptMs != 90_000+120_000 || u3.RetryStep != 3 {
		t.Fatalf("step 3 wrong: %+v", u3)
	}
	if u3.FailureCount != 3 {
		t.Fatalf("failure_count should accumulate across the three failures, got %d", u3.FailureCount)
	}
}

func TestClassifySuccessWithoutEndStreamIsBackoff(t *testing.T) {
	outcome := classify(streamclient.Outcome{OK: true, StatusCode: 200})
	if outcome.Kind != OutcomeBackoff {
		t.Fatalf("success without end_stream_ms must classify as Backoff, got %v", outcome.Kind)
	}
}

func TestClassifyAlreadyStreamingWithoutEndStreamIsBackoff(t *testing.T) {
	outcome := classify(streamclient.Outcome{OK: false, StatusCode: 403, Body: "already streaming"})
	if outcome.Kind != OutcomeBackoff {
		t.Fatalf("already_streaming without end_stream_ms must classify as Backoff, got %v", outcome.Kind)
	}
}
