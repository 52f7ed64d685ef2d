package scheduler

import (
	"time"

	"streamagency/internal/agency"
	"streamagency/internal/store"
	"streamagency/internal/streamclient"
)

// OutcomeKind is the tagged variant a stream call classifies into,
// replacing the dict-scraping the original Python source used with a
// type the compiler checks.
type OutcomeKind int

const (
	OutcomeArmSuccess OutcomeKind = iota
	OutcomeReSync
	OutcomeBackoff
)

// Outcome is the classified result of one stream attempt, carrying only
// the fields the matching state-update branch needs.
type Outcome struct {
	Kind        OutcomeKind
	EndStreamMs *int64
	Reason      string
}

// classify turns a raw stream-client response into a tagged Outcome per
// the state table in spec §4.5: a 2xx reply with an end-stream instant
// is a success; a 403 "already streaming" reply with an end-stream
// instant is a resync; everything else — including success without an
// end-stream instant — is a backoff.
func classify(out streamclient.Outcome) Outcome {
	if out.OK && out.EndStreamMs != nil {
		return Outcome{Kind: OutcomeArmSuccess, EndStreamMs: out.EndStreamMs}
	}
	if out.AlreadyStreaming() && out.EndStreamMs != nil {
		return Outcome{Kind: OutcomeReSync, EndStreamMs: out.EndStreamMs}
	}
	reason := out.Body
	if reason == "" {
		reason = "stream request failed"
	}
	return Outcome{Kind: OutcomeBackoff, Reason: reason}
}

// backoffDelay is the retry ladder: d(0)=30s, d(1)=60s, d(2)=120s,
// d(k>=3)=180s.
func backoffDelay(retryStep int) time.Duration {
	switch retryStep {
	case 0:
		return 30 * time.Second
	case 1:
		return 60 * time.Second
	case 2:
		return 120 * time.Second
	default:
		return 180 * time.Second
	}
}

// NextPlannedAttempt derives the next arm instant from a
// server-declared end instant: end − lead·1000 + U(0, jitter·1000).
// Exported so the Admin Surface's enrollment probe can reuse the exact
// formula ArmSuccess uses instead of duplicating it.
func NextPlannedAttempt(endMs int64, leadSeconds, jitterSeconds int64, jitter func(n int64) int64) int64 {
	base := endMs - leadSeconds*1000
	if jitterSeconds <= 0 {
		return base
	}
	return base + jitter(jitterSeconds*1000)
}

// applyOutcome computes the full post-outcome agent field values, per
// the state table in spec §4.5. It is a pure function of the current
// agent row, the classified outcome, and injectable clock/jitter/reward
// parameters — no I/O, fully unit-testable.
func applyOutcome(agent agency.Agent, outcome Outcome, nowMs int64, leadSeconds, jitterSeconds int64, rewardPerWindow float64, jitter func(n int64) int64) store.AgentUpdate {
	switch outcome.Kind {
	case OutcomeArmSuccess:
		next := NextPlannedAttempt(*outcome.EndStreamMs, leadSeconds, jitterSeconds, jitter)
		fee := rewardPerWindow * float64(agent.FeeBps) / 10000
		ts := nowMs
		return store.AgentUpdate{
			ExpectedEndMs: outcome.EndStreamMs,
			NextAttemptMs: &next,
			RetryStep:     0,
			SuccessCount:  agent.SuccessCount + 1,
			FailureCount:  agent.FailureCount,
			FeeDueClaw:    agent.FeeDueClaw + fee,
			LastSuccessMs: &ts,
			LastError:     "",
			UpdatedMs:     nowMs,
		}
	case OutcomeReSync:
		next := NextPlannedAttempt(*outcome.EndStreamMs, leadSeconds, jitterSeconds, jitter)
		return store.AgentUpdate{
			ExpectedEndMs: outcome.EndStreamMs,
			NextAttemptMs: &next,
			RetryStep:     0,
			SuccessCount:  agent.SuccessCount,
			FailureCount:  agent.FailureCount,
			FeeDueClaw:    agent.FeeDueClaw,
			LastSuccessMs: agent.LastSuccessMs,
			LastError:     "",
			UpdatedMs:     nowMs,
		}
	default: // OutcomeBackoff
		next := nowMs + backoffDelay(agent.RetryStep).Milliseconds()
		return store.AgentUpdate{
			ExpectedEndMs: agent.ExpectedEndMs,
			NextAttemptMs: &next,
			RetryStep:     agent.RetryStep + 1,
			SuccessCount:  agent.SuccessCount,
			FailureCount:  agent.FailureCount + 1,
			FeeDueClaw:    agent.FeeDueClaw,
			LastSuccessMs: agent.LastSuccessMs,
			LastError:     outcome.Reason,
			UpdatedMs:     nowMs,
		}
	}
}
