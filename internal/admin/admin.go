// Package admin implements the synchronous enroll/pause/resume/remove/
// report operations shared by the CLI and the admin HTTP API, plus
// ForceTick which backs both the CLI "tick" command and the HTTP
// POST /tick route.
package admin

import (
	"context"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"

	"streamagency/internal/agency"
	"streamagency/internal/scheduler"
	"streamagency/internal/store"
	"streamagency/internal/streamclient"
)

var addressPattern = regexp.MustCompile(`^claw1[0-9a-z]+$`)

// Surface is the thin orchestration layer over the Store that both the
// CLI and the HTTP admin API call into, mirroring broker.Service's
// one-field pass-through shape for read paths and agreement.Service's
// validate-then-mutate shape for Enroll.
type Surface struct {
	store         *store.Store
	stream        scheduler.StreamPoster
	scheduler     *scheduler.Scheduler
	streamURL     string
	leadSeconds   int64
	jitterSeconds int64
	clock         func() time.Time
	jitter        func(n int64) int64
}

// New builds a Surface. sched may be nil when ForceTick is never
// called (e.g. a pure report/CLI invocation against an existing db).
// leadSeconds/jitterSeconds are the operator-configured values the
// Scheduler itself uses, so a probed enrollment's next_attempt_ms is
// computed with the same formula and the same tunables as a live
// ArmSuccess tick.
func New(st *store.Store, stream scheduler.StreamPoster, sched *scheduler.Scheduler, streamURL string, leadSeconds, jitterSeconds int64) *Surface {
	return &Surface{
		store:         st,
		stream:        stream,
		scheduler:     sched,
		streamURL:     streamURL,
		leadSeconds:   leadSeconds,
		jitterSeconds: jitterSeconds,
		clock:         time.Now,
		jitter: func(n int64) int64 {
			if n <= 0 {
				return 0
			}
			return rand.Int64N(n)
		},
	}
}

// WithJitter overrides the jitter source, for deterministic tests —
// mirrors scheduler.Scheduler's WithJitter.
func (s *Surface) WithJitter(jitter func(n int64) int64) *Surface {
	s.jitter = jitter
	return s
}

func (s *Surface) nowMs() int64 { return s.clock().UnixMilli() }

// EnrollParams is the validated input to Enroll.
type EnrollParams struct {
	Address   string
	Signature string
	FeeBps    int
	Probe     bool
}

// Enroll validates the address/signature/fee, optionally probes the
// stream endpoint, and upserts the agent. Validation happens before any
// state change, per spec §7's Validation error kind.
func (s *Surface) Enroll(ctx context.Context, params EnrollParams) (agency.Agent, error) {
	if !addressPattern.MatchString(params.Address) {
		return agency.Agent{}, fmt.Errorf("%w: address must match claw1[0-9a-z]+", agency.ErrValidation)
	}
	if params.FeeBps < 0 || params.FeeBps > 10000 {
		return agency.Agent{}, fmt.Errorf("%w: fee_bps must be within [0, 10000]", agency.ErrValidation)
	}
	signature := strings.TrimPrefix(strings.TrimSpace(params.Signature), "0x")
	if signature == "" {
		return agency.Agent{}, fmt.Errorf("%w: signature must not be empty", agency.ErrValidation)
	}

	nowMs := s.nowMs()
	if err := s.store.UpsertAgent(ctx, params.Address, signature, params.FeeBps, nowMs); err != nil {
		return agency.Agent{}, err
	}

	if params.Probe {
		if err := s.probe(ctx, params.Address, signature, nowMs); err != nil {
			return agency.Agent{}, err
		}
	}

	return s.store.GetAgent(ctx, params.Address)
}

// probe performs a live stream call and rejects enrollment unless the
// response is a success or an already_streaming reply, either of which
// must carry an end_stream_ms; on acceptance it pre-populates
// expected_end_ms/next_attempt_ms using ArmSuccess's formula.
func (s *Surface) probe(ctx context.Context, address, signature string, nowMs int64) error {
	out, err := s.stream.PostStream(ctx, s.streamURL, address, signature)
	if err != nil {
		return fmt.Errorf("%w: probe request failed: %v", agency.ErrStreamTransient, err)
	}

	accepted := (out.OK || out.AlreadyStreaming()) && out.EndStreamMs != nil
	if !accepted {
		return fmt.Errorf("%w: probe did not return a success or already_streaming reply with end_stream_ms", agency.ErrStreamTransient)
	}

	next := scheduler.NextPlannedAttempt(*out.EndStreamMs, s.leadSeconds, s.jitterSeconds, s.jitter)

	agent, err := s.store.GetAgent(ctx, address)
	if err != nil {
		return err
	}

	return s.store.ApplyStreamOutcome(ctx,
		agency.StreamAttempt{AgentID: agent.ID, AttemptedMs: nowMs, OK: out.OK, StatusCode: out.StatusCode, EndStreamMs: out.EndStreamMs, Body: out.Body},
		probeUpdate(agent, out, next, nowMs),
		nil,
	)
}

func probeUpdate(agent agency.Agent, out streamclient.Outcome, next, nowMs int64) store.AgentUpdate {
	return store.AgentUpdate{
		ExpectedEndMs: out.EndStreamMs, NextAttemptMs: &next, UpdatedMs: nowMs,
		SuccessCount: agent.SuccessCount, FailureCount: agent.FailureCount, FeeDueClaw: agent.FeeDueClaw,
		LastSuccessMs: agent.LastSuccessMs, LastError: agent.LastError,
	}
}

// Pause sets an agent's status to paused.
func (s *Surface) Pause(ctx context.Context, address string) error {
	return s.store.SetStatus(ctx, address, agency.StatusPaused, s.nowMs())
}

// Resume sets an agent's status back to active.
func (s *Surface) Resume(ctx context.Context, address string) error {
	return s.store.SetStatus(ctx, address, agency.StatusActive, s.nowMs())
}

// Remove deletes an agent and all of its dependent rows.
func (s *Surface) Remove(ctx context.Context, address string) error {
	return s.store.RemoveAgent(ctx, address)
}

// Report returns every enrolled agent, for the CLI "report" command and
// the HTTP GET /report route.
func (s *Surface) Report(ctx context.Context) ([]agency.Agent, error) {
	return s.store.ListAgents(ctx)
}

// Agent returns one agent by address, failing with agency.ErrNotFound
// if absent.
func (s *Surface) Agent(ctx context.Context, address string) (agency.Agent, error) {
	return s.store.GetAgent(ctx, address)
}

// ListAttempts returns the most recent stream attempts for one agent,
// newest first.
func (s *Surface) ListAttempts(ctx context.Context, address string, limit int) ([]agency.StreamAttempt, error) {
	return s.store.ListAttempts(ctx, address, clampLimit(limit))
}

// ListBillingAttempts returns the most recent billing attempts across
// all agents, newest first.
func (s *Surface) ListBillingAttempts(ctx context.Context, limit int) ([]agency.BillingAttempt, error) {
	return s.store.ListBillingAttempts(ctx, clampLimit(limit))
}

// ForceTick runs one scheduler tick synchronously, backing the CLI
// "tick" command and the HTTP POST /tick route.
func (s *Surface) ForceTick(ctx context.Context) (scheduler.TickResult, error) {
	if s.scheduler == nil {
		return scheduler.TickResult{}, fmt.Errorf("%w: scheduler not configured", agency.ErrConfigMissing)
	}
	return s.scheduler.Tick(ctx)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}
