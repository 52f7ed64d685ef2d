// Package scheduler drives the per-tick stream state machine and
// billing sweep: the heart of the daemon.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"streamagency/internal/agency"
	"streamagency/internal/settlement"
	"streamagency/internal/store"
	"streamagency/internal/streamclient"
)

// StreamPoster is the subset of streamclient.Client the Scheduler
// needs; a narrow interface so tests can supply a fake.
type StreamPoster interface {
	PostStream(ctx context.Context, streamURL, address, signature string) (streamclient.Outcome, error)
}

// EpochReader is the subset of epoch.Oracle the Scheduler needs.
type EpochReader interface {
	CurrentEpoch(ctx context.Context, baseURL string) (int64, error)
}

// Biller is the subset of settlement.Executor the Scheduler needs.
type Biller interface {
	Bill(ctx context.Context, agentAddress string, epoch, windows int64) (settlement.Result, error)
}

// Config carries the tunables the Scheduler needs on every tick.
type Config struct {
	StreamURL       string
	EpochBaseURL    string
	LeadSeconds     int64
	JitterSeconds   int64
	RewardPerWindow float64
	BillingEnabled  bool
	PollInterval    time.Duration
}

// Scheduler is the tick driver. clock and jitter are injectable (mirrors
// referral.Service's WithClock/WithIDGenerator pattern) so tests can make
// scheduling decisions deterministic.
type Scheduler struct {
	store  *store.Store
	stream StreamPoster
	oracle EpochReader
	biller Biller
	cfg    Config
	log    *slog.Logger

	clock  func() time.Time
	jitter func(n int64) int64
}

// New builds a Scheduler. oracle/biller may be nil when billing is
// disabled.
func New(st *store.Store, stream StreamPoster, oracle EpochReader, biller Biller, cfg Config, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:  st,
		stream: stream,
		oracle: oracle,
		biller: biller,
		cfg:    cfg,
		log:    log,
		clock:  time.Now,
		jitter: func(n int64) int64 {
			if n <= 0 {
				return 0
			}
			return rand.Int64N(n)
		},
	}
}

// WithClock overrides the time source, for deterministic tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.clock = now
	return s
}

// WithJitter overrides the jitter source, for deterministic tests.
func (s *Scheduler) WithJitter(jitter func(n int64) int64) *Scheduler {
	s.jitter = jitter
	return s
}

func (s *Scheduler) nowMs() int64 {
	return s.clock().UnixMilli()
}

// TickResult summarizes one tick's work, surfaced to callers (the CLI
// `tick` command and the admin HTTP `/tick` route) and logged.
type TickResult struct {
	ChainEpoch     *int64
	EpochError     string
	AgentsDue      int
	ArmSuccesses   int
	ReSyncs        int
	Backoffs       int
	BillingChecked int
	BillingOK      int
	BillingFailed  int
}

// Tick runs Steps 1-3 of the scheduling model to completion: an epoch
// snapshot, the stream pass over every due agent, and the billing sweep
// over closed epochs. Per-agent and per-settlement errors are caught and
// recorded; Tick itself only returns an error for failures that prevent
// listing due agents at all (a Store failure, which is closer to Fatal
// than to any per-agent error kind).
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	var result TickResult

	var chainEpoch *int64
	if s.cfg.BillingEnabled {
		epoch, err := s.oracle.CurrentEpoch(ctx, s.cfg.EpochBaseURL)
		if err != nil {
			result.EpochError = err.Error()
			s.log.Warn("epoch oracle unavailable, billing skipped this tick", "error", err)
		} else {
			chainEpoch = &epoch
			result.ChainEpoch = &epoch
		}
	}

	due, err := s.store.ListDueAgents(ctx, s.nowMs())
	if err != nil {
		return result, err
	}
	result.AgentsDue = len(due)

	for _, agent := range due {
		kind := s.runOne(ctx, agent, chainEpoch)
		switch kind {
		case OutcomeArmSuccess:
			result.ArmSuccesses++
		case OutcomeReSync:
			result.ReSyncs++
		case OutcomeBackoff:
			result.Backoffs++
		}
	}

	if s.cfg.BillingEnabled && chainEpoch != nil {
		s.runBillingSweep(ctx, *chainEpoch, &result)
	}

	return result, nil
}

// runOne drives one agent through a single stream attempt and commits
// its outcome. Failures talking to the Store are logged and treated as
// the agent's tick being skipped — the next tick will pick it back up
// since next_attempt_ms is unchanged.
func (s *Scheduler) runOne(ctx context.Context, agent agency.Agent, chainEpoch *int64) OutcomeKind {
	attemptedMs := s.nowMs()
	raw, err := s.stream.PostStream(ctx, s.cfg.StreamURL, agent.Address, agent.StreamSig)
	if err != nil {
		s.log.Warn("stream client error", "agent_address", agent.Address, "error", err)
		raw = streamclient.Outcome{OK: false, StatusCode: 0, Body: err.Error()}
	}

	outcome := classify(raw)
	update := applyOutcome(agent, outcome, attemptedMs, s.cfg.LeadSeconds, s.cfg.JitterSeconds, s.cfg.RewardPerWindow, s.jitter)

	attempt := agency.StreamAttempt{
		AgentID:     agent.ID,
		AttemptedMs: attemptedMs,
		OK:          raw.OK,
		StatusCode:  raw.StatusCode,
		EndStreamMs: raw.EndStreamMs,
		Body:        raw.Body,
	}

	var creditEpoch *int64
	if outcome.Kind == OutcomeArmSuccess && chainEpoch != nil {
		creditEpoch = chainEpoch
	}

	if err := s.store.ApplyStreamOutcome(ctx, attempt, update, creditEpoch); err != nil {
		s.log.Error("apply stream outcome failed", "agent_address", agent.Address, "error", err)
	} else {
		s.log.Info("stream attempt recorded", "agent_address", agent.Address, "outcome", outcomeName(outcome.Kind))
	}

	return outcome.Kind
}

func (s *Scheduler) runBillingSweep(ctx context.Context, chainEpoch int64, result *TickResult) {
	candidates, err := s.store.ListBillingCandidates(ctx, chainEpoch)
	if err != nil {
		s.log.Error("list billing candidates failed", "error", err)
		return
	}
	result.BillingChecked = len(candidates)

	for _, window := range candidates {
		agent, err := s.store.GetAgentByID(ctx, window.AgentID)
		if err != nil {
			s.log.Error("resolve agent for billing failed", "agent_id", window.AgentID, "error", err)
			continue
		}

		res, err := s.biller.Bill(ctx, agent.Address, window.Epoch, window.Windows)
		attemptedMs := s.nowMs()
		if err != nil {
			s.log.Error("settlement executor failed", "agent_id", window.AgentID, "epoch", window.Epoch, "error", err)
			res = settlement.Result{OK: false, ReturnCode: -1, Stderr: err.Error()}
		}

		billingAttempt := agency.BillingAttempt{
			AgentID:     window.AgentID,
			Epoch:       window.Epoch,
			Windows:     window.Windows,
			AttemptedMs: attemptedMs,
			OK:          res.OK,
			ReturnCode:  res.ReturnCode,
			Stdout:      res.Stdout,
			Stderr:      res.Stderr,
		}
		if err := s.store.RecordBillingAttempt(ctx, billingAttempt, attemptedMs); err != nil {
			s.log.Error("record billing attempt failed", "agent_id", window.AgentID, "epoch", window.Epoch, "error", err)
			continue
		}

		if res.OK {
			result.BillingOK++
		} else {
			result.BillingFailed++
		}
	}
}

func outcomeName(k OutcomeKind) string {
	switch k {
	case OutcomeArmSuccess:
		return "arm_success"
	case OutcomeReSync:
		return "resync"
	default:
		return "backoff"
	}
}

// Run polls Tick on cfg.PollInterval until stop is closed or ctx is
// canceled. The driver observes the stop signal only between
// iterations, never mid-tick, matching the cancellation model in
// spec §5.
func (s *Scheduler) Run(ctx context.Context, stop <-chan struct{}) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		result, err := s.Tick(ctx)
		if err != nil {
			s.log.Error("tick failed", "error", err)
		} else {
			s.log.Info("tick complete",
				"agents_due", result.AgentsDue,
				"arm_success", result.ArmSuccesses,
				"resync", result.ReSyncs,
				"backoff", result.Backoffs,
				"billing_checked", result.BillingChecked,
				"billing_ok", result.BillingOK,
				"billing_failed", result.BillingFailed,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-ticker.C:
		}
	}
}
