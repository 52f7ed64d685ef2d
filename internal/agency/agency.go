// Package agency holds the domain types shared by the store, scheduler,
// and admin surface: agents, stream attempts, usage windows, and billing
// attempts.
package agency

import "errors"

// Status is the lifecycle state of an enrolled agent.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusSuspended Status = "suspended"
)

var (
	ErrNotFound         = errors.New("agency: not found")
	ErrValidation       = errors.New("agency: validation")
	ErrEpochUnavailable = errors.New("agency: epoch unavailable")
	ErrStreamTransient  = errors.New("agency: stream transient failure")
	ErrSettlementFailed = errors.New("agency: settlement failed")
	ErrConfigMissing    = errors.New("agency: configuration missing")
)

// Agent is a wallet-identified principal kept continuously enrolled in the
// remote stream service.
type Agent struct {
	ID             int64
	Address        string
	StreamSig      string
	FeeBps         int
	Status         Status
	ExpectedEndMs  *int64
	NextAttemptMs  *int64
	RetryStep      int
	SuccessCount   int64
	FailureCount   int64
	FeeDueClaw     float64
	LastSuccessMs  *int64
	LastError      string
	CreatedMs      int64
	UpdatedMs      int64
}

// StreamAttempt is an append-only log row for one stream-client call.
type StreamAttempt struct {
	ID          int64
	AgentID     int64
	AttemptedMs int64
	OK          bool
	StatusCode  int
	Reason      string
	EndStreamMs *int64
	Body        string
}

// UsageWindow tracks the number of stream windows credited to an
// (agent, epoch) pair and whether it has been settled on-chain.
type UsageWindow struct {
	AgentID    int64
	Epoch      int64
	Windows    int64
	Billed     bool
	BilledAtMs *int64
	LastError  string
}

// BillingAttempt is an append-only log row for one settlement invocation.
type BillingAttempt struct {
	ID          int64
	AgentID     int64
	Epoch       int64
	Windows     int64
	AttemptedMs int64
	OK          bool
	ReturnCode  int
	Stdout      string
	Stderr      string
}

// MaxResponseBodyBytes and MaxLastErrorBytes are the truncation limits
// applied before any string is bound into a persisted row.
const (
	MaxResponseBodyBytes = 4000
	MaxLastErrorBytes    = 300
)

// Truncate trims s to at most n bytes, a no-op when s already fits.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
