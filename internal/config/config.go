// Package config is the typed configuration assembled from CLI flags,
// mirroring cmd/api/main.go's env-var-with-fallback pattern translated
// onto urfave/cli/v2 flags (each flag also reads its matching
// environment variable).
package config

import (
	"fmt"
	"time"

	"streamagency/internal/agency"
)

// Config carries every runtime tunable the daemon needs.
type Config struct {
	DBPath string

	StreamURL    string
	EpochBaseURL string

	LeadSeconds     int64
	JitterSeconds   int64
	RewardPerWindow float64
	PollInterval    time.Duration

	BillingEnabled  bool
	SettlementBin   string
	EscrowContract  string
	OperatorPemPath string
	ProxyURL        string
	ChainID         string
	GasLimit        uint64
	GasPrice        uint64

	HTTPAddr    string
	BearerToken string
}

// Validate refuses to start if billing was requested without the
// configuration the Settlement Executor needs — spec.md §7's
// ConfigMissing error kind, checked at startup rather than mid-tick.
func (c Config) Validate() error {
	if c.BillingEnabled && (c.EscrowContract == "" || c.OperatorPemPath == "") {
		return fmt.Errorf("%w: billing requires an escrow contract address and operator pem path", agency.ErrConfigMissing)
	}
	return nil
}

// Defaults returns a Config with the same literal defaults as the
// original implementation: lead=360s, jitter=20s, a 20s poll interval,
// and the original's DEFAULT_API_URL for both the epoch and billing
// proxy endpoints.
func Defaults() Config {
	return Config{
		DBPath:          "stream-agency/agency.db",
		StreamURL:       "https://stream.claws.network/stream",
		EpochBaseURL:    "https://api.claws.network",
		ProxyURL:        "https://api.claws.network",
		LeadSeconds:     360,
		JitterSeconds:   20,
		RewardPerWindow: 1.0,
		PollInterval:    20 * time.Second,
		SettlementBin:   "clawpy",
		HTTPAddr:        ":8090",
	}
}
