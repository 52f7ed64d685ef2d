// Package settlement invokes an external chain-tool binary to submit
// the on-chain billEpoch call that credits an escrow contract with a
// batch of accounted windows.
package settlement

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"streamagency/internal/agency"
)

// Config carries the fields the external tool needs to submit a
// billEpoch transaction: the escrow contract address and operator
// credentials, plus gas/chain parameters. Absence of ContractAddress or
// OperatorPemPath is a caller error (agency.ErrConfigMissing) — it is
// refused at startup, not discovered mid-tick.
type Config struct {
	BinaryPath      string
	ContractAddress string
	OperatorPemPath string
	ProxyURL        string
	ChainID         string
	GasLimit        uint64
	GasPrice        uint64
}

// Result is the normalized outcome of one settlement invocation.
type Result struct {
	OK         bool
	ReturnCode int
	Stdout     string
	Stderr     string
}

// Executor shells out to the chain tool's "contract call" subcommand.
type Executor struct {
	cfg Config
}

// New validates cfg and returns an Executor, or agency.ErrConfigMissing
// if billing was requested without the fields the chain tool needs.
func New(cfg Config) (*Executor, error) {
	if cfg.ContractAddress == "" || cfg.OperatorPemPath == "" {
		return nil, fmt.Errorf("%w: escrow contract address and operator pem path are required", agency.ErrConfigMissing)
	}
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "clawpy"
	}
	return &Executor{cfg: cfg}, nil
}

// Bill invokes the external tool for one (agent, epoch, windows)
// triple. Only the process exit code determines success; stdout is
// never interpreted.
func (e *Executor) Bill(ctx context.Context, agentAddress string, epoch, windows int64) (Result, error) {
	args := []string{
		"contract", "call", e.cfg.ContractAddress,
		"--function", "billEpoch",
		"--arguments", agentAddress, strconv.FormatInt(epoch, 10), strconv.FormatInt(windows, 10),
		"--gas-limit", strconv.FormatUint(e.cfg.GasLimit, 10),
		"--gas-price", strconv.FormatUint(e.cfg.GasPrice, 10),
		"--chain", e.cfg.ChainID,
		"--proxy", e.cfg.ProxyURL,
		"--pem", e.cfg.OperatorPemPath,
		"--send",
	}

	cmd := exec.CommandContext(ctx, e.cfg.BinaryPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	returnCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			returnCode = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("settlement: run %s: %w", e.cfg.BinaryPath, err)
		}
	}

	return Result{
		OK:         returnCode == 0,
		ReturnCode: returnCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
	}, nil
}
