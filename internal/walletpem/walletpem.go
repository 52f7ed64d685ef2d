// Package walletpem derives an address and a reusable "stream" message
// signature from a wallet PEM file by shelling out to the same external
// clawpy binary the Settlement Executor uses: one "wallet convert" call
// to recover the bech32 address, one "wallet sign-message" call to
// produce the signature, matching enroll_from_pem/_run_clawpy in the
// original implementation.
package walletpem

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
)

var (
	addressPattern   = regexp.MustCompile(`claw1[0-9a-z]+`)
	signaturePattern = regexp.MustCompile(`0x[0-9a-fA-F]+`)
)

// runClawpy invokes binary with args and returns stdout+stderr
// concatenated, matching the original's (proc.stdout + "\n" +
// proc.stderr) convention. A non-zero exit is an error.
func runClawpy(ctx context.Context, binary string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("walletpem: %s %v failed: %w\nstdout:\n%s\nstderr:\n%s", binary, args, err, stdout.String(), stderr.String())
	}
	return stdout.String() + "\n" + stderr.String(), nil
}

// Derive recovers the bech32 address from the PEM via "wallet convert"
// and a reusable "stream" message signature via "wallet sign-message",
// extracting each with an unanchored regex over the combined
// stdout/stderr, since clawpy's output is not a labeled key/value
// format.
func Derive(ctx context.Context, binary, pemPath string) (address, signature string, err error) {
	if binary == "" {
		binary = "clawpy"
	}

	addressOutput, err := runClawpy(ctx, binary, "wallet", "convert", "--infile", pemPath, "--in-format", "pem", "--out-format", "address-bech32")
	if err != nil {
		return "", "", err
	}
	addrMatch := addressPattern.FindString(addressOutput)
	if addrMatch == "" {
		return "", "", fmt.Errorf("walletpem: unable to parse claw address from output:\n%s", addressOutput)
	}

	signatureOutput, err := runClawpy(ctx, binary, "wallet", "sign-message", "--pem", pemPath, "--message", "stream")
	if err != nil {
		return "", "", err
	}
	sigMatch := signaturePattern.FindString(signatureOutput)
	if sigMatch == "" {
		return "", "", fmt.Errorf("walletpem: unable to parse signature from output:\n%s", signatureOutput)
	}

	return addrMatch, sigMatch, nil
}
