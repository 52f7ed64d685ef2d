package walletpem

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// writeFakeBinary writes a shell script that dispatches on its second
// argument ("convert" vs "sign-message") so one fake stands in for both
// clawpy invocations Derive makes.
func writeFakeBinary(t *testing.T, convertOutput, signOutput string) string {
	t.Helper()
	script := `#!/bin/sh
if [ "$2" = "convert" ]; then
  echo "` + convertOutput + `"
elif [ "$2" = "sign-message" ]; then
  echo "` + signOutput + `"
fi
`
	path := filepath.Join(t.TempDir(), "fake-clawpy.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return path
}

func TestDeriveExtractsAddressAndSignature(t *testing.T) {
	bin := writeFakeBinary(t,
		"bech32 address: claw1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq derived ok",
		"signed payload 0xdeadbeefcafe end",
	)

	address, signature, err := Derive(context.Background(), bin, "/tmp/key.pem")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if address != "claw1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq" {
		t.Fatalf("unexpected address: %q", address)
	}
	if signature != "0xdeadbeefcafe" {
		t.Fatalf("unexpected signature: %q", signature)
	}
}

func TestDeriveFailsOnUnparseableAddress(t *testing.T) {
	bin := writeFakeBinary(t, "nothing useful here", "0xdeadbeef")

	if _, _, err := Derive(context.Background(), bin, "/tmp/key.pem"); err == nil {
		t.Fatalf("expected error for unparseable address output")
	}
}

func TestDeriveFailsOnUnparseableSignature(t *testing.T) {
	bin := writeFakeBinary(t, "claw1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq", "nothing useful here")

	if _, _, err := Derive(context.Background(), bin, "/tmp/key.pem"); err == nil {
		t.Fatalf("expected error for unparseable signature output")
	}
}
