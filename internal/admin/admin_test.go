package admin

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"streamagency/internal/agency"
	"streamagency/internal/store"
	"streamagency/internal/streamclient"
)

type fakeStream struct {
	outcome streamclient.Outcome
	err     error
}

func (f *fakeStream) PostStream(ctx context.Context, streamURL, address, signature string) (streamclient.Outcome, error) {
	return f.outcome, f.err
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "agency.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnrollValidatesAddress(t *testing.T) {
	st := newTestStore(t)
	surf := New(st, &fakeStream{}, nil, "https://stream.example/stream", 360, 20)

	_, err := surf.Enroll(context.Background(), EnrollParams{Address: "not-bech32", Signature: "abc", FeeBps: 100})
	if !errors.Is(err, agency.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestEnrollValidatesFeeBps(t *testing.T) {
	st := newTestStore(t)
	surf := New(st, &fakeStream{}, nil, "https://stream.example/stream", 360, 20)

	_, err := surf.Enroll(context.Background(), EnrollParams{Address: "claw1abc", Signature: "abc", FeeBps: 20000})
	if !errors.Is(err, agency.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestEnrollStripsSignaturePrefix(t *testing.T) {
	st := newTestStore(t)
	surf := New(st, &fakeStream{}, nil, "https://stream.example/stream", 360, 20)

	agent, err := surf.Enroll(context.Background(), EnrollParams{Address: "claw1abc", Signature: "0xdeadbeef", FeeBps: 100})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if agent.StreamSig != "deadbeef" {
		t.Fatalf("expected stripped signature, got %q", agent.StreamSig)
	}
}

func TestEnrollWithProbeRejectsWithoutEndStream(t *testing.T) {
	st := newTestStore(t)
	surf := New(st, &fakeStream{outcome: streamclient.Outcome{OK: true, StatusCode: 200}}, nil, "https://stream.example/stream", 360, 20)

	_, err := surf.Enroll(context.Background(), EnrollParams{Address: "claw1abc", Signature: "sig", FeeBps: 0, Probe: true})
	if !errors.Is(err, agency.ErrStreamTransient) {
		t.Fatalf("expected ErrStreamTransient, got %v", err)
	}
}

func TestEnrollWithProbeAcceptsSuccess(t *testing.T) {
	st := newTestStore(t)
	end := int64(1_000_000)
	// Non-default lead/jitter, to catch the probe path silently falling
	// back to some hardcoded formula instead of the configured values.
	surf := New(st, &fakeStream{outcome: streamclient.Outcome{OK: true, StatusCode: 200, EndStreamMs: &end}}, nil, "https://stream.example/stream", 500, 60).
		WithJitter(func(n int64) int64 { return 7 })

	agent, err := surf.Enroll(context.Background(), EnrollParams{Address: "claw1abc", Signature: "sig", FeeBps: 0, Probe: true})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if agent.ExpectedEndMs == nil || *agent.ExpectedEndMs != end {
		t.Fatalf("expected probe to set expected_end_ms, got %+v", agent)
	}
	wantNext := end - 500*1000 + 7
	if agent.NextAttemptMs == nil || *agent.NextAttemptMs != wantNext {
		t.Fatalf("expected next_attempt_ms computed with configured lead/jitter (%d), got %+v", wantNext, agent)
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	surf := New(st, &fakeStream{}, nil, "https://stream.example/stream", 360, 20)

	if _, err := surf.Enroll(ctx, EnrollParams{Address: "claw1abc", Signature: "sig", FeeBps: 100}); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if err := surf.Pause(ctx, "claw1abc"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	agent, err := surf.Agent(ctx, "claw1abc")
	if err != nil || agent.Status != agency.StatusPaused {
		t.Fatalf("expected paused, got %+v err=%v", agent, err)
	}

	if err := surf.Resume(ctx, "claw1abc"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	agent, err = surf.Agent(ctx, "claw1abc")
	if err != nil || agent.Status != agency.StatusActive {
		t.Fatalf("expected active, got %+v err=%v", agent, err)
	}
}

func TestRemoveNotFound(t *testing.T) {
	st := newTestStore(t)
	surf := New(st, &fakeStream{}, nil, "https://stream.example/stream", 360, 20)

	err := surf.Remove(context.Background(), "claw1missing")
	if !errors.Is(err, agency.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
