package epoch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCurrentEpochFromPrimary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": {"status": {"erd_epoch": 42}}}`))
	}))
	defer srv.Close()

	o := New()
	got, err := o.CurrentEpoch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Fatalf("expected epoch 42, got %d", got)
	}
}

func TestCurrentEpochFallsBackToSecondEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/network/status/4294967295" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"data": {"metrics": {"erd_epoch": 7}}}`))
	}))
	defer srv.Close()

	o := New()
	got, err := o.CurrentEpoch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 7 {
		t.Fatalf("expected epoch 7, got %d", got)
	}
}

func TestCurrentEpochUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	o := New()
	_, err := o.CurrentEpoch(context.Background(), srv.URL)
	if err == nil {
		t.Fatalf("expected error when no epoch field present")
	}
}
