package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"streamagency/internal/admin"
	"streamagency/internal/store"
	"streamagency/internal/streamclient"
)

type fakeStream struct{}

func (fakeStream) PostStream(ctx context.Context, streamURL, address, signature string) (streamclient.Outcome, error) {
	return streamclient.Outcome{}, nil
}

func newTestServer(t *testing.T, token string) *Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agency.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	surface := admin.New(st, fakeStream{}, nil, "https://stream.example/stream", 360, 20)
	return New(surface, token, nil)
}

func TestHealthUnauthenticated(t *testing.T) {
	srv := newTestServer(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestEnrollRequiresAuth(t *testing.T) {
	srv := newTestServer(t, "secret")
	body := strings.NewReader(`{"address":"claw1abc","signature":"sig","fee_bps":100}`)
	req := httptest.NewRequest(http.MethodPost, "/enroll", body)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestEnrollWithBearerToken(t *testing.T) {
	srv := newTestServer(t, "secret")
	body := strings.NewReader(`{"address":"claw1abc","signature":"sig","fee_bps":100}`)
	req := httptest.NewRequest(http.MethodPost, "/enroll", body)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["ok"] != true {
		t.Fatalf("expected ok=true, got %+v", resp)
	}
}

func TestEnrollValidationReturns400(t *testing.T) {
	srv := newTestServer(t, "")
	body := strings.NewReader(`{"address":"bad","signature":"sig","fee_bps":100}`)
	req := httptest.NewRequest(http.MethodPost, "/enroll", body)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAgentNotFoundReturns404(t *testing.T) {
	srv := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/agent?address=claw1missing", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
