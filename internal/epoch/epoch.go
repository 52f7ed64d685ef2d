// Package epoch queries the remote chain-status endpoint for the
// current epoch number.
package epoch

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"streamagency/internal/agency"
)

const requestTimeout = 20 * time.Second

// Oracle is stateless; it holds only the http.Client used for requests.
type Oracle struct {
	httpClient *http.Client
}

// New returns an Oracle with the spec's 20-second request timeout.
func New() *Oracle {
	return &Oracle{httpClient: &http.Client{Timeout: requestTimeout}}
}

// CurrentEpoch queries base+"/network/status/4294967295" and, on any
// failure, falls back to base+"/network/status". Returns
// agency.ErrEpochUnavailable if neither response yields a known
// integer epoch field.
func (o *Oracle) CurrentEpoch(ctx context.Context, baseURL string) (int64, error) {
	primary := baseURL + "/network/status/4294967295"
	if v, ok := o.fetch(ctx, primary); ok {
		return v, nil
	}

	fallback := baseURL + "/network/status"
	if v, ok := o.fetch(ctx, fallback); ok {
		return v, nil
	}

	return 0, fmt.Errorf("%w: no epoch field in %s or %s", agency.ErrEpochUnavailable, primary, fallback)
}

func (o *Oracle) fetch(ctx context.Context, url string) (int64, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, false
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, false
	}

	var parsed map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, false
	}

	return extractEpoch(parsed)
}

// extractEpoch walks data.status.{erd_epoch|erd_epoch_number|epoch}
// then data.metrics.erd_epoch, returning the first integer found.
func extractEpoch(parsed map[string]any) (int64, bool) {
	data, _ := parsed["data"].(map[string]any)
	if data == nil {
		return 0, false
	}

	if status, ok := data["status"].(map[string]any); ok {
		for _, key := range []string{"erd_epoch", "erd_epoch_number", "epoch"} {
			if v, ok := asInt64(status[key]); ok {
				return v, true
			}
		}
	}
	if metrics, ok := data["metrics"].(map[string]any); ok {
		if v, ok := asInt64(metrics["erd_epoch"]); ok {
			return v, true
		}
	}
	return 0, false
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}
