// Package streamclient issues the one HTTP call the daemon makes per
// due agent: a POST asking the remote stream service to keep an
// agent's window alive.
package streamclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"
)

const requestTimeout = 20 * time.Second

// endStreamFields is the ordered list of JSON fields checked for the
// server-declared stream-end instant; the first present integer wins.
var endStreamFields = []string{"end_stream", "can_stream_again_at"}

// Outcome is the normalized result of one stream call.
type Outcome struct {
	OK          bool
	StatusCode  int
	Body        string
	EndStreamMs *int64
}

// AlreadyStreaming reports whether the response is the 403
// "already streaming" reply the service sends when an agent is still
// armed from a previous request.
func (o Outcome) AlreadyStreaming() bool {
	return !o.OK && o.StatusCode == http.StatusForbidden &&
		strings.Contains(strings.ToLower(o.Body), "already streaming")
}

// Client posts keep-streaming requests to a configured stream endpoint.
type Client struct {
	httpClient *http.Client
}

// New returns a Client using a fresh http.Client with the spec's
// 20-second request timeout.
func New() *Client {
	return &Client{httpClient: &http.Client{Timeout: requestTimeout}}
}

// PostStream sends the keep-streaming request for one agent. Network
// failures are reported as ok=false, status=0, with the error folded
// into Body (matching the Python source's "URLError: <detail>"
// convention) rather than as a Go error, since a transport failure here
// is Scheduler input, not a programmer error.
func (c *Client) PostStream(ctx context.Context, streamURL, address, signature string) (Outcome, error) {
	signature = strings.TrimPrefix(signature, "0x")

	payload, err := json.Marshal(map[string]string{
		"signature": signature,
		"message":   "stream",
		"address":   address,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("streamclient: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, streamURL, bytes.NewReader(payload))
	if err != nil {
		return Outcome{}, fmt.Errorf("streamclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Outcome{OK: false, StatusCode: 0, Body: "URLError: " + err.Error()}, nil
	}
	defer resp.Body.Close()

	body := new(bytes.Buffer)
	if _, err := body.ReadFrom(resp.Body); err != nil {
		return Outcome{OK: false, StatusCode: resp.StatusCode, Body: "URLError: " + err.Error()}, nil
	}

	out := Outcome{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		Body:       body.String(),
	}
	out.EndStreamMs = extractEndStreamMs(body.Bytes())
	return out, nil
}

func extractEndStreamMs(raw []byte) *int64 {
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil
	}
	for _, field := range endStreamFields {
		v, ok := parsed[field]
		if !ok {
			continue
		}
		// Only a JSON number is accepted, matching the original's
		// isinstance(value, int) check — strings are not coerced.
		if n, ok := v.(float64); ok && n == math.Trunc(n) {
			val := int64(n)
			return &val
		}
	}
	return nil
}
