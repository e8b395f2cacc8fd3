package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danielpatrickdp/evolution-engine/internal/api"
)

// apiClient talks to a running daemon.
type apiClient struct {
	base string
	http *http.Client
}

func newClient(base string) *apiClient {
	return &apiClient{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 30 * time.Second}}
}

// apiError carries the daemon's error body.
type apiError struct {
	Status int
	Body   api.ErrorResponse
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("%d %s: %s", e.Status, e.Body.Code, e.Body.Error)
	if len(e.Body.Reasons) > 0 {
		msg += " (" + strings.Join(e.Body.Reasons, "; ") + ")"
	}
	return msg
}

// do sends body as JSON and decodes a 2xx response into out. The raw body is
// returned so --json can print it unchanged.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if resp.StatusCode >= 300 {
		e := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(raw, &e.Body)
		// A rejected proposal is a 422 with a result body, not an error body.
		if resp.StatusCode == http.StatusUnprocessableEntity && e.Body.Error == "" && out != nil {
			if err := json.Unmarshal(raw, out); err == nil {
				return resp.StatusCode, raw, nil
			}
		}
		if e.Body.Error == "" {
			e.Body.Error = strings.TrimSpace(string(raw))
		}
		return resp.StatusCode, raw, e
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, raw, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return resp.StatusCode, raw, nil
}
