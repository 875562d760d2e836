// Package backend talks to Ollama-protocol inference nodes and tracks their
// health and load.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Sentinel errors for backend client failures.
var (
	ErrUnavailable = errors.New("backend unavailable")
	ErrTimeout     = errors.New("backend request timeout")
	ErrBadResponse = errors.New("backend returned invalid response")
)

// Client is the interface for talking to one inference backend at a time.
// Every method takes the backend base URL so a single client serves the
// whole pool.
type Client interface {
	ChatCompletion(ctx context.Context, baseURL string, request json.RawMessage) (json.RawMessage, *CompletionStats, error)
	Tags(ctx context.Context, baseURL string) ([]ModelInfo, error)
	Ps(ctx context.Context, baseURL string) ([]LoadedModel, error)
	Version(ctx context.Context, baseURL string) (string, error)
}

// CompletionStats carries the timing figures a completion response reports.
type CompletionStats struct {
	Duration        time.Duration
	TokensPerSecond float64
}

// ModelInfo is one entry from a backend's model list.
type ModelInfo struct {
	Name       string `json:"name"`
	Model      string `json:"model"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

// LoadedModel is one entry from a backend's loaded-model report.
type LoadedModel struct {
	Name      string `json:"name"`
	Model     string `json:"model"`
	Size      int64  `json:"size"`
	SizeVRAM  int64  `json:"size_vram"`
	ExpiresAt string `json:"expires_at"`
}

// HTTPClient implements Client over the Ollama HTTP API.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates a backend client. The timeout bounds every request,
// chat completions included, so it should match the job execution budget.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{client: &http.Client{Timeout: timeout}}
}

// ChatCompletion runs a non-streaming chat request. The stored request payload
// is forwarded as-is except that streaming is forced off: results land in the
// job row, not on a live connection.
func (c *HTTPClient) ChatCompletion(ctx context.Context, baseURL string, request json.RawMessage) (json.RawMessage, *CompletionStats, error) {
	var payload map[string]any
	if err := json.Unmarshal(request, &payload); err != nil {
		return nil, nil, fmt.Errorf("%w: decoding stored request: %v", ErrBadResponse, err)
	}
	payload["stream"] = false

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding chat request: %w", err)
	}

	u := fmt.Sprintf("%s/api/chat", baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, nil, fmt.Errorf("%w: decoding chat response: %v", ErrBadResponse, err)
	}

	stats := &CompletionStats{Duration: time.Since(start)}
	var timing struct {
		EvalCount    int64 `json:"eval_count"`
		EvalDuration int64 `json:"eval_duration"`
	}
	if err := json.Unmarshal(raw, &timing); err == nil && timing.EvalDuration > 0 {
		stats.TokensPerSecond = float64(timing.EvalCount) / (float64(timing.EvalDuration) / float64(time.Second))
	}

	return raw, stats, nil
}

func (c *HTTPClient) Tags(ctx context.Context, baseURL string) ([]ModelInfo, error) {
	u := fmt.Sprintf("%s/api/tags", baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
	}

	var tagsResp struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tagsResp); err != nil {
		return nil, fmt.Errorf("%w: decoding tags response: %v", ErrBadResponse, err)
	}

	return tagsResp.Models, nil
}

func (c *HTTPClient) Ps(ctx context.Context, baseURL string) ([]LoadedModel, error) {
	u := fmt.Sprintf("%s/api/ps", baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
	}

	var psResp struct {
		Models []LoadedModel `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&psResp); err != nil {
		return nil, fmt.Errorf("%w: decoding ps response: %v", ErrBadResponse, err)
	}

	return psResp.Models, nil
}

// Version doubles as the health ping.
func (c *HTTPClient) Version(ctx context.Context, baseURL string) (string, error) {
	u := fmt.Sprintf("%s/api/version", baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var versionResp struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&versionResp); err != nil {
		return "", fmt.Errorf("%w: decoding version response: %v", ErrBadResponse, err)
	}

	return versionResp.Version, nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
