package share

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"sharepilot/internal/job"
)

// RefreshClient calls a per-job credential refresh endpoint:
// POST {"jobId": "..."} -> {"cookies": [...]}.
//
// Outgoing calls share one token bucket so a burst of stale sessions does not
// hammer the credential service.
type RefreshClient struct {
	hc      *http.Client
	limiter *rate.Limiter
}

type RefreshConfig struct {
	RatePerSec int           // default 2
	Timeout    time.Duration // per request, default 15s
}

func NewRefreshClient(cfg RefreshConfig, hc *http.Client) *RefreshClient {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &RefreshClient{
		hc:      hc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

type refreshRequest struct {
	JobID string `json:"jobId"`
}

type refreshResponse struct {
	Cookies []job.Cookie `json:"cookies"`
}

const maxRefreshBody = 1 << 20

func (c *RefreshClient) Refresh(ctx context.Context, endpoint, jobID string) ([]job.Cookie, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fail(CodeAuthRefreshFailed, "throttled", err)
	}
	body, err := json.Marshal(refreshRequest{JobID: jobID})
	if err != nil {
		return nil, fail(CodeAuthRefreshFailed, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fail(CodeAuthRefreshFailed, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fail(CodeAuthRefreshFailed, "request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxRefreshBody))
		return nil, fail(CodeAuthRefreshFailed, fmt.Sprintf("auth refresh failed with status %d", resp.StatusCode), nil)
	}
	var out refreshResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRefreshBody)).Decode(&out); err != nil {
		return nil, fail(CodeAuthRefreshFailed, "decode response", err)
	}
	if len(out.Cookies) == 0 {
		return nil, fail(CodeAuthRefreshFailed, "", ErrRefreshNoCookies)
	}
	return out.Cookies, nil
}
