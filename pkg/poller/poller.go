// Package poller implements the client side of the task status protocol: a
// resumable polling loop with server-directed pacing and capped exponential
// backoff.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Terminal outcomes.
var (
	// ErrGenerationFailed means the server reported the task as failed.
	// The spent credits have been or will be refunded server-side.
	ErrGenerationFailed = errors.New("generation failed")
	// ErrResultMissing means the task completed but its artifact is gone.
	ErrResultMissing = errors.New("generation completed but result is missing")
	// ErrTimeout means the attempt or elapsed budget ran out while the
	// task was still in flight. Polling may be resumed with a new call.
	ErrTimeout = errors.New("polling budget exhausted")
)

type Config struct {
	// BaseDelay paces the first poll and seeds the backoff. Default 5s.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff. A server Retry-After is exempt
	// from this cap but is clipped to the remaining MaxElapsed budget.
	// Default 30s.
	MaxDelay time.Duration
	// Factor is the backoff multiplier. Default 1.4.
	Factor float64
	// MaxAttempts bounds the number of polls. Default 24.
	MaxAttempts int
	// MaxElapsed bounds the total wait. Default 3m.
	MaxElapsed time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Factor <= 1 {
		c.Factor = 1.4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 24
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = 3 * time.Minute
	}
	return c
}

// Wrap is the artifact payload returned on completion.
type Wrap struct {
	ID            string `json:"id"`
	TaskID        string `json:"task_id"`
	Name          string `json:"name"`
	NameEN        string `json:"name_en,omitempty"`
	Slug          string `json:"slug"`
	TextureURL    string `json:"texture_url"`
	PreviewURL    string `json:"preview_url,omitempty"`
	ModelSlug     string `json:"model_slug"`
	DownloadCount int    `json:"download_count"`
}

type statusBody struct {
	Status   string `json:"status"`
	TaskID   string `json:"task_id"`
	Error    string `json:"error"`
	Refunded bool   `json:"refunded"`
	Wrap     *Wrap  `json:"wrap"`
}

type Poller struct {
	client *http.Client
	cfg    Config
}

func New(client *http.Client, cfg Config) *Poller {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Poller{client: client, cfg: cfg.withDefaults()}
}

// Wait polls statusURL until the task reaches a terminal state or the budget
// runs out. token is sent as a bearer credential. Rate-limit responses and
// transient transport errors are retried within the same budget.
func (p *Poller) Wait(ctx context.Context, statusURL, token string) (*Wrap, error) {
	start := time.Now()
	delay := p.cfg.BaseDelay

	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		// Clip the next wait to whatever budget is left so a long server
		// Retry-After cannot push the final poll past MaxElapsed.
		remaining := p.cfg.MaxElapsed - time.Since(start)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		if delay > remaining {
			delay = remaining
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}

		wrap, retryAfter, err := p.poll(ctx, statusURL, token)
		if err == nil {
			return wrap, nil
		}
		if errors.Is(err, ErrGenerationFailed) || errors.Is(err, ErrResultMissing) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if retryAfter > 0 {
			delay = retryAfter
		} else {
			delay = p.backoff(attempt + 1)
		}
	}
	return nil, ErrTimeout
}

// errStillProcessing marks a poll that must be retried.
var errStillProcessing = errors.New("still processing")

func (p *Poller) poll(ctx context.Context, statusURL, token string) (*Wrap, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, retryAfter, errStillProcessing
	case resp.StatusCode == http.StatusAccepted:
		return nil, retryAfter, errStillProcessing
	case resp.StatusCode >= 500:
		return nil, retryAfter, fmt.Errorf("poll: server status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, 0, fmt.Errorf("poll: unexpected status %d: %s", resp.StatusCode, body)
	}

	var status statusBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&status); err != nil {
		return nil, retryAfter, fmt.Errorf("poll: decode body: %w", err)
	}

	switch status.Status {
	case "completed":
		if status.Wrap == nil || status.Wrap.TextureURL == "" {
			return nil, 0, ErrResultMissing
		}
		return status.Wrap, 0, nil
	case "completed_missing":
		return nil, 0, ErrResultMissing
	case "failed":
		if status.Error != "" {
			return nil, 0, fmt.Errorf("%w: %s", ErrGenerationFailed, status.Error)
		}
		return nil, 0, ErrGenerationFailed
	default:
		return nil, retryAfter, errStillProcessing
	}
}

// backoff returns the delay before poll number attempt (1-based), capped at
// MaxDelay.
func (p *Poller) backoff(attempt int) time.Duration {
	d := time.Duration(float64(p.cfg.BaseDelay) * math.Pow(p.cfg.Factor, float64(attempt)))
	if d > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return d
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
