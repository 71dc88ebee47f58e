package llm

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxBackoff = 8 * time.Second

// retryDoer sends OpenRouter requests with rate limiting, attribution
// headers, and retries on 429 and 5xx responses.
type retryDoer struct {
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	referer    string
	title      string
	logger     *zap.Logger
}

func newRetryDoer(cfg Config, logger *zap.Logger) *retryDoer {
	limit := rate.Inf
	burst := 1
	if cfg.RatePerMin > 0 {
		limit = rate.Limit(cfg.RatePerMin / 60)
		burst = max(1, int(cfg.RatePerMin/10))
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &retryDoer{
		client:     &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: cfg.MaxRetries,
		backoff:    backoff,
		referer:    cfg.Referer,
		title:      cfg.Title,
		logger:     logger,
	}
}

// Do implements the langchaingo openai client's Doer.
func (d *retryDoer) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if d.referer != "" {
		req.Header.Set("HTTP-Referer", d.referer)
	}
	if d.title != "" {
		req.Header.Set("X-Title", d.title)
	}

	canRewind := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	for attempt := 0; ; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("llm rate limit: %w", err)
		}
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
			req.Body = body
		}

		resp, err := d.client.Do(req)
		if err != nil {
			if ctx.Err() != nil || attempt >= d.maxRetries || !canRewind {
				return nil, err
			}
			d.logger.Warn("llm request failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
			if err := sleep(ctx, d.delay(attempt, "")); err != nil {
				return nil, err
			}
			continue
		}
		if !retryable(resp.StatusCode) || attempt >= d.maxRetries || !canRewind {
			return resp, nil
		}

		wait := d.delay(attempt, resp.Header.Get("Retry-After"))
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		d.logger.Warn("llm request retrying",
			zap.Int("status", resp.StatusCode),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
		)
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// delay returns the Retry-After value when it is given in seconds, and
// exponential backoff with jitter otherwise.
func (d *retryDoer) delay(attempt int, retryAfter string) time.Duration {
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
		return min(time.Duration(secs)*time.Second, maxBackoff)
	}
	wait := d.backoff << attempt
	if wait > maxBackoff || wait <= 0 {
		wait = maxBackoff
	}
	return wait/2 + rand.N(wait/2+1)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
