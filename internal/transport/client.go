package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go-accurate-puller/internal/model"
	"go-accurate-puller/internal/pullerr"
)

// RequestSigner adds auth headers to an outgoing request
type RequestSigner interface {
	Apply(req *http.Request) error
}

// Paging is the "sp" block of a list response
type Paging struct {
	Page      int `json:"page"`
	PageSize  int `json:"pageSize"`
	PageCount int `json:"pageCount"`
	RowCount  int `json:"rowCount"`
}

// Response is the {"s","d","sp"} envelope every Accurate endpoint returns
type Response struct {
	Success bool            `json:"s"`
	Data    json.RawMessage `json:"d"`
	Paging  *Paging         `json:"sp,omitempty"`
}

// ClientOptions wires a Client. Signer and Limiter are required.
type ClientOptions struct {
	BaseURL    string // host returned by discovery, without the /accurate suffix
	HTTPClient *http.Client
	Signer     RequestSigner
	Limiter    *Limiter
	Policy     model.RetryPolicy
	Logger     *slog.Logger
	// Sleep overrides the backoff wait, for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client is the retrying transport. It is safe for concurrent use; all
// callers share its Limiter and Stats.
type Client struct {
	http    *http.Client
	base    string
	signer  RequestSigner
	limiter *Limiter
	policy  model.RetryPolicy
	stats   *Stats
	log     *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewClient validates options and builds a Client
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("transport: base url is required")
	}
	if opts.Signer == nil || opts.Limiter == nil {
		return nil, errors.New("transport: signer and limiter are required")
	}
	opts = opts.withDefaults()
	return &Client{
		http:    opts.HTTPClient,
		base:    strings.TrimRight(opts.BaseURL, "/") + "/accurate",
		signer:  opts.Signer,
		limiter: opts.Limiter,
		policy:  opts.Policy,
		stats:   newStats(),
		log:     opts.Logger.With("component", "transport"),
		sleep:   opts.Sleep,
	}, nil
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
	return o
}

// Stats exposes the per-endpoint counters
func (c *Client) Stats() *Stats { return c.stats }

// Execute issues one logical GET, retrying transient failures.
//
// 429, 5xx, network errors and unreadable bodies are retried with
// exponential backoff. 401/403 are fatal. Other 4xx and s=false are
// permanent. Retries that run out surface as pullerr.KindRetryable.
func (c *Client) Execute(ctx context.Context, endpoint string, params url.Values) (*Response, error) {
	var resp *Response
	err := c.retrier().do(ctx, endpoint, func() (int, error) {
		r, status, err := c.roundTrip(ctx, endpoint, params)
		resp = r
		return status, err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) retrier() retrier {
	return retrier{limiter: c.limiter, policy: c.policy, log: c.log, sleep: c.sleep}
}

// retrier runs one logical request through the shared Limiter and the
// backoff policy. attempt reports retryable failures as *transientError.
type retrier struct {
	limiter *Limiter
	policy  model.RetryPolicy
	log     *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func (r retrier) do(ctx context.Context, endpoint string, attempt func() (int, error)) error {
	attempts := r.policy.Attempts()
	var lastErr error
	var lastStatus int

	for n := 1; n <= attempts; n++ {
		if err := r.limiter.Acquire(ctx); err != nil {
			return err
		}

		status, err := attempt()
		if err == nil {
			r.limiter.OnSuccess()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var te *transientError
		if !errors.As(err, &te) {
			return err
		}
		lastErr, lastStatus = te.err, status
		if n == attempts {
			break
		}

		wait := r.backoff(n)
		r.log.Warn("⏳ transient failure, backing off",
			"endpoint", endpoint, "status", status, "attempt", n,
			"max_attempts", attempts, "backoff", wait, "error", te.err)
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}

	r.log.Error("❌ retries exhausted", "endpoint", endpoint, "attempts", attempts, "status", lastStatus)
	return pullerr.Exhausted(endpoint, attempts, lastStatus, lastErr)
}

// backoff is the policy delay for retry k plus up to Jitter*delay of noise
func (r retrier) backoff(k int) time.Duration {
	d := r.policy.Backoff(k)
	if r.policy.Jitter > 0 {
		if span := int64(float64(d) * r.policy.Jitter); span > 0 {
			d += time.Duration(rand.Int63n(span))
		}
	}
	return d
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func (c *Client) roundTrip(ctx context.Context, endpoint string, params url.Values) (*Response, int, error) {
	u := c.base + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, pullerr.Permanent("build request", endpoint, 0, err)
	}
	if err := c.signer.Apply(req); err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.stats.recordFailure(endpoint, time.Since(start))
		return nil, 0, &transientError{err: err}
	}
	defer res.Body.Close()
	body, readErr := io.ReadAll(res.Body)
	latency := time.Since(start)
	status := res.StatusCode

	switch {
	case status == http.StatusTooManyRequests:
		c.stats.recordRateLimit(endpoint, latency)
		c.limiter.OnThrottle()
		return nil, status, &transientError{err: fmt.Errorf("rate limited (HTTP %d)", status)}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		c.stats.recordFailure(endpoint, latency)
		return nil, status, &pullerr.Error{
			Kind: pullerr.KindFatal, Op: "execute", Endpoint: endpoint, Status: status,
			Err: fmt.Errorf("%w: check the API token, the signature secret and the X-Api-Timestamp format/timezone: %s",
				pullerr.ErrUnauthorized, snippet(body)),
		}
	case status >= 500:
		c.stats.recordFailure(endpoint, latency)
		return nil, status, &transientError{err: fmt.Errorf("server error (HTTP %d): %s", status, snippet(body))}
	case status >= 400:
		c.stats.recordFailure(endpoint, latency)
		return nil, status, pullerr.Permanent("execute", endpoint, status, fmt.Errorf("HTTP %d: %s", status, snippet(body)))
	case status < 200 || status >= 300:
		c.stats.recordFailure(endpoint, latency)
		return nil, status, pullerr.Permanent("execute", endpoint, status, fmt.Errorf("unexpected HTTP %d", status))
	}

	if readErr != nil {
		c.stats.recordFailure(endpoint, latency)
		return nil, status, &transientError{err: fmt.Errorf("read body: %w", readErr)}
	}
	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		c.stats.recordFailure(endpoint, latency)
		return nil, status, &transientError{err: fmt.Errorf("decode body: %w", err)}
	}
	if !out.Success {
		c.stats.recordFailure(endpoint, latency)
		return nil, status, pullerr.Permanent("execute", endpoint, status, fmt.Errorf("%w: %s", pullerr.ErrAPI, apiMessage(out.Data)))
	}
	c.stats.recordSuccess(endpoint, latency)
	return &out, status, nil
}

// apiMessage pulls a readable message out of the "d" of a failed response
func apiMessage(d json.RawMessage) string {
	var s string
	if json.Unmarshal(d, &s) == nil {
		return s
	}
	var list []string
	if json.Unmarshal(d, &list) == nil {
		return strings.Join(list, "; ")
	}
	var obj map[string]interface{}
	if json.Unmarshal(d, &obj) == nil {
		if msg, ok := obj["error"]; ok {
			return fmt.Sprint(msg)
		}
	}
	return snippet(d)
}

func snippet(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
