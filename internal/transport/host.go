package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go-accurate-puller/internal/pullerr"
)

// DefaultTokenURL answers which regional host serves the caller's database
const DefaultTokenURL = "https://account.accurate.id/api/api-token.do"

const discoverOp = "discover host"

// DiscoverHost performs the signed handshake that returns the API host.
//
// It goes through the same Limiter and retry policy as Execute: 429, 5xx
// and network errors are retried, 401/403 are fatal. Any other failure is
// fatal since no request can be routed without a host. BaseURL in opts is
// ignored.
func DiscoverHost(ctx context.Context, opts ClientOptions, tokenURL string) (string, error) {
	if opts.Signer == nil || opts.Limiter == nil {
		return "", errors.New("transport: signer and limiter are required")
	}
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	opts = opts.withDefaults()
	r := retrier{limiter: opts.Limiter, policy: opts.Policy, log: opts.Logger.With("component", "transport"), sleep: opts.Sleep}

	var host string
	err := r.do(ctx, discoverOp, func() (int, error) {
		h, status, err := handshake(ctx, opts, tokenURL)
		host = h
		return status, err
	})
	if err != nil {
		return "", err
	}
	return host, nil
}

func handshake(ctx context.Context, opts ClientOptions, tokenURL string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, nil)
	if err != nil {
		return "", 0, pullerr.Fatal(discoverOp, err)
	}
	if err := opts.Signer.Apply(req); err != nil {
		return "", 0, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := opts.HTTPClient.Do(req)
	if err != nil {
		return "", 0, &transientError{err: err}
	}
	defer res.Body.Close()
	body, readErr := io.ReadAll(res.Body)
	status := res.StatusCode

	switch {
	case status == http.StatusTooManyRequests:
		opts.Limiter.OnThrottle()
		return "", status, &transientError{err: fmt.Errorf("rate limited (HTTP %d)", status)}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "", status, &pullerr.Error{Kind: pullerr.KindFatal, Op: discoverOp, Status: status,
			Err: fmt.Errorf("%w: check the API token and signature secret", pullerr.ErrUnauthorized)}
	case status >= 500:
		return "", status, &transientError{err: fmt.Errorf("server error (HTTP %d): %s", status, snippet(body))}
	case status != http.StatusOK:
		return "", status, &pullerr.Error{Kind: pullerr.KindFatal, Op: discoverOp, Status: status,
			Err: fmt.Errorf("unexpected HTTP %d: %s", status, snippet(body))}
	}
	if readErr != nil {
		return "", status, &transientError{err: fmt.Errorf("read body: %w", readErr)}
	}

	var payload struct {
		Success bool                       `json:"s"`
		Data    map[string]json.RawMessage `json:"d"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", status, pullerr.Fatal(discoverOp, fmt.Errorf("decode token response: %w", err))
	}
	if !payload.Success {
		return "", status, pullerr.Fatal(discoverOp, fmt.Errorf("%w: %s", pullerr.ErrAPI, snippet(body)))
	}
	for _, key := range []string{"database", "data usaha"} {
		raw, ok := payload.Data[key]
		if !ok {
			continue
		}
		var db struct {
			Host string `json:"host"`
		}
		if json.Unmarshal(raw, &db) == nil && db.Host != "" {
			return strings.TrimRight(db.Host, "/"), status, nil
		}
	}
	return "", status, pullerr.Fatal(discoverOp, fmt.Errorf("token response has no database host: %s", snippet(body)))
}
