// Package gateway is the single way out to the upstream services. Every call
// carries its own timeout, and responses are classified into the error
// taxonomy of [pterrs].
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/oauth2"
	"golang.org/x/sync/semaphore"

	pterrs "github.com/jdholdren/pitlane/internal/errors"
	"github.com/jdholdren/pitlane/internal/metrics"
)

const (
	defaultUserAgent = "pitlane / cache mirror"
	// Upstream bodies echoed into errors are cut to this many bytes.
	maxErrorBody   = 1024
	maxInFlight    = 8
	livenessTTL    = time.Minute
	livenessMemory = 256
)

// Gateway issues outbound requests.
type Gateway struct {
	client    *http.Client
	userAgent string
	inFlight  *semaphore.Weighted
	liveness  *expirable.LRU[string, bool]
}

type Option func(*Gateway)

func WithUserAgent(ua string) Option {
	return func(g *Gateway) {
		if ua != "" {
			g.userAgent = ua
		}
	}
}

// WithMaxInFlight bounds how many requests may be outstanding at once.
// Values below one leave the default in place.
func WithMaxInFlight(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.inFlight = semaphore.NewWeighted(n)
		}
	}
}

func New(opts ...Option) *Gateway {
	g := &Gateway{
		client:    &http.Client{},
		userAgent: defaultUserAgent,
		inFlight:  semaphore.NewWeighted(maxInFlight),
		liveness:  expirable.NewLRU[string, bool](livenessMemory, nil, livenessTTL),
	}
	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Get fetches url and decodes a 200 JSON body into out.
func (g *Gateway) Get(ctx context.Context, url string, timeout time.Duration, out any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %s", err)
	}

	return g.do(ctx, req, timeout, out)
}

// GetAuth is Get with the current token of src attached. It fails fast,
// without touching the network, when src has no token yet.
func (g *Gateway) GetAuth(ctx context.Context, src oauth2.TokenSource, url string, timeout time.Duration, out any) error {
	tok, err := src.Token()
	if err != nil {
		return fmt.Errorf("error getting token: %w", err)
	}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %s", err)
	}
	tok.SetAuthHeader(req)

	return g.do(ctx, req, timeout, out)
}

// Post sends body as JSON with the given Authorization header value, which
// may be empty.
func (g *Gateway) Post(ctx context.Context, url string, body any, authHeader string, timeout time.Duration, out any) error {
	byts, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("error encoding request body: %s", err)
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(byts))
	if err != nil {
		return fmt.Errorf("error creating request: %s", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	return g.do(ctx, req, timeout, out)
}

// Alive reports whether a HEAD of url answers 200. Any failure counts as not
// alive. Answers are remembered for a minute.
func (g *Gateway) Alive(ctx context.Context, url string, timeout time.Duration) bool {
	if alive, ok := g.liveness.Get(url); ok {
		return alive
	}

	req, err := http.NewRequest(http.MethodHead, url, nil)
	if err != nil {
		return false
	}

	alive := g.do(ctx, req, timeout, nil) == nil
	g.liveness.Add(url, alive)

	return alive
}

func (g *Gateway) do(ctx context.Context, req *http.Request, timeout time.Duration, out any) error {
	if err := g.inFlight.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("error waiting for a request slot: %w", err)
	}
	defer g.inFlight.Release(1)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", g.userAgent)
	req.Header.Set("Accept", "application/json")

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.UpstreamRequestDuration, req.Method)

	resp, err := g.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			metrics.UpstreamRequestsTotal.WithLabelValues(req.Method, "timeout").Inc()
			return fmt.Errorf("%w: %s %s", pterrs.ErrUpstreamTimeout, req.Method, req.URL.Path)
		}
		metrics.UpstreamRequestsTotal.WithLabelValues(req.Method, "error").Inc()
		return fmt.Errorf("error doing request: %w", err)
	}
	defer resp.Body.Close()

	metrics.UpstreamRequestsTotal.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		byts, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return pterrs.E(resp.StatusCode, pterrs.Body(byts), fmt.Sprintf("unexpected status from %s %s", req.Method, req.URL.Path))
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: reading %s", pterrs.ErrUpstreamTimeout, req.URL.Path)
		}
		return fmt.Errorf("error decoding response: %s", err)
	}

	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
