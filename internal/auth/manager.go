// Package auth keeps a token per upstream audience, refreshing each one in
// the background before it goes stale.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"

	pterrs "github.com/jdholdren/pitlane/internal/errors"
	"github.com/jdholdren/pitlane/internal/logger"
	"github.com/jdholdren/pitlane/internal/loop"
	"github.com/jdholdren/pitlane/internal/metrics"
	"github.com/jdholdren/pitlane/internal/pitlane"
)

const (
	DefaultBaseURL = "https://prod.trackmania.core.nadeo.online"

	// DefaultInterval is how often tokens are looked at.
	DefaultInterval = 60 * time.Second
	// DefaultGrace is how far past its refresh-after time a token may drift
	// before it is replaced.
	DefaultGrace = 10 * time.Second

	basicPath   = "/v2/authentication/token/basic"
	refreshPath = "/v2/authentication/token/refresh"

	exchangeTimeout = 10 * time.Second
	// Timeouts on the exchange itself are retried this many times before
	// the tick gives up.
	exchangeRetries = 2
	exchangeBackoff = time.Second
)

type Config struct {
	BaseURL     string
	Credentials []Credentials
	Interval    time.Duration
	Grace       time.Duration
}

type poster interface {
	Post(ctx context.Context, url string, body any, authHeader string, timeout time.Duration, out any) error
}

// Manager owns the tokens of every configured audience. Only its background
// task writes them; everyone else reads through [Manager.Token] or a
// [Manager.TokenSource].
type Manager struct {
	cfg  Config
	repo pitlane.TokenRepo
	gw   poster
	now  func() time.Time

	mu     sync.RWMutex
	tokens map[string]pitlane.Token

	startOnce sync.Once
	readyOnce sync.Once
	ready     chan struct{}
}

func NewManager(cfg Config, repo pitlane.TokenRepo, gw poster) *Manager {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Grace == 0 {
		cfg.Grace = DefaultGrace
	}

	return &Manager{
		cfg:    cfg,
		repo:   repo,
		gw:     gw,
		now:    time.Now,
		tokens: map[string]pitlane.Token{},
		ready:  make(chan struct{}),
	}
}

// Start launches the background refresh task. Calling it again does nothing.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go m.refreshLoop(ctx)
	})
}

// Run starts the manager and blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	m.Start(ctx)
	<-ctx.Done()
	return nil
}

// EnsureReady blocks until every audience holds a token, or ctx is done.
func (m *Manager) EnsureReady(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) Ready() bool {
	select {
	case <-m.ready:
		return true
	default:
		return false
	}
}

// Token returns the cached access token for the audience.
func (m *Manager) Token(audience string) (string, error) {
	tok, err := m.token(audience)
	if err != nil {
		return "", err
	}

	return tok.AccessToken, nil
}

func (m *Manager) token(audience string) (pitlane.Token, error) {
	if !m.Ready() {
		return pitlane.Token{}, pterrs.ErrNotAuthenticated
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	tok, ok := m.tokens[audience]
	if !ok {
		return pitlane.Token{}, fmt.Errorf("%w: no token for audience %s", pterrs.ErrNotAuthenticated, audience)
	}

	return tok, nil
}

// TokenSource adapts the manager to [oauth2.TokenSource] for one audience.
func (m *Manager) TokenSource(audience string) oauth2.TokenSource {
	return tokenSource{m: m, audience: audience}
}

type tokenSource struct {
	m        *Manager
	audience string
}

func (s tokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.m.token(s.audience)
	if err != nil {
		return nil, err
	}

	return &oauth2.Token{
		AccessToken: tok.AccessToken,
		TokenType:   "Bearer",
		Expiry:      tok.ExpiresAt,
	}, nil
}

func (m *Manager) refreshLoop(ctx context.Context) {
	ctx = logger.Ctx(ctx, slog.String("loop", "auth"))

	m.load(ctx)
	// Anything persisted past its refresh-after time is replaced right away.
	m.refresh(ctx, 0)

	for {
		if err := loop.Sleep(ctx, m.cfg.Interval); err != nil {
			return
		}
		m.refresh(ctx, m.cfg.Grace)
	}
}

// load fills the cache with persisted tokens that have not expired.
func (m *Manager) load(ctx context.Context) {
	for _, cred := range m.cfg.Credentials {
		tok, err := m.repo.Token(ctx, cred.Audience)
		if errors.Is(err, pterrs.ErrNotFound) {
			continue
		}
		if err != nil {
			slog.ErrorContext(ctx, "error loading persisted token", "audience", cred.Audience, "err", err)
			continue
		}
		if !m.now().Before(tok.ExpiresAt) {
			continue
		}

		m.mu.Lock()
		m.tokens[cred.Audience] = tok
		m.mu.Unlock()
	}

	m.markReadyIfComplete()
}

func (m *Manager) needsRefresh(tok pitlane.Token, grace time.Duration) bool {
	return m.now().After(tok.RefreshAfter.Add(grace))
}

// refresh replaces every token that is missing or past its refresh-after
// time plus grace. Failures are logged and left for the next tick.
func (m *Manager) refresh(ctx context.Context, grace time.Duration) {
	for _, cred := range m.cfg.Credentials {
		ctx := logger.Ctx(ctx, slog.String("audience", cred.Audience))

		m.mu.RLock()
		prev, ok := m.tokens[cred.Audience]
		m.mu.RUnlock()
		if ok && !m.needsRefresh(prev, grace) {
			continue
		}

		tok, err := m.authenticate(ctx, cred, prev)
		if err != nil {
			metrics.TokenRefreshesTotal.WithLabelValues(cred.Audience, "failure").Inc()
			slog.ErrorContext(ctx, "error authenticating", "err", err)
			continue
		}
		metrics.TokenRefreshesTotal.WithLabelValues(cred.Audience, "success").Inc()

		m.mu.Lock()
		m.tokens[cred.Audience] = tok
		m.mu.Unlock()

		if err := m.repo.SaveToken(ctx, tok); err != nil {
			slog.ErrorContext(ctx, "error persisting token", "err", err)
		}

		slog.InfoContext(ctx, "token acquired", "refresh_after", tok.RefreshAfter, "expires_at", tok.ExpiresAt)
		slog.DebugContext(ctx, "token material", "access_token", tok.AccessToken, "refresh_token", tok.RefreshToken)
	}

	m.markReadyIfComplete()
}

func (m *Manager) markReadyIfComplete() {
	m.mu.RLock()
	complete := len(m.cfg.Credentials) > 0
	for _, cred := range m.cfg.Credentials {
		if _, ok := m.tokens[cred.Audience]; !ok {
			complete = false
		}
	}
	m.mu.RUnlock()

	if complete {
		m.readyOnce.Do(func() { close(m.ready) })
	}
}

// authenticate uses the previous refresh token while it is still good and
// falls back to the basic credential exchange.
func (m *Manager) authenticate(ctx context.Context, cred Credentials, prev pitlane.Token) (pitlane.Token, error) {
	if prev.RefreshToken != "" && m.unexpired(prev.RefreshToken) {
		tok, err := m.exchange(ctx, cred.Audience, refreshPath, struct{}{}, "nadeo_v1 t="+prev.RefreshToken)
		if err == nil {
			return tok, nil
		}
		slog.WarnContext(ctx, "refresh rejected, exchanging credentials", "err", err)
	}

	body := map[string]string{"audience": cred.Audience}
	return m.exchange(ctx, cred.Audience, basicPath, body, basicHeader(cred))
}

type tokenResp struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (m *Manager) exchange(ctx context.Context, audience, path string, body any, authHeader string) (pitlane.Token, error) {
	var resp tokenResp
	b := retry.WithMaxRetries(exchangeRetries, retry.NewConstant(exchangeBackoff))
	if err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := m.gw.Post(ctx, m.cfg.BaseURL+path, body, authHeader, exchangeTimeout, &resp)
		if errors.Is(err, pterrs.ErrUpstreamTimeout) {
			return retry.RetryableError(err)
		}
		return err
	}); err != nil {
		return pitlane.Token{}, fmt.Errorf("error exchanging token: %w", err)
	}

	claims, err := parseClaims(resp.AccessToken)
	if err != nil {
		return pitlane.Token{}, err
	}
	if claims.ExpiresAt == nil {
		return pitlane.Token{}, errors.New("access token carries no expiry")
	}

	tok := pitlane.Token{
		Audience:     audience,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    claims.ExpiresAt.Time,
		RefreshAfter: claims.ExpiresAt.Time,
	}
	if claims.RefreshAfter != nil {
		tok.RefreshAfter = claims.RefreshAfter.Time
	}

	return tok, nil
}

func (m *Manager) unexpired(raw string) bool {
	claims, err := parseClaims(raw)
	if err != nil || claims.ExpiresAt == nil {
		return false
	}

	return m.now().Before(claims.ExpiresAt.Time)
}

// Claims of an upstream token. rat is when the issuer wants it refreshed.
type accessClaims struct {
	RefreshAfter *jwt.NumericDate `json:"rat,omitempty"`
	jwt.RegisteredClaims
}

// The signature belongs to the issuer; only the timing claims are read.
func parseClaims(raw string) (accessClaims, error) {
	var claims accessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return accessClaims{}, fmt.Errorf("error parsing token claims: %s", err)
	}

	return claims, nil
}

func basicHeader(cred Credentials) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(cred.User+":"+cred.Secret))
}
