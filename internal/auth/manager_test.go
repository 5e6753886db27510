package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pterrs "github.com/jdholdren/pitlane/internal/errors"
	"github.com/jdholdren/pitlane/internal/gateway"
	"github.com/jdholdren/pitlane/internal/pitlane"
)

const testAudience = "NadeoLiveServices"

type memTokens struct {
	mu     sync.Mutex
	tokens map[string]pitlane.Token
}

func newMemTokens(toks ...pitlane.Token) *memTokens {
	m := &memTokens{tokens: map[string]pitlane.Token{}}
	for _, t := range toks {
		m.tokens[t.Audience] = t
	}
	return m
}

func (m *memTokens) Token(_ context.Context, audience string) (pitlane.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[audience]
	if !ok {
		return pitlane.Token{}, pterrs.ErrNotFound
	}
	return tok, nil
}

func (m *memTokens) SaveToken(_ context.Context, tok pitlane.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens[tok.Audience] = tok
	return nil
}

func signed(t *testing.T, exp, rat time.Time) string {
	t.Helper()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims{
		RefreshAfter: jwt.NewNumericDate(rat),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(rat.Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	s, err := tok.SignedString([]byte("test-key"))
	require.NoError(t, err)

	return s
}

// authServer answers both exchange endpoints and counts how often each was hit.
type authServer struct {
	*httptest.Server
	basic   atomic.Int32
	refresh atomic.Int32
}

func newAuthServer(t *testing.T, access, refresh string) *authServer {
	t.Helper()

	s := &authServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case basicPath:
			user, secret, ok := r.BasicAuth()
			if !ok || user != "user" || secret != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, testAudience, body["audience"])
			s.basic.Add(1)
		case refreshPath:
			assert.Contains(t, r.Header.Get("Authorization"), "nadeo_v1 t=")
			s.refresh.Add(1)
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}

		json.NewEncoder(w).Encode(tokenResp{AccessToken: access, RefreshToken: refresh})
	}))
	t.Cleanup(s.Close)

	return s
}

func testCredentials() []Credentials {
	return []Credentials{{Audience: testAudience, User: "user", Secret: "secret"}}
}

func TestToken_NotAuthenticatedBeforeReady(t *testing.T) {
	m := NewManager(Config{Credentials: testCredentials()}, newMemTokens(), gateway.New())

	_, err := m.Token(testAudience)
	assert.ErrorIs(t, err, pterrs.ErrNotAuthenticated)

	_, err = m.TokenSource(testAudience).Token()
	assert.ErrorIs(t, err, pterrs.ErrNotAuthenticated)
	assert.False(t, m.Ready())
}

func TestStart_BecomesReady(t *testing.T) {
	var (
		now    = time.Now()
		access = signed(t, now.Add(time.Hour), now.Add(30*time.Minute))
		srv    = newAuthServer(t, access, signed(t, now.Add(24*time.Hour), now.Add(24*time.Hour)))
		repo   = newMemTokens()
		m      = NewManager(Config{BaseURL: srv.URL, Credentials: testCredentials()}, repo, gateway.New())
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m.Start(ctx)
	m.Start(ctx)
	require.NoError(t, m.EnsureReady(ctx))

	got, err := m.Token(testAudience)
	require.NoError(t, err)
	assert.Equal(t, access, got)
	assert.Equal(t, int32(1), srv.basic.Load(), "a second Start does not start a second task")

	persisted, err := repo.Token(ctx, testAudience)
	require.NoError(t, err)
	assert.Equal(t, access, persisted.AccessToken)
	assert.WithinDuration(t, now.Add(30*time.Minute), persisted.RefreshAfter, time.Second)

	oauthTok, err := m.TokenSource(testAudience).Token()
	require.NoError(t, err)
	assert.Equal(t, access, oauthTok.AccessToken)
}

func TestRefresh_HonorsGrace(t *testing.T) {
	var (
		refreshAfter = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		current      = refreshAfter.Add(-time.Minute)
		srv          = newAuthServer(t, signed(t, refreshAfter.Add(2*time.Hour), refreshAfter.Add(time.Hour)), "")
		repo         = newMemTokens(pitlane.Token{
			Audience:     testAudience,
			AccessToken:  "persisted",
			ExpiresAt:    refreshAfter.Add(time.Hour),
			RefreshAfter: refreshAfter,
		})
		m   = NewManager(Config{BaseURL: srv.URL, Credentials: testCredentials()}, repo, gateway.New())
		ctx = context.Background()
	)
	m.now = func() time.Time { return current }

	m.load(ctx)
	require.True(t, m.Ready(), "an unexpired persisted token is enough to be ready")

	current = refreshAfter.Add(5 * time.Second)
	m.refresh(ctx, DefaultGrace)
	assert.Equal(t, int32(0), srv.basic.Load())
	tok, err := m.Token(testAudience)
	require.NoError(t, err)
	assert.Equal(t, "persisted", tok)

	current = refreshAfter.Add(11 * time.Second)
	m.refresh(ctx, DefaultGrace)
	assert.Equal(t, int32(1), srv.basic.Load())
	tok, err = m.Token(testAudience)
	require.NoError(t, err)
	assert.NotEqual(t, "persisted", tok)
}

func TestRefresh_PrefersRefreshToken(t *testing.T) {
	var (
		now  = time.Now()
		srv  = newAuthServer(t, signed(t, now.Add(time.Hour), now.Add(30*time.Minute)), "")
		repo = newMemTokens(pitlane.Token{
			Audience:     testAudience,
			AccessToken:  "persisted",
			RefreshToken: signed(t, now.Add(24*time.Hour), now.Add(24*time.Hour)),
			ExpiresAt:    now.Add(time.Minute),
			RefreshAfter: now.Add(-time.Minute),
		})
		m   = NewManager(Config{BaseURL: srv.URL, Credentials: testCredentials()}, repo, gateway.New())
		ctx = context.Background()
	)

	m.load(ctx)
	m.refresh(ctx, 0)

	assert.Equal(t, int32(1), srv.refresh.Load())
	assert.Equal(t, int32(0), srv.basic.Load())
}

func TestRefresh_FailureKeepsLoopAlive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewManager(Config{BaseURL: srv.URL, Credentials: testCredentials()}, newMemTokens(), gateway.New())
	m.refresh(context.Background(), 0)

	assert.False(t, m.Ready())
}
