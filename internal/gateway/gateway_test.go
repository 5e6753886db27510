package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	pterrs "github.com/jdholdren/pitlane/internal/errors"
)

func TestGet_DecodesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, defaultUserAgent, r.Header.Get("User-Agent"))
		w.Write([]byte(`{"totalItemCount": 3}`))
	}))
	defer srv.Close()

	var out struct {
		Total int `json:"totalItemCount"`
	}
	err := New().Get(context.Background(), srv.URL, time.Second, &out)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Total)
}

func TestGet_NonOKIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	err := New().Get(context.Background(), srv.URL, time.Second, &struct{}{})
	require.Error(t, err)

	var perr *pterrs.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusTooManyRequests, perr.Status)
	assert.Equal(t, pterrs.Body("slow down"), perr.Body)
}

func TestGet_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	err := New().Get(context.Background(), srv.URL, 20*time.Millisecond, nil)
	assert.ErrorIs(t, err, pterrs.ErrUpstreamTimeout)
}

type staticSource struct {
	tok *oauth2.Token
	err error
}

func (s staticSource) Token() (*oauth2.Token, error) {
	return s.tok, s.err
}

func TestGetAuth_AttachesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer live-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	src := staticSource{tok: &oauth2.Token{AccessToken: "live-token", TokenType: "Bearer"}}
	require.NoError(t, New().GetAuth(context.Background(), src, srv.URL, time.Second, &struct{}{}))
}

func TestGetAuth_FailsFastWithoutToken(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	src := staticSource{err: pterrs.ErrNotAuthenticated}
	err := New().GetAuth(context.Background(), src, srv.URL, time.Second, nil)
	assert.ErrorIs(t, err, pterrs.ErrNotAuthenticated)
	assert.Equal(t, int32(0), calls.Load())
}

func TestPost_SendsHeaderAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Basic abc", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"accessToken": "a"}`))
	}))
	defer srv.Close()

	var out struct {
		AccessToken string `json:"accessToken"`
	}
	err := New().Post(context.Background(), srv.URL, map[string]string{"audience": "x"}, "Basic abc", time.Second, &out)
	require.NoError(t, err)
	assert.Equal(t, "a", out.AccessToken)
}

func TestAlive(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodHead, r.Method)
		if r.URL.Path == "/gone" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	g := New()
	assert.True(t, g.Alive(context.Background(), srv.URL+"/here", time.Second))
	assert.True(t, g.Alive(context.Background(), srv.URL+"/here", time.Second))
	assert.False(t, g.Alive(context.Background(), srv.URL+"/gone", time.Second))
	assert.Equal(t, int32(2), calls.Load(), "second check of the same url is remembered")

	// Unreachable hosts are just not alive
	assert.False(t, g.Alive(context.Background(), "http://127.0.0.1:1/", 100*time.Millisecond))
}

func TestWithUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pitlane/1.2.3", r.Header.Get("User-Agent"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	require.NoError(t, New(WithUserAgent("pitlane/1.2.3")).Get(context.Background(), srv.URL, time.Second, &struct{}{}))
}

func TestWithMaxInFlight(t *testing.T) {
	var (
		current, peak atomic.Int32
		release       = make(chan struct{})
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	g := New(WithMaxInFlight(2))

	done := make(chan error, 5)
	for range 5 {
		go func() {
			done <- g.Get(context.Background(), srv.URL, 5*time.Second, &struct{}{})
		}()
	}

	// Let the first requests land and pile up behind the cap
	time.Sleep(100 * time.Millisecond)
	close(release)
	for range 5 {
		require.NoError(t, <-done)
	}

	assert.Equal(t, int32(2), peak.Load())
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, isTimeout(context.DeadlineExceeded))
	assert.False(t, isTimeout(errors.New("connection refused")))
}
