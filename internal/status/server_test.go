package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pterrs "github.com/jdholdren/pitlane/internal/errors"
	"github.com/jdholdren/pitlane/internal/pitlane"
)

type fakeStore struct {
	cursors  map[string]pitlane.Cursor
	statuses map[int64]pitlane.AuthorTimeStatus
	tracks   map[string]pitlane.Track
}

func (f fakeStore) TrackByUID(_ context.Context, uid string) (pitlane.Track, error) {
	t, ok := f.tracks[uid]
	if !ok {
		return pitlane.Track{}, pterrs.ErrNotFound
	}
	return t, nil
}

func (f fakeStore) CursorByName(_ context.Context, name string) (pitlane.Cursor, error) {
	c, ok := f.cursors[name]
	if !ok {
		return pitlane.Cursor{}, pterrs.ErrNotFound
	}
	return c, nil
}

func (f fakeStore) AuthorTimeStatus(_ context.Context, trackID int64) (pitlane.AuthorTimeStatus, error) {
	s, ok := f.statuses[trackID]
	if !ok {
		return pitlane.AuthorTimeStatus{}, pterrs.ErrNotFound
	}
	return s, nil
}

type ready bool

func (r ready) Ready() bool { return bool(r) }

type fakeProbe map[string]bool

func (f fakeProbe) Alive(_ context.Context, url string, _ time.Duration) bool {
	return f[url]
}

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	s.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, NewServer(ServerConfig{}, fakeStore{}, ready(false), nil), "/healthz").Code)
	assert.Equal(t, http.StatusOK, serve(t, NewServer(ServerConfig{}, fakeStore{}, ready(true), nil), "/healthz").Code)
}

func TestHealth_ReportsUpstreams(t *testing.T) {
	probe := fakeProbe{"https://tmx.test": true}
	s := NewServer(ServerConfig{Upstreams: map[string]string{
		"tmx":  "https://tmx.test",
		"core": "https://core.test",
	}}, fakeStore{}, ready(true), probe)

	rec := serve(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code, "a dead upstream does not fail health")

	var resp healthResp
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, map[string]bool{"tmx": true, "core": false}, resp.Upstreams)
}

func TestGetTrackByUID(t *testing.T) {
	uid := "abcDEF123"
	s := NewServer(ServerConfig{}, fakeStore{tracks: map[string]pitlane.Track{
		uid: {TrackID: 100001, MapUID: &uid, Name: "Ghost's Run", AuthorTime: 45_123},
	}}, ready(true), nil)

	rec := serve(t, s, "/v1/tracks/by-uid/abcDEF123")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp trackResp
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, int64(100001), resp.TrackID)
	assert.Equal(t, "Ghost's Run", resp.Name)

	assert.Equal(t, http.StatusNotFound, serve(t, s, "/v1/tracks/by-uid/missing").Code)
}

func TestGetCursor(t *testing.T) {
	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewServer(ServerConfig{}, fakeStore{cursors: map[string]pitlane.Cursor{
		pitlane.CursorMain: {Name: pitlane.CursorMain, Position: 123456, UpdatedAt: updated},
	}}, ready(true), nil)

	rec := serve(t, s, "/v1/cursors/main")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp cursorResp
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, int64(123456), resp.Position)

	// The update loop has never finished an iteration
	rec = serve(t, s, "/v1/cursors/updated_tracks")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not yet initialized")

	assert.Equal(t, http.StatusNotFound, serve(t, s, "/v1/cursors/nope").Code)
}

func TestGetAuthorTime(t *testing.T) {
	wr := int64(100)
	s := NewServer(ServerConfig{}, fakeStore{statuses: map[int64]pitlane.AuthorTimeStatus{
		7: {TrackID: 7, Beaten: true, WRScore: &wr, BeatenBy: pitlane.AccountSet{"acc-1"}},
	}}, ready(true), nil)

	rec := serve(t, s, "/v1/tracks/7/author-time")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp authorTimeResp
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Beaten)
	assert.Equal(t, []string{"acc-1"}, resp.BeatenBy)

	assert.Equal(t, http.StatusServiceUnavailable, serve(t, s, "/v1/tracks/8/author-time").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, s, "/v1/tracks/abc/author-time").Code)
}

func TestMetricsRoute(t *testing.T) {
	rec := serve(t, NewServer(ServerConfig{}, fakeStore{}, ready(true), nil), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
