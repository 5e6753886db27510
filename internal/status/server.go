// Package status serves what an operator needs to see whether the loops are
// making progress: health, metrics, and the cached state they maintain.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	pterrs "github.com/jdholdren/pitlane/internal/errors"
	"github.com/jdholdren/pitlane/internal/metrics"
	"github.com/jdholdren/pitlane/internal/pitlane"
	"github.com/jdholdren/pitlane/internal/serverutil"
)

type (
	readiness interface {
		Ready() bool
	}

	prober interface {
		Alive(ctx context.Context, url string, timeout time.Duration) bool
	}

	store interface {
		CursorByName(ctx context.Context, name string) (pitlane.Cursor, error)
		AuthorTimeStatus(ctx context.Context, trackID int64) (pitlane.AuthorTimeStatus, error)
		TrackByUID(ctx context.Context, uid string) (pitlane.Track, error)
	}

	Server struct {
		*http.Server

		repo      store
		auth      readiness
		probe     prober
		upstreams map[string]string
	}

	ServerConfig struct {
		Port int
		// Upstreams maps a name to a url whose liveness /healthz reports.
		Upstreams map[string]string
	}
)

const probeTimeout = 3 * time.Second

func NewServer(config ServerConfig, repo store, auth readiness, probe prober) *Server {
	r := serverutil.ErrRouter{Router: mux.NewRouter()}

	srvr := Server{
		repo:      repo,
		auth:      auth,
		probe:     probe,
		upstreams: config.Upstreams,
		Server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			Handler:      handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(r),
		},
	}

	r.Use(serverutil.AccessLogMiddleware)
	r.HandleFuncE("/healthz", srvr.getHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFuncE("/v1/cursors/{name}", srvr.getCursor).Methods(http.MethodGet)
	r.HandleFuncE("/v1/tracks/by-uid/{uid}", srvr.getTrackByUID).Methods(http.MethodGet)
	r.HandleFuncE("/v1/tracks/{trackID}/author-time", srvr.getAuthorTime).Methods(http.MethodGet)

	return &srvr
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "status server listening", "addr", s.Addr)
		errc <- s.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("error serving status: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

type healthResp struct {
	Status    string          `json:"status"`
	Upstreams map[string]bool `json:"upstreams,omitempty"`
}

// getHealth only fails on missing tokens. A dead upstream is reported but the
// mirror keeps serving what it has.
func (s Server) getHealth(w http.ResponseWriter, r *http.Request) error {
	if !s.auth.Ready() {
		return pterrs.E(http.StatusServiceUnavailable, "waiting for tokens")
	}

	resp := healthResp{Status: "ok"}
	if s.probe != nil && len(s.upstreams) > 0 {
		resp.Upstreams = make(map[string]bool, len(s.upstreams))
		for name, u := range s.upstreams {
			resp.Upstreams[name] = s.probe.Alive(r.Context(), u, probeTimeout)
		}
	}

	return serverutil.WriteJSON(w, http.StatusOK, resp)
}

type cursorResp struct {
	Name      string    `json:"name"`
	Position  int64     `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s Server) getCursor(w http.ResponseWriter, r *http.Request) error {
	name := mux.Vars(r)["name"]
	if name != pitlane.CursorMain && name != pitlane.CursorUpdatedTracks {
		return pterrs.E(http.StatusNotFound, "unknown cursor")
	}

	cur, err := s.repo.CursorByName(r.Context(), name)
	if errors.Is(err, pterrs.ErrNotFound) {
		return pterrs.E(http.StatusServiceUnavailable, "not yet initialized")
	}
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, cursorResp{
		Name:      cur.Name,
		Position:  cur.Position,
		UpdatedAt: cur.UpdatedAt,
	})
}

type trackResp struct {
	TrackID    int64     `json:"track_id"`
	MapUID     string    `json:"map_uid"`
	Name       string    `json:"name"`
	AuthorName string    `json:"author_name"`
	AuthorTime int64     `json:"author_time"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (s Server) getTrackByUID(w http.ResponseWriter, r *http.Request) error {
	uid := mux.Vars(r)["uid"]

	t, err := s.repo.TrackByUID(r.Context(), uid)
	if errors.Is(err, pterrs.ErrNotFound) {
		return pterrs.E(http.StatusNotFound, "track not mirrored")
	}
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, trackResp{
		TrackID:    t.TrackID,
		MapUID:     uid,
		Name:       t.Name,
		AuthorName: t.AuthorName,
		AuthorTime: t.AuthorTime,
		UpdatedAt:  t.UpdatedAt,
	})
}

type authorTimeResp struct {
	TrackID     int64      `json:"track_id"`
	Beaten      bool       `json:"beaten"`
	Broken      bool       `json:"broken"`
	LastChecked *time.Time `json:"last_checked"`
	WRScore     *int64     `json:"wr_score"`
	WRHolder    *string    `json:"wr_holder"`
	BeatenBy    []string   `json:"beaten_by"`
	BeatenAt    *time.Time `json:"beaten_at"`
}

func (s Server) getAuthorTime(w http.ResponseWriter, r *http.Request) error {
	trackID, err := strconv.ParseInt(mux.Vars(r)["trackID"], 10, 64)
	if err != nil {
		return pterrs.E(http.StatusBadRequest, "track id must be a number")
	}

	st, err := s.repo.AuthorTimeStatus(r.Context(), trackID)
	if errors.Is(err, pterrs.ErrNotFound) {
		return pterrs.E(http.StatusServiceUnavailable, "not yet initialized")
	}
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, authorTimeResp{
		TrackID:     st.TrackID,
		Beaten:      st.Beaten,
		Broken:      st.Broken,
		LastChecked: st.LastChecked,
		WRScore:     st.WRScore,
		WRHolder:    st.WRHolder,
		BeatenBy:    st.BeatenBy,
		BeatenAt:    st.BeatenAt,
	})
}
