// Pitlane keeps a local mirror of the track catalog, author time records and
// daily cup standings up to date.
//
// Each loop runs on its own and can be switched on or off with LOOPS.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/oklog/run"
	"github.com/sethvargo/go-envconfig"
	_ "golang.org/x/crypto/x509roots/fallback"

	"github.com/jdholdren/pitlane/internal/auth"
	"github.com/jdholdren/pitlane/internal/authortime"
	"github.com/jdholdren/pitlane/internal/cotd"
	"github.com/jdholdren/pitlane/internal/gateway"
	"github.com/jdholdren/pitlane/internal/logger"
	"github.com/jdholdren/pitlane/internal/migrations"
	"github.com/jdholdren/pitlane/internal/nadeo"
	"github.com/jdholdren/pitlane/internal/scrape"
	"github.com/jdholdren/pitlane/internal/sqlite"
	"github.com/jdholdren/pitlane/internal/status"
	"github.com/jdholdren/pitlane/internal/tmx"
)

type config struct {
	Database string `env:"DATABASE, required"`
	Port     int    `env:"PORT, default=4444"`

	// Which format to use for logging: either text or json
	LoggerFormat string `env:"LOGGER_FORMAT, default=text"`
	// Debug logs token material and lowers the level to debug.
	Debug bool `env:"DEBUG, default=false"`
	// Dev shrinks batch sizes.
	Dev bool `env:"DEV, default=false"`

	CredentialsFile string   `env:"CREDENTIALS_FILE"`
	NadeoUser       string   `env:"NADEO_USER"`
	NadeoSecret     string   `env:"NADEO_SECRET"`
	NadeoAudiences  []string `env:"NADEO_AUDIENCES, default=NadeoServices,NadeoLiveServices"`

	TMXBaseURL  string `env:"TMX_BASE_URL"`
	CoreBaseURL string `env:"CORE_BASE_URL"`
	LiveBaseURL string `env:"LIVE_BASE_URL"`
	MeetBaseURL string `env:"MEET_BASE_URL"`

	MainCursorDefault     int64         `env:"MAIN_CURSOR_DEFAULT, default=0"`
	UpdatedCursorLookback time.Duration `env:"UPDATED_CURSOR_LOOKBACK, default=24h"`

	// Caps outbound requests across every loop.
	MaxInFlight int64 `env:"MAX_IN_FLIGHT, default=8"`

	Loops []string `env:"LOOPS, default=catalog,updates,authortime,cotd"`
}

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	ctx := context.Background()

	// Parse the config
	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatalf("error parsing config: %s", err)
	}

	// Determine which logger format to use
	opts := logger.HandlerOptions(cfg.Debug)
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LoggerFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(logger.NewContextHandler(handler)))

	if err := runLoops(ctx, cfg); err != nil {
		slog.Error("error running", "error", err)
		os.Exit(1)
	}
}

func runLoops(ctx context.Context, cfg config) error {
	dbx, err := sqlite.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer dbx.Close()

	// Migrate, always
	if err := migrations.Run(dbx); err != nil {
		return err
	}
	repo := sqlite.New(dbx)

	creds, err := credentials(cfg)
	if err != nil {
		return err
	}

	var (
		gw = gateway.New(
			gateway.WithUserAgent(fmt.Sprintf("pitlane/%s", version)),
			gateway.WithMaxInFlight(cfg.MaxInFlight),
		)
		mgr  = auth.NewManager(auth.Config{BaseURL: cfg.CoreBaseURL, Credentials: creds}, repo, gw)
		cat  = tmx.New(gw, cfg.TMXBaseURL)
		live = nadeo.New(gw, mgr.TokenSource(nadeo.Audience), nadeo.Config{
			LiveBaseURL: cfg.LiveBaseURL,
			MeetBaseURL: cfg.MeetBaseURL,
		})
	)

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	addActor := func(name string, fn func(context.Context) error) {
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			slog.InfoContext(ctx, "starting", "actor", name)
			return fn(ctx)
		}, func(error) {
			cancel()
		})
	}

	addActor("auth", mgr.Run)
	statusCfg := status.ServerConfig{
		Port: cfg.Port,
		Upstreams: map[string]string{
			"tmx":  orDefault(cfg.TMXBaseURL, tmx.DefaultBaseURL),
			"core": orDefault(cfg.CoreBaseURL, auth.DefaultBaseURL),
		},
	}
	addActor("status", status.NewServer(statusCfg, repo, mgr, gw).Run)

	for _, name := range cfg.Loops {
		switch name {
		case "catalog":
			l := scrape.NewCatalogLoop(scrape.CatalogConfig{CursorDefault: cfg.MainCursorDefault}, cat, repo)
			addActor(name, l.Run)
		case "updates":
			l := scrape.NewUpdateLoop(scrape.UpdateConfig{Lookback: cfg.UpdatedCursorLookback}, cat, repo)
			addActor(name, l.Run)
		case "authortime":
			w := authortime.NewWatcher(authortime.Config{Dev: cfg.Dev}, repo, live)
			addActor(name, afterReady(mgr, w.Run))
		case "cotd":
			w := cotd.NewWatcher(cotd.DefaultTimings, live, repo)
			addActor(name, afterReady(mgr, w.Run))
		default:
			return fmt.Errorf("unknown loop %q", name)
		}
	}

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		slog.InfoContext(ctx, "shutting down", "reason", err)
		return nil
	}

	return err
}

// afterReady holds fn back until every token is in place, so its first
// upstream call does not fail on a missing token.
func afterReady(mgr *auth.Manager, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := mgr.EnsureReady(ctx); err != nil {
			return nil
		}
		return fn(ctx)
	}
}

// credentials merges the env pair with the credentials file, which wins for
// any audience it names.
func credentials(cfg config) ([]auth.Credentials, error) {
	creds := auth.FromEnv(cfg.NadeoUser, cfg.NadeoSecret, cfg.NadeoAudiences)
	if cfg.CredentialsFile != "" {
		fromFile, err := auth.LoadCredentials(cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		creds = auth.Merge(creds, fromFile)
	}

	if len(creds) == 0 {
		return nil, fmt.Errorf("no credentials configured: set NADEO_USER and NADEO_SECRET or CREDENTIALS_FILE")
	}

	return creds, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
