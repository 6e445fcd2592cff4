// Command haploscope serves the stimulus catalog, calibration values and the
// job queue that generates, imports and publishes stimulus pools.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/browser"
	_ "modernc.org/sqlite"

	"github.com/stevecastle/haploscope/appconfig"
	"github.com/stevecastle/haploscope/auth"
	"github.com/stevecastle/haploscope/catalog"
	"github.com/stevecastle/haploscope/jobqueue"
	"github.com/stevecastle/haploscope/logging"
	"github.com/stevecastle/haploscope/middleware"
	"github.com/stevecastle/haploscope/platform"
	"github.com/stevecastle/haploscope/runners"
	"github.com/stevecastle/haploscope/stream"
)

// -----------------------------------------------------------------------------
// Dependencies shared by every handler
// -----------------------------------------------------------------------------

type Dependencies struct {
	Queue  *jobqueue.Queue
	DB     *sql.DB
	Auth   *auth.Service
	Config appconfig.Config

	// PreviewCache holds rendered preview PNGs. Empty disables caching.
	PreviewCache string
}

// -----------------------------------------------------------------------------
// Database initialization
// -----------------------------------------------------------------------------

func initDB(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := catalog.InitializeSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	slog.Info("connected to sqlite database", "path", dbPath)
	return db, nil
}

// initAuth opens the operator store and protects mutating routes.
func initAuth(db *sql.DB, secret string) (*auth.Service, error) {
	svc := auth.NewService(db, secret)
	if err := svc.InitializeSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize operator schema: %w", err)
	}
	created, err := svc.CreateDefaultOperator()
	if err != nil {
		return nil, err
	}
	if created {
		slog.Warn("created default operator admin/admin; change its password")
	}
	middleware.AuthMiddleware = svc.Middleware
	return svc, nil
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func newMux(deps *Dependencies) *http.ServeMux {
	public := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.ApplyMiddlewares(h, middleware.RolePublic)
	}
	operator := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.ApplyMiddlewares(h, middleware.RoleOperator)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", public(healthHandler(deps)))
	mux.HandleFunc("/login", public(loginHandler(deps)))
	mux.HandleFunc("/tasks", public(tasksHandler()))
	mux.HandleFunc("/calibration", public(calibrationHandler(deps)))
	mux.HandleFunc("/calibration/card.png", public(calibrationCardHandler(deps)))
	mux.HandleFunc("/stimuli", public(stimuliHandler(deps)))
	mux.HandleFunc("/stimuli/pools", public(poolsHandler(deps)))
	mux.HandleFunc("/stimuli/{id}/preview.png", public(previewHandler(deps)))

	mux.HandleFunc("/jobs", operator(jobsHandler(deps)))
	mux.HandleFunc("/jobs/clear", operator(clearNonRunningJobsHandler(deps)))
	mux.HandleFunc("/jobs/{id}", operator(detailHandler(deps)))
	mux.HandleFunc("/jobs/{id}/cancel", operator(cancelHandler(deps)))
	mux.HandleFunc("/jobs/{id}/copy", operator(copyHandler(deps)))
	mux.HandleFunc("/jobs/{id}/remove", operator(removeHandler(deps)))
	mux.HandleFunc("/stream", operator(stream.StreamHandler))
	return mux
}

// browserURL turns a listen address into something a browser can open.
func browserURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr + "/"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/stimuli"
}

// -----------------------------------------------------------------------------
// main
// -----------------------------------------------------------------------------

func main() {
	if err := run(); err != nil {
		slog.Error("haploscope server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "config file (default: platform config dir)")
	addr := flag.String("addr", "", "listen address (overrides config)")
	open := flag.Bool("open", false, "open the stimulus catalog in a browser")
	flag.Parse()

	var (
		cfg  appconfig.Config
		path string
		err  error
	)
	if *configPath != "" {
		path = *configPath
		cfg, err = appconfig.LoadFrom(path)
	} else {
		cfg, path, err = appconfig.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	cleanup, err := logging.Init(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer cleanup()
	slog.Info("config loaded", "path", path, "db", cfg.DBPath, "pools", cfg.Pool.OutDir)

	db, err := initDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	authSvc, err := initAuth(db, cfg.JWTSecret)
	if err != nil {
		return err
	}

	queue := jobqueue.NewQueueWithDB(db)
	slog.Info("job queue initialized", "jobs", len(queue.GetJobs()))
	r := runners.New(queue)
	r.CheckForJobs()

	deps := &Dependencies{
		Queue:        queue,
		DB:           db,
		Auth:         authSvc,
		Config:       cfg,
		PreviewCache: filepath.Join(platform.GetCacheDir(), "previews"),
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newMux(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if *open {
		if err := browser.OpenURL(browserURL(cfg.ListenAddr)); err != nil {
			slog.Warn("could not open browser", "error", err)
		}
	}

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	r.Shutdown()
	stream.Default().Shutdown()
	if err := queue.SaveAllJobsToDB(); err != nil {
		slog.Error("saving job queue", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	slog.Info("shutdown complete")
	return nil
}

// ParseCommand splits a command line on spaces, honoring double quotes.
func ParseCommand(input string) []string {
	var (
		result   []string
		current  strings.Builder
		inQuotes bool
	)
	for i := 0; i < len(input); i++ {
		c := input[i]
		switch c {
		case '"':
			inQuotes = !inQuotes
		case ' ':
			if inQuotes {
				current.WriteByte(c)
			} else if current.Len() > 0 {
				result = append(result, current.String())
				current.Reset()
			}
		default:
			current.WriteByte(c)
		}
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}
