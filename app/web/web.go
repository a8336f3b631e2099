// Package web implements the HTTP API for job submission, status queries
// and the direct poll call.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/dkorolev/jobrelay/app/orchestrator"
	"github.com/dkorolev/jobrelay/app/persistence"
	"github.com/dkorolev/jobrelay/app/store"
)

//go:generate moq -out mocks/relay.go -pkg mocks -skip-ensure -fmt goimports . Relay
//go:generate moq -out mocks/history.go -pkg mocks -skip-ensure -fmt goimports . History

// Relay defines the orchestration operations the handlers are built on
type Relay interface {
	Register(ctx context.Context, service, jobName string, params map[string]any, callback store.Callback) (string, error)
	PollOne(ctx context.Context, service, token string) (orchestrator.Outcome, error)
	StatusQuery(service, token string) (store.Status, store.Record, error)
	ListPending() []string
	DumpStore() map[string][]store.Record
}

// History provides access to recorded callback delivery attempts
type History interface {
	GetAttempts(token string, limit int) ([]persistence.Attempt, error)
}

// Config holds server configuration
type Config struct {
	Relay       Relay
	History     History // optional, nil disables the deliveries endpoint
	Version     string
	DefaultJob  string  // job function for submissions that don't name one
	SubmitLimit float64 // submissions per second per remote address, 0 for default
}

// Server represents the web server
type Server struct {
	relay       Relay
	history     History
	version     string
	defaultJob  string
	submitLimit float64
}

// New creates the web server for the given configuration
func New(cfg Config) *Server {
	defaultJob := cfg.DefaultJob
	if defaultJob == "" {
		defaultJob = "greet"
	}
	submitLimit := cfg.SubmitLimit
	if submitLimit <= 0 {
		submitLimit = 100
	}
	return &Server{
		relay:       cfg.Relay,
		history:     cfg.History,
		version:     cfg.Version,
		defaultJob:  defaultJob,
		submitLimit: submitLimit,
	}
}

// Run starts the web server, blocks until ctx is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	// global middleware - applied to all routes
	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("jobrelay", "dkorolev", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(64*1024), // 64KB max request size
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	submitLimiter := tollbooth.NewLimiter(s.submitLimit, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Minute})

	router.Mount("/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.With(tollbooth.HTTPMiddleware(submitLimiter)).HandleFunc("POST /jobs", s.handleSubmit)
		api.HandleFunc("GET /jobs", s.handleList)
		api.HandleFunc("POST /jobs/poll", s.handlePoll)
		api.HandleFunc("GET /jobs/{service}/{token}", s.handleStatus)
		api.HandleFunc("GET /deliveries/{token}", s.handleDeliveries)
	})

	return router
}
