// Package api exposes the maker's side of the swap message protocol over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"rollup-swap/internal/domain"
	"rollup-swap/internal/observability"
	"rollup-swap/internal/orchestrator"
)

// Maker is the orchestrator surface used by the API.
type Maker interface {
	CreateSwap(ctx context.Context, agreement domain.SwapAgreement, client domain.Party, check orchestrator.ProfitabilityCheck) (*orchestrator.Session, error)
	Session(swapID string) (*orchestrator.Session, bool)
	Address() common.Address
	PublicKey() []byte
}

// Options configures a Server.
type Options struct {
	Maker Maker                           // Required
	Check orchestrator.ProfitabilityCheck // nil accepts every deal

	// Settlement runs in the background after the signed bundle is returned.
	SettleAttempts int           // Defaults to 5
	RetryDelay     time.Duration // Defaults to 2s

	Logger zerolog.Logger
}

// Server serves the maker API.
type Server struct {
	maker    Maker
	check    orchestrator.ProfitabilityCheck
	attempts int
	delay    time.Duration
	log      zerolog.Logger
	router   *mux.Router

	mu       sync.Mutex
	http     *http.Server
	shutdown bool

	// Background settlement
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(opts Options) (*Server, error) {
	if opts.Maker == nil {
		return nil, errors.New("maker is required")
	}
	if opts.SettleAttempts <= 0 {
		opts.SettleAttempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		maker:    opts.Maker,
		check:    opts.Check,
		attempts: opts.SettleAttempts,
		delay:    opts.RetryDelay,
		log:      opts.Logger.With().Str("component", "api").Logger(),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	s.router = s.setupRoutes()
	return s, nil
}

// Handler returns the API's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.http = srv
	s.mu.Unlock()

	s.log.Info().Str("addr", addr).Msg("maker api listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("maker api: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for background settlements
// until ctx is done, then cancels them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	srv := s.http
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("settlement still running at shutdown, cancelling")
	}
	s.cancel()
	return err
}

// Wait blocks until every background settlement has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)
	r.NotFoundHandler = http.HandlerFunc(handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)
	v1.HandleFunc("/swaps", s.handleCreateSwap).Methods(http.MethodPost)
	v1.HandleFunc("/swaps/{id}", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/swaps/{id}", s.handleAbort).Methods(http.MethodDelete)
	v1.HandleFunc("/swaps/{id}/commitments", s.handleCommitments).Methods(http.MethodPost)
	v1.HandleFunc("/swaps/{id}/sign", s.handleSign).Methods(http.MethodPost)
	v1.HandleFunc("/swaps/{id}/shares", s.handleShares).Methods(http.MethodPost)

	return r
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		observability.RecordHTTPRequest(route, r.Method, rec.code)
		s.log.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("code", rec.code).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
