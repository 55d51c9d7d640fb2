// Package server implements the federation HTTP server: a resource/method
// router built on top of github.com/gorilla/mux, where every Matrix
// server-to-server endpoint is one mux route wrapped by a generic
// middleware enforcing a per-method options record (MIME type, payload-size
// cap, CORS/OPTIONS behavior, and a per-handler timeout that injects
// cancellation into the handler's internal/runtime.Task). Requests to the
// federation surface authenticate with the X-Matrix signed envelope
// rather than any bearer credential.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/construct-io/constructd/internal/errs"
	"github.com/construct-io/constructd/internal/eventdb"
	"github.com/construct-io/constructd/internal/federation/client"
	"github.com/construct-io/constructd/internal/logging"
	"github.com/construct-io/constructd/internal/runtime"
	"github.com/construct-io/constructd/internal/sigs"
	"github.com/construct-io/constructd/internal/vm"
)

// Config carries the server-wide resource settings: payload cap, CORS
// allowed origins, and the default and backfill/state handler timeouts.
// The per-route MIME requirement lives in methodOptions, not here.
type Config struct {
	LocalHost          string
	PayloadMax         int64
	DefaultTimeout     time.Duration
	BackfillTimeout    time.Duration
	CORSAllowedOrigins string
}

// DefaultConfig returns the stock limits: 128 KiB payload cap, 30s
// handler timeout, and a longer 120s budget for backfill/state, which can
// legitimately ship large responses.
func DefaultConfig(localHost string) Config {
	return Config{
		LocalHost:          localHost,
		PayloadMax:         128 << 10,
		DefaultTimeout:     30 * time.Second,
		BackfillTimeout:    120 * time.Second,
		CORSAllowedOrigins: "*",
	}
}

// Server is the federation/HTTP server: a mux.Router plus the pipeline
// objects handlers dispatch into (VM, RoomView, Backfiller, KeyCache, the
// local server's own signing key for the key/v2/server endpoint).
type Server struct {
	cfg    Config
	router *mux.Router

	store      *eventdb.Store
	vm         *vm.VM
	rooms      vm.RoomView
	backfiller *vm.Backfiller
	keys       *client.KeyCache
	signingKey *sigs.KeyPair
	logger     logging.Logger
}

// New builds a Server and registers the full federation v1 and key v2
// endpoint set.
func New(cfg Config, store *eventdb.Store, v *vm.VM, rooms vm.RoomView, bf *vm.Backfiller, keys *client.KeyCache, signingKey *sigs.KeyPair, logger logging.Logger) *Server {
	if logger == nil {
		logger = noopLogger{}
	}
	s := &Server{
		cfg:        cfg,
		router:     mux.NewRouter(),
		store:      store,
		vm:         v,
		rooms:      rooms,
		backfiller: bf,
		keys:       keys,
		signingKey: signingKey,
		logger:     logger,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler, delegating to the mux router (the
// longest prefix / most specific route wins per gorilla/mux's matching).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts an HTTP server bound to addr serving this router.
// TLS termination is the caller's responsibility, either in front of this
// handler or by wrapping it with http.ServeTLS.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// noopLogger discards every call, used when Server is constructed without a
// logger (primarily in tests).
type noopLogger struct{}

func (noopLogger) LogDebug(string, ...any) {}
func (noopLogger) LogInfo(string, ...any)  {}
func (noopLogger) LogWarn(string, ...any)  {}
func (noopLogger) LogError(string, ...any) {}

// statusFor maps the closed error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.Conform, errs.AuthFail, errs.Inauthentic, errs.Protocol:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Timeout:
		return http.StatusGatewayTimeout
	case errs.Network:
		return http.StatusBadGateway
	case errs.Overload:
		return http.StatusRequestEntityTooLarge
	case errs.Cancelled:
		return 499
	case errs.Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// runTask runs fn under a runtime.Task bound to timeout; the timer's
// expiry injects a cancel into the handler's task.
func runTask(parent context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	task := runtime.NewTask(ctx)

	done := make(chan error, 1)
	go func() { done <- fn(task.Context()) }()

	select {
	case err := <-done:
		return err
	case <-task.Done():
		task.Cancel(errs.New(errs.Cancelled, "handler timed out"))
		return task.Err()
	}
}
