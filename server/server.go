// Package server exposes the Nai toolchain over the network: an execution
// service speaking Connect, gRPC and gRPC-Web, a gRPC client for it, and a
// language server for editors.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/nai/cache"
	"github.com/chazu/nai/vm"
)

var log = commonlog.GetLogger("nai.server")

// Module store sweep schedule.
const (
	sweepInterval = 5 * time.Minute
	moduleTTL     = 30 * time.Minute
)

// Config sizes the execution service.
type Config struct {
	Workers int
	Timeout time.Duration
	VM      vm.Config
}

// NaiServer serves the execution service. The Connect handler accepts
// Connect, gRPC and gRPC-Web requests on the same port; plaintext HTTP/2
// is enabled so gRPC clients can connect without TLS.
type NaiServer struct {
	pool    *Pool
	modules *ModuleStore
	exec    *ExecutionService
	mux     *http.ServeMux

	stopSweeper func()
}

// ServerOption configures a NaiServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	cache   *cache.Cache
	natives *vm.Natives
}

// WithCache stores compiled images in c so they survive restarts.
func WithCache(c *cache.Cache) ServerOption {
	return func(sc *serverConfig) { sc.cache = c }
}

// WithNatives sets the host functions programs may call. The builtins are
// used when this option is not given.
func WithNatives(n *vm.Natives) ServerOption {
	return func(sc *serverConfig) { sc.natives = n }
}

// New creates a NaiServer.
func New(cfg Config, opts ...ServerOption) *NaiServer {
	sc := &serverConfig{}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.natives == nil {
		sc.natives = vm.Builtins()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	s := &NaiServer{
		pool:    NewPool(cfg.Workers),
		modules: NewModuleStore(),
		mux:     http.NewServeMux(),
	}
	s.exec = NewExecutionService(s.pool, s.modules, sc.cache, sc.natives, cfg.VM, cfg.Timeout)
	s.exec.Mount(s.mux)

	s.stopSweeper = s.modules.StartSweeper(sweepInterval, moduleTTL)
	return s
}

// Handler returns the HTTP handler serving every procedure.
func (s *NaiServer) Handler() http.Handler {
	return s.mux
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *NaiServer) Serve(ctx context.Context, ln net.Listener) error {
	var protocols http.Protocols
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)
	srv := &http.Server{
		Handler:   s.mux,
		Protocols: &protocols,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("execution service listening on %s", ln.Addr())
	log.Infof("  Connect (HTTP/JSON): http://%s%s", ln.Addr(), RunProcedure)
	log.Infof("  gRPC (binary):       grpc://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe starts the server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *NaiServer) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Stop shuts down the worker pool and the module sweeper.
func (s *NaiServer) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	s.pool.Stop()
}
