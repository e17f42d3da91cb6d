package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	rtsup "sharepilot/internal/runtime/supervisor"
	logx "sharepilot/pkg/logx"
)

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server owns the HTTP listener. Serve failures are restarted with backoff
// under its own supervisor.
type Server struct {
	cfg     ServerConfig
	handler http.Handler
	log     logx.Logger

	mu    sync.Mutex
	srv   *http.Server
	sup   *rtsup.Supervisor
	addr  string
	ready chan struct{}
}

func NewServer(cfg ServerConfig, h http.Handler, log logx.Logger) *Server {
	return &Server{
		cfg:     cfg,
		handler: h,
		log:     log.With(logx.String("comp", "http")),
		ready:   make(chan struct{}),
	}
}

// Start is idempotent.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Ready is closed once the listener is bound for the first time.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address ("" before Ready).
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Stop shuts the server down gracefully, forcing close when ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	var err error
	if srv != nil {
		if err = srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
		}
	}
	sup.Cancel()
	_ = sup.Wait(context.Background())
	s.log.Info("http server stopped")
	return err
}

func (s *Server) serveOnce(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.log.Error("http listen failed", logx.String("addr", s.cfg.Addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.srv = srv
	first := s.addr == ""
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	if first {
		close(s.ready)
	}
	s.log.Info("http server listening", logx.String("addr", ln.Addr().String()))

	stop := context.AfterFunc(ctx, func() {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(cctx)
	})
	defer stop()

	err = srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
