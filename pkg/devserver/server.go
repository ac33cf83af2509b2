// Package devserver serves a build directory and tells connected browsers to reload after
// rebuilds.
package devserver

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/unrolled/secure"
)

const (
	eventsPath  = "/__buildpipe/events"
	scriptPath  = "/__buildpipe/reload.js"
	metricsPath = "/__buildpipe/metrics"
)

type Options struct {
	Address string
	Logger  *zerolog.Logger
	// DisableReload turns off script injection and the event stream
	DisableReload bool
	// Metrics is mounted at /__buildpipe/metrics if set
	Metrics http.Handler
}

type Server struct {
	root    string
	opts    Options
	logger  zerolog.Logger
	handler http.Handler

	lock    sync.Mutex
	clients map[chan []string]struct{}
	closing chan struct{}
	closed  bool
}

// New creates a server for the files in root
func New(root string, opts Options) *Server {
	s := &Server{
		root:    root,
		opts:    opts,
		logger:  zerolog.Nop(),
		clients: make(map[chan []string]struct{}),
		closing: make(chan struct{}),
	}
	if opts.Logger != nil {
		s.logger = *opts.Logger
	}

	r := mux.NewRouter()
	if !opts.DisableReload {
		r.HandleFunc(eventsPath, s.serveEvents).Methods(http.MethodGet)
		r.HandleFunc(scriptPath, serveScript).Methods(http.MethodGet)
	}
	if opts.Metrics != nil {
		r.Handle(metricsPath, opts.Metrics).Methods(http.MethodGet)
	}
	r.PathPrefix("/").Handler(http.HandlerFunc(s.serveStatic)).Methods(http.MethodGet, http.MethodHead)

	sm := secure.New(secure.Options{
		IsDevelopment:      true,
		BrowserXssFilter:   true,
		ContentTypeNosniff: true,
		FrameDeny:          true,
	})

	s.handler = sm.Handler(s.logMiddleware(r))
	return s
}

// Handler returns the server's root handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves requests until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return eris.Wrapf(err, "failed to listen on %s", s.opts.Address)
	}

	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is cancelled
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout; event streams stay open
	}

	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(listener)
	}()

	s.logger.Info().Msgf("serving %s on http://%s/", s.root, listener.Addr())

	select {
	case err := <-errs:
		s.disconnectAll()
		return eris.Wrap(err, "server failed")
	case <-ctx.Done():
	}

	s.disconnectAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "failed to shut down server")
	}

	if err := <-errs; err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server failed")
	}
	return nil
}
