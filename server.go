package tabunloader

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tabunloader/core"
	"pkt.systems/tabunloader/httpapi"
	"pkt.systems/tabunloader/internal/metrics"
	"pkt.systems/tabunloader/schema"
)

// Server composes the lifecycle session with its HTTP surface.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
	Session() *core.Session
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Service        schema.ServiceConfig
	HTTP           httpapi.Config
	MetricsRuntime bool
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	Host      core.TabHost
	Store     core.KVStore
	EventSink core.EventSink
	Logger    pslog.Logger
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP    bool
	enableMetrics bool
	listener      net.Listener
}

// WithHTTP enables the menu surface and control API.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithMetrics records session events as prometheus metrics, served on
// /metrics when HTTP is enabled.
func WithMetrics() ServerOption {
	return func(o *serverOptions) { o.enableMetrics = true }
}

// WithListener serves HTTP on ln instead of listening on the configured
// address. It implies WithHTTP.
func WithListener(ln net.Listener) ServerOption {
	return func(o *serverOptions) {
		o.enableHTTP = true
		o.listener = ln
	}
}

// New constructs a composable tab lifecycle server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if deps.Host == nil {
		return nil, errors.New("tab host dependency is required")
	}
	normalized, err := schema.NormalizeServiceConfig(cfg.Service)
	if err != nil {
		return nil, err
	}
	cfg.Service = normalized

	var hub *httpapi.Hub
	var surface *httpapi.Surface
	var recorder *metrics.Recorder
	if options.enableHTTP {
		hub = httpapi.NewHub(cfg.HTTP.HistorySize, deps.Logger)
		surface = httpapi.NewSurface(hub, deps.Logger)
	}
	if options.enableMetrics {
		recorder = metrics.New(cfg.MetricsRuntime)
	}
	sessionDeps := core.SessionDeps{
		Host:   deps.Host,
		Store:  deps.Store,
		Logger: deps.Logger,
	}
	var sinks []core.EventSink
	if deps.EventSink != nil {
		sinks = append(sinks, deps.EventSink)
	}
	if hub != nil {
		sinks = append(sinks, hub)
		sessionDeps.Menu = surface
		sessionDeps.Icons = surface
	}
	if recorder != nil {
		sinks = append(sinks, recorder)
	}
	sessionDeps.EventSink = fanout(sinks...)

	session, err := core.NewSession(cfg.Service, sessionDeps)
	if err != nil {
		return nil, err
	}

	var httpSrv *httpapi.Server
	if options.enableHTTP {
		var metricsHandler http.Handler
		if recorder != nil {
			metricsHandler = recorder.Handler()
		}
		httpSrv = httpapi.NewServer(cfg.HTTP, session, surface, hub, metricsHandler)
	}
	return &compositeServer{
		cfg:      cfg,
		options:  options,
		session:  session,
		httpSrv:  httpSrv,
		recorder: recorder,
	}, nil
}

type compositeServer struct {
	cfg      ServerConfig
	options  serverOptions
	session  *core.Session
	httpSrv  *httpapi.Server
	recorder *metrics.Recorder
	logger   pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	done    sync.WaitGroup
	started bool
}

func (s *compositeServer) Session() *core.Session { return s.session }

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 1)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"metrics", s.options.enableMetrics,
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_path", s.cfg.HTTP.BasePath,
		"session", s.session.ID(),
	)
	if err := s.session.Init(s.ctx); err != nil {
		log.Error("server session init failed", "err", err)
		s.cancel()
		return err
	}
	if s.options.enableHTTP && s.httpSrv != nil {
		s.done.Add(1)
		go func() {
			defer s.done.Done()
			var err error
			if s.options.listener != nil {
				err = httpapi.Serve(s.ctx, s.options.listener, s.httpSrv.Handler())
			} else {
				err = httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler())
			}
			if err != nil {
				log.Error("http server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	if ctx == nil {
		ctx = context.Background()
	}
	log.Info("server stop requested")
	if cancel != nil {
		cancel()
	}
	if err := s.session.Dispose(ctx); err != nil {
		log.Warn("server session dispose failed", "err", err)
	}

	stopped := make(chan struct{})
	go func() {
		s.done.Wait()
		close(stopped)
	}()
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-stopped:
		log.Info("server stopped")
		return nil
	}
}
