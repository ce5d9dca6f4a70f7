package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"livelocation/internal/api"
	"livelocation/internal/auth"
	"livelocation/internal/config"
	"livelocation/internal/hub"
	"livelocation/internal/logger"
	"livelocation/internal/notify"
	"livelocation/internal/router"
	"livelocation/internal/scheduler"
	"livelocation/internal/session"
	"livelocation/internal/tokens"
	"livelocation/internal/websocket"
	"livelocation/pkg/interfaces"
)

const rateLimitCleanupInterval = 5 * time.Minute

// Application owns every component and their start/stop order.
type Application struct {
	config     *config.Config
	tokens     *tokens.Directory
	dispatcher interfaces.Dispatcher
	closers    []func() error
	registry   *websocket.Registry
	scheduler  *scheduler.Scheduler
	sessions   *session.Manager
	messageHub *hub.Hub
	limiter    *router.RateLimiter
	apiServer  *api.Server
	httpServer *http.Server
	log        *logrus.Entry
}

// Option customises component construction.
type Option func(*options)

type options struct {
	dispatcher interfaces.Dispatcher
}

// WithDispatcher replaces the configured push dispatcher.
func WithDispatcher(d interfaces.Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// NewApplication builds the component graph in dependency order:
// tokens → dispatcher → registry → router → scheduler → sessions → hub → gate → HTTP.
func NewApplication(ctx context.Context, cfg *config.Config, opts ...Option) (*Application, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logger.Configure(cfg.Log.Level, cfg.Log.Format, nil); err != nil {
		return nil, err
	}

	app := &Application{config: cfg, log: logger.WithComponent("app")}
	checks := make(map[string]api.HealthChecker)

	backend, err := newTokenBackend(cfg.Tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token backend: %w", err)
	}
	if checker, ok := backend.(api.HealthChecker); ok {
		checks["tokens"] = checker
	}
	app.tokens, err = tokens.NewDirectory(ctx, backend)
	if err != nil {
		if backend != nil {
			_ = backend.Close()
		}
		return nil, err
	}
	app.closers = append(app.closers, app.tokens.Close)

	switch {
	case o.dispatcher != nil:
		app.dispatcher = o.dispatcher
	case cfg.Notify.Backend == config.NotifyBackendNATS:
		nd, err := notify.DialNATS(cfg.Notify.NATSURL, cfg.Notify.NATSSubject)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("failed to connect push dispatcher: %w", err)
		}
		app.dispatcher = nd
		app.closers = append(app.closers, nd.Close)
	default:
		app.dispatcher = notify.NewLogDispatcher()
	}

	app.registry = websocket.NewRegistry()
	messageRouter, err := router.NewRouter(app.registry)
	if err != nil {
		app.close()
		return nil, err
	}

	// The scheduler fires into the hub, which is built after the manager
	// that owns the scheduler.
	var messageHub *hub.Hub
	app.scheduler = scheduler.New(func(sessionID string) {
		messageHub.Expire(sessionID)
	})

	app.sessions, err = session.NewManager(session.Config{
		DefaultDuration: cfg.Session.DefaultDuration,
		MaxDuration:     cfg.Session.MaxDuration,
		MaxRecipients:   cfg.Session.MaxRecipients,
		DispatchTimeout: cfg.Session.DispatchTimeout,
	}, session.Dependencies{
		Store:       session.NewStore(),
		Scheduler:   app.scheduler,
		Broadcaster: messageRouter,
		Tokens:      app.tokens,
		Dispatcher:  app.dispatcher,
	})
	if err != nil {
		app.close()
		return nil, err
	}

	messageHub = hub.NewHub(app.sessions, app.registry, app.tokens, cfg.Hub.EventBuffer)
	app.messageHub = messageHub

	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		app.close()
		return nil, err
	}

	app.limiter = router.NewRateLimiter(cfg.RateLimit.EventsPerMinute)
	var limiter websocket.Limiter
	if cfg.RateLimit.EventsPerMinute > 0 {
		limiter = app.limiter
	}

	wsHandler := websocket.NewHandler(app.registry, verifier, messageHub, limiter, websocket.Config{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		SendBuffer:     cfg.WebSocket.SendBuffer,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
	})

	app.apiServer = api.NewServer(app.sessions, app.registry, checks)

	mux := http.NewServeMux()
	mux.Handle("/api/", app.apiServer)
	mux.Handle("/health", app.apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	app.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return app, nil
}

func newTokenBackend(cfg config.TokensConfig) (tokens.Backend, error) {
	switch cfg.Backend {
	case config.TokenBackendSQLite:
		return tokens.NewSQLiteBackend(cfg.SQLitePath)
	case config.TokenBackendRedis:
		return tokens.NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKey)
	default:
		return nil, nil
	}
}

// Handler is the root HTTP handler serving /ws, /api/ and /health.
func (app *Application) Handler() http.Handler {
	return app.httpServer.Handler
}

// Sessions exposes the lifecycle manager for inspection.
func (app *Application) Sessions() *session.Manager {
	return app.sessions
}

// GetAddr returns the configured listen address.
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}

// Run listens on the configured address and serves until ctx is cancelled.
func (app *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.close()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.Serve(ctx, ln)
}

// Serve runs the hub, the HTTP server and housekeeping on ln. It returns
// after ctx is cancelled or a component fails, once shutdown has completed.
func (app *Application) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := app.messageHub.Start(gctx); err != nil {
		_ = ln.Close()
		app.close()
		return fmt.Errorf("failed to start hub: %w", err)
	}
	app.log.WithField("addr", ln.Addr().String()).Info("Live location server listening")

	g.Go(func() error {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(rateLimitCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				app.limiter.Cleanup()
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		return app.shutdown()
	})

	return g.Wait()
}

// shutdown runs in reverse dependency order: HTTP → connections → hub →
// timers → pushes → stores.
func (app *Application) shutdown() error {
	app.log.Info("Shutting down live location server")

	ctx, cancel := context.WithTimeout(context.Background(), app.config.HTTP.ShutdownTimeout)
	defer cancel()

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.log.WithError(err).Warn("HTTP server shutdown error")
	}
	app.registry.CloseAll()

	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		app.log.WithError(err).Warn("Hub shutdown error")
	}
	app.scheduler.Close()
	app.sessions.Drain(ctx)
	app.close()

	app.log.Info("Shutdown complete")
	return nil
}

func (app *Application) close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			app.log.WithError(err).Warn("Failed to close component")
		}
	}
	app.closers = nil
}
