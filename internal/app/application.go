package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"coursechat/internal/access"
	"coursechat/internal/api"
	"coursechat/internal/auth"
	"coursechat/internal/chat"
	"coursechat/internal/config"
	"coursechat/internal/database"
	"coursechat/internal/database/badgerstore"
	"coursechat/internal/hub"
	"coursechat/internal/ratelimit"
	"coursechat/internal/websocket"
	"coursechat/pkg/interfaces"
	dbconfig "coursechat/pkg/database"
)

var ErrAlreadyStarted = errors.New("application already started")

// Application owns every component and their lifecycle.
// Build order: database → message store → access → hub → registry → chat → auth → transport → HTTP
type Application struct {
	config *config.Config
	log    *slog.Logger

	dbManager     *database.Manager
	messageStore  interfaces.MessageStore
	policy        *access.Policy
	messageHub    *hub.Hub
	registry      *websocket.Registry
	limiter       *ratelimit.Limiter
	chatService   *chat.Service
	authenticator *auth.Authenticator
	apiServer     *api.Server
	httpServer    *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	serveErr chan error
}

// New validates cfg and builds the component graph without starting anything
func New(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	dbManager, err := database.NewManager(databaseConfig(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	if err := dbManager.Migrate(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	logger.Info("database ready", "path", cfg.Database.Path)

	var messageStore interfaces.MessageStore = dbManager
	if cfg.Store.Backend == "badger" {
		bs, err := badgerstore.Open(cfg.Store.BadgerPath, logger)
		if err != nil {
			_ = dbManager.Close()
			return nil, fmt.Errorf("failed to open message store: %w", err)
		}
		messageStore = bs
	}
	logger.Info("message store ready", "backend", cfg.Store.Backend)

	authenticator, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL.Duration)
	if err != nil {
		closeStores(dbManager, messageStore)
		return nil, err
	}

	policy := access.NewPolicy(dbManager, logger)
	messageHub := hub.NewHub(hub.Config{Workers: cfg.Hub.Workers, QueueSize: cfg.Hub.QueueSize}, logger)
	registry := websocket.NewRegistry()
	limiter := ratelimit.PerMinute(cfg.Chat.RateLimitPerMinute)

	chatService := chat.NewService(messageStore, policy, chat.Config{
		MaxBodyLength: cfg.Chat.MaxBodyLength,
		DefaultLimit:  cfg.Chat.DefaultLimit,
		MaxLimit:      cfg.Chat.MaxLimit,
	},
		chat.WithBroadcaster(messageHub),
		chat.WithDirectory(dbManager),
		chat.WithRateLimiter(limiter),
		chat.WithLogger(logger),
	)

	var joinPolicy interfaces.AccessChecker
	if cfg.Chat.JoinRequiresAccess {
		joinPolicy = policy
	}
	wsHandler := websocket.NewHandler(registry, messageHub, authenticator, joinPolicy, websocketConfig(cfg), logger)

	apiServer := api.NewServer(chatService, authenticator, messageStore, registry, messageHub,
		http.HandlerFunc(wsHandler.HandleWebSocket), logger)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout.Duration,
		WriteTimeout: cfg.HTTP.WriteTimeout.Duration,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &Application{
		config:        cfg,
		log:           logger.With("component", "app"),
		dbManager:     dbManager,
		messageStore:  messageStore,
		policy:        policy,
		messageHub:    messageHub,
		registry:      registry,
		limiter:       limiter,
		chatService:   chatService,
		authenticator: authenticator,
		apiServer:     apiServer,
		httpServer:    httpServer,
	}, nil
}

func databaseConfig(cfg *config.Config) *dbconfig.Config {
	c := dbconfig.DefaultConfig()
	c.DatabasePath = cfg.Database.Path
	c.MaxConnections = cfg.Database.MaxConnections
	c.WriteTimeout = cfg.Database.Timeout.Duration
	return c
}

func websocketConfig(cfg *config.Config) websocket.Config {
	return websocket.Config{
		PingInterval:   cfg.WebSocket.PingInterval.Duration,
		PongWait:       cfg.WebSocket.ReadTimeout.Duration,
		WriteTimeout:   cfg.WebSocket.WriteTimeout.Duration,
		SendBuffer:     cfg.WebSocket.BufferSize,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,

		MaxConnectionsPerUser: cfg.WebSocket.MaxConnectionsPerUser,
	}
}

// Start starts the hub and the limiter sweeper, binds the listener and
// serves in the background. It returns once the listener is bound.
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	// the hub outlives ctx so Stop can flush broadcasts of in-flight posts
	if err := app.messageHub.Start(context.WithoutCancel(ctx)); err != nil {
		cancel()
		return fmt.Errorf("failed to start message hub: %w", err)
	}
	go app.limiter.Run(runCtx, time.Minute)

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		cancel()
		_ = app.messageHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	app.listener = listener
	app.cancel = cancel
	app.serveErr = make(chan error, 1)
	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.log.Error("HTTP server error", "error", err)
			app.serveErr <- err
		}
		close(app.serveErr)
	}()

	app.log.Info("coursechat started", "addr", listener.Addr().String())
	return nil
}

// Done yields a serve error, or closes after a clean shutdown
func (app *Application) Done() <-chan error {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.serveErr
}

// Stop shuts down in reverse order: HTTP, live connections, hub, stores.
// Broadcasts already queued are flushed before the hub stops.
func (app *Application) Stop(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	var errs []error
	if app.listener != nil {
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
		}
		app.registry.CloseAll()
		if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
		}
		app.cancel()
		app.listener = nil
	}

	closeStores(app.dbManager, app.messageStore)
	app.log.Info("coursechat stopped")
	return errors.Join(errs...)
}

func closeStores(dbManager *database.Manager, messageStore interfaces.MessageStore) {
	if messageStore != nil && messageStore != interfaces.MessageStore(dbManager) {
		if err := messageStore.Close(); err != nil {
			slog.Default().Warn("message store close failed", "error", err)
		}
	}
	if err := dbManager.Close(); err != nil && !errors.Is(err, database.ErrManagerClosed) {
		slog.Default().Warn("database close failed", "error", err)
	}
}

// Addr returns the bound address once started, else the configured one
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler is the full HTTP surface including /ws
func (app *Application) Handler() http.Handler { return app.apiServer }

func (app *Application) Authenticator() *auth.Authenticator { return app.authenticator }

// Directory exposes course and enrollment administration
func (app *Application) Directory() *database.Manager { return app.dbManager }

// DeleteCourse removes a course from the directory and drops its messages
// from the message store when that store is kept outside the directory
func (app *Application) DeleteCourse(ctx context.Context, courseID string) error {
	if err := app.dbManager.DeleteCourse(ctx, courseID); err != nil {
		return err
	}
	if app.messageStore == interfaces.MessageStore(app.dbManager) {
		return nil
	}
	purger, ok := app.messageStore.(interfaces.CoursePurger)
	if !ok {
		app.log.Warn("message store cannot purge deleted course", "course_id", courseID)
		return nil
	}
	if err := purger.DeleteCourse(ctx, courseID); err != nil {
		return fmt.Errorf("failed to purge course messages: %w", err)
	}
	app.log.Info("course deleted", "course_id", courseID)
	return nil
}

func (app *Application) Hub() *hub.Hub { return app.messageHub }
