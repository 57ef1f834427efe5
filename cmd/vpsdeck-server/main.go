// vpsdeck - VPS and AI model console gateway
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/vpsdeck/internal/api"
	"github.com/ashureev/vpsdeck/internal/backend"
	"github.com/ashureev/vpsdeck/internal/chat"
	"github.com/ashureev/vpsdeck/internal/config"
	"github.com/ashureev/vpsdeck/internal/container"
	"github.com/ashureev/vpsdeck/internal/deploylog"
	"github.com/ashureev/vpsdeck/internal/identity"
	"github.com/ashureev/vpsdeck/internal/middleware"
	"github.com/ashureev/vpsdeck/internal/session"
	"github.com/ashureev/vpsdeck/internal/store"
	"github.com/ashureev/vpsdeck/internal/tokenstore"
	"github.com/ashureev/vpsdeck/web"
)

const dockerClientIdle = 30 * time.Minute

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "api_url", cfg.APIURL, "streaming", cfg.Chat.Streaming)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Session.
	tokens, err := tokenstore.NewFileStore(cfg.TokenPath, logger)
	if err != nil {
		slog.Error("Failed to open token store", "error", err, "path", cfg.TokenPath)
		os.Exit(1)
	}
	defer func() {
		if closeErr := tokens.Close(); closeErr != nil {
			slog.Error("Failed to close token store", "error", closeErr)
		}
	}()

	client, err := backend.NewClient(cfg.APIURL, backend.WithLogger(logger))
	if err != nil {
		slog.Error("Failed to initialize backend client", "error", err)
		os.Exit(1)
	}

	nav := api.NewNavigationHub()
	guard := session.NewGuard(tokens, client,
		session.WithNavigator(nav),
		session.WithLogger(logger),
		session.WithValidateTimeout(cfg.Auth.ValidateTimeout),
	)
	defer guard.Close()
	// Gated routes wait on guard readiness, so the listener can start now.
	go guard.Initialize(ctx)

	// Transcript cache.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")
	store.StartRetentionWorker(ctx, repo, cfg.Transcript.Retention, nil)

	// Chat.
	var chatHub *backend.Hub
	if cfg.Chat.Streaming {
		chatHub = backend.NewHub(cfg.HubURL, logger)
	}
	registry := chat.NewRegistry(chat.RegistryConfig{
		Exchanger:       backend.NewExchanger(client, chatHub, guard, logger),
		Recorder:        repo,
		Sources:         []chat.HistorySource{backend.NewHistory(client, guard), repo},
		ExchangeTimeout: cfg.Chat.ExchangeTimeout,
		Logger:          logger,
	})
	defer registry.Close()

	chatHandler := chat.NewHandler(registry, cfg)
	defer chatHandler.Close()

	// Docker engines and deployment logs.
	pool := container.NewPool(cfg.Docker, container.WithPoolLogger(logger))
	defer pool.Close()
	container.StartIdleWorker(ctx, pool, dockerClientIdle, nil)

	deploySessions := deploylog.NewSessionManager()
	deployHandler := deploylog.NewHandler(client, backend.NewHub(cfg.HubURL, logger), guard, deploySessions, cfg.FrontendURL, cfg.IsDevelopment())
	defer deployHandler.Close()

	// A logout from any context ends in-flight exchanges and log relays.
	unsubscribe := guard.Subscribe(func(s session.State) {
		if !s.LoggedIn && !s.Loading {
			registry.StopAll()
			deploySessions.CloseAll("signed out")
		}
	})
	defer unsubscribe()

	// Initialize handlers.
	baseHandler := api.NewHandler(api.Deps{
		Backend:               client,
		Session:               guard,
		Docker:                pool,
		Repo:                  repo,
		Navigation:            nav,
		OnConversationDeleted: registry.Forget,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware(guard))

	api.NewHealthHandler(baseHandler).RegisterHealth(r)
	api.NewAuthHandler(baseHandler).RegisterRoutes(r)
	api.NewVPSHandler(baseHandler).RegisterRoutes(r)
	api.NewContainerHandler(baseHandler).RegisterRoutes(r)
	api.NewModelHandler(baseHandler).RegisterRoutes(r)
	api.NewConversationHandler(baseHandler).RegisterRoutes(r)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequirePrivate(guard))
		chatHandler.RegisterRoutes(r)
	})

	// WebSocket endpoint.
	r.With(middleware.AdminOnly(guard)).Get("/ws/deploy/{vpsID}", deployHandler.ServeHTTP)

	// Serve embedded frontend. Page routes carry the same gates as their APIs.
	spa := web.SPAHandler()
	r.With(middleware.PublicOnly(guard)).Get(session.SignInPath, spa.ServeHTTP)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequirePrivate(guard))
		r.Get(session.LandingPath, spa.ServeHTTP)
		r.Get(session.LandingPath+"/*", spa.ServeHTTP)
		r.Get("/chat/*", spa.ServeHTTP)
		r.Get("/settings", spa.ServeHTTP)
	})
	r.With(middleware.AdminOnly(guard)).Get("/admin/*", spa.ServeHTTP)
	r.Handle("/*", spa)

	// Create server.
	// SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			stop()
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	registry.StopAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped successfully")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
