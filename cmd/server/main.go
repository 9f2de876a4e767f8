package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/linkdeal/internal/api"
	"github.com/jmerrifield20/linkdeal/internal/auth"
	"github.com/jmerrifield20/linkdeal/internal/config"
	"github.com/jmerrifield20/linkdeal/internal/database"
	"github.com/jmerrifield20/linkdeal/internal/health"
	"github.com/jmerrifield20/linkdeal/internal/identity"
	"github.com/jmerrifield20/linkdeal/internal/idp"
	"github.com/jmerrifield20/linkdeal/internal/linking"
	"github.com/jmerrifield20/linkdeal/internal/maintenance"
	"github.com/jmerrifield20/linkdeal/internal/users"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Database ─────────────────────────────────────────────────────────────
	db, err := database.Open(ctx, cfg.Database.URL, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	tx := database.NewTransactor(db)

	// ── Identity provider ────────────────────────────────────────────────────
	verifier, err := identity.NewTokenVerifier(ctx, cfg.Verifier())
	if err != nil {
		return err
	}
	provider, err := idp.NewClient(cfg.Provider(), logger)
	if err != nil {
		return err
	}
	provider.SetMetricsRecorder(api.RecordProviderCall)

	// ── Services ─────────────────────────────────────────────────────────────
	mailer := cfg.NewMailer(logger)
	userSvc := users.NewService(users.NewRepository(db), tx, provider, mailer, cfg.Server.FrontendURL, logger)
	linkSvc := linking.NewService(linking.NewRepository(db), tx, userSvc, provider, mailer, cfg.Server.FrontendURL, logger)
	authn := auth.NewAuthenticator(verifier, userSvc, logger)

	cleaner := maintenance.NewCleaner(userSvc, linkSvc, logger,
		maintenance.WithSchedule(cfg.Maintenance.TokenSchedule),
		maintenance.WithLinkingRetention(cfg.Maintenance.LinkingRetention),
	)
	if err := cleaner.Start(); err != nil {
		return err
	}
	defer func() { <-cleaner.Stop().Done() }()

	// ── Health ───────────────────────────────────────────────────────────────
	checker := health.New([]health.Probe{
		health.PingProbe("postgres", db),
		health.HTTPProbe("identity_provider", "https://"+cfg.Auth0.Domain+"/.well-known/openid-configuration", nil),
	}, health.Config{}, logger)
	checker.SetMetricsRecord(api.RecordDependency)
	go checker.Start(ctx)

	// ── HTTP ─────────────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(userSvc, linkSvc, verifier, authn, logger)
	router := api.NewRouter(ctx, api.RouterConfig{
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimitRPS: cfg.Server.RateLimitRPS,
		Health:       checker,
	}, handler, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("linkdeal HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	// ── Graceful shutdown ────────────────────────────────────────────────────
	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}
