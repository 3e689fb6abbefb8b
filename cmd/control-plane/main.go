package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/flopro/nexus/internal/auth"
	"github.com/flopro/nexus/internal/clock"
	"github.com/flopro/nexus/internal/config"
	"github.com/flopro/nexus/internal/events"
	"github.com/flopro/nexus/internal/googleoauth"
	"github.com/flopro/nexus/internal/logging"
	"github.com/flopro/nexus/internal/orchestrator"
	"github.com/flopro/nexus/internal/runnerclient"
	"github.com/flopro/nexus/internal/secret"
	"github.com/flopro/nexus/internal/store"
	"github.com/flopro/nexus/internal/token"
	"github.com/flopro/nexus/internal/web"
)

var version = "dev"

func main() {
	cfg := config.LoadControl()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if cfg.AutoCreateSchema {
		if err := db.Migrate(ctx); err != nil {
			log.Error("schema migration failed", "error", err)
			os.Exit(1)
		}
		log.Info("schema migrations applied")
	}

	cipher, err := secret.New(cfg.SecretsMasterKeyB64)
	if err != nil {
		log.Error("invalid secrets master key", "error", err)
		os.Exit(1)
	}

	tokens := token.NewService(token.Config{
		AppSecret:    cfg.AppJWTSecret,
		RunnerSecret: cfg.RunnerSharedSecret,
		Alg:          cfg.AppJWTAlg,
		AccessTTL:    cfg.AccessTokenTTL(),
		RefreshTTL:   cfg.RefreshTokenTTL(),
		RunnerTTL:    time.Duration(cfg.RunnerTokenTTLSeconds) * time.Second,
		StateTTL:     time.Duration(cfg.GoogleOAuthStateTTLSeconds) * time.Second,
	})

	google := googleoauth.New(cfg.GoogleOAuthClientID, cfg.GoogleOAuthClientSecret,
		cfg.GoogleOAuthRedirectURI, cfg.GoogleOAuthAllowedOrigins)
	runner := runnerclient.New(cfg.RunnerBaseURL, tokens)

	bus := events.NewManager(cfg.RedisURL, db, log)
	bus.Start(ctx)
	defer bus.Stop()

	clk := clock.Real{}
	limiter := auth.NewSignupRateLimiter(cfg.RedisURL, cfg.RatelimitSignupPerMinute, clk)
	limiter.Start(ctx)
	defer limiter.Stop()

	orch := orchestrator.New(db, runner, bus, cipher, google, tokens, cfg.NexusImage, clk, log)

	srv := web.NewServer(web.Dependencies{
		Log:           log,
		Users:         db,
		Tokens:        tokens,
		Orch:          orch,
		Events:        bus,
		SignupLimiter: limiter,
	})

	httpSrv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("control plane started", "addr", httpSrv.Addr, "version", version)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server error", "error", err)
		os.Exit(1)
	}
	log.Info("control plane shutdown complete")
}
