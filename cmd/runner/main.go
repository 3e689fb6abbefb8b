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

	"github.com/flopro/nexus/internal/clock"
	"github.com/flopro/nexus/internal/config"
	"github.com/flopro/nexus/internal/logging"
	"github.com/flopro/nexus/internal/monitor"
	"github.com/flopro/nexus/internal/publisher"
	"github.com/flopro/nexus/internal/reconcile"
	"github.com/flopro/nexus/internal/runnerapi"
	"github.com/flopro/nexus/internal/runtime"
	"github.com/flopro/nexus/internal/token"
)

var version = "dev"

func main() {
	cfg := config.LoadRunner()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	engine, err := runtime.NewDockerEngine(cfg.DockerSock)
	if err != nil {
		log.Error("failed to create Docker client", "error", err)
		os.Exit(1)
	}
	if err := engine.Ping(ctx); err != nil {
		log.Warn("docker engine unreachable at startup, continuing", "error", err)
	}
	manager := runtime.NewManager(cfg, engine, runtime.ExecRunner{}, log)

	pub := publisher.New(cfg.RedisURL, log)
	pub.Start(ctx)
	defer pub.Stop()

	clk := clock.Real{}
	monitors := monitor.NewSupervisor(pub, manager, clk, nil, log)
	defer monitors.Shutdown()

	reconciler := reconcile.New(manager, monitors, pub, cfg.TenantRoot, cfg.ReconcileInterval, clk, log)
	if err := reconciler.Start(ctx); err != nil {
		log.Error("reconciler failed to start", "error", err)
		os.Exit(1)
	}
	defer reconciler.Stop()

	tokens := token.NewService(token.Config{
		RunnerSecret: cfg.RunnerSharedSecret,
		Alg:          cfg.RunnerJWTAlg,
	})

	srv := runnerapi.New(runnerapi.Dependencies{
		Log:          log,
		Runtime:      manager,
		Monitors:     monitors,
		Publisher:    pub,
		Tokens:       tokens,
		Reconciler:   reconciler,
		DefaultImage: cfg.NexusImage,
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

	log.Info("runner started", "addr", httpSrv.Addr, "tenant_root", cfg.TenantRoot, "version", version)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server error", "error", err)
		os.Exit(1)
	}
	log.Info("runner shutdown complete")
}
