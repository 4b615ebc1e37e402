package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"codecollab/internal/api"
	"codecollab/internal/config"
	"codecollab/internal/events"
	"codecollab/internal/exec"
	"codecollab/internal/routers"
	"codecollab/internal/session"
	"codecollab/internal/utils"
)

const shutdownTimeout = 30 * time.Second

var (
	listenAndServe = func(srv *http.Server) error { return srv.ListenAndServe() }
	exitFunc       = func(err error) { log.Fatal(err) }
)

var configFile = flag.String("config", "", "path to a YAML config file (default $COLLAB_CONFIG)")

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := *configFile
	if path == "" {
		path = os.Getenv("COLLAB_CONFIG")
	}
	if err := run(ctx, path); err != nil {
		exitFunc(err)
	}
}

func run(ctx context.Context, configPath string) error {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := utils.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	publisher, ready, closePublisher, err := newPublisher(ctx, cfg.Events, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	workDir, err := exec.PrepareWorkDir(cfg.Exec)
	if err != nil {
		return err
	}

	backend, err := exec.NewBackend(cfg.Exec)
	if err != nil {
		return err
	}
	if docker, ok := backend.(*exec.DockerBackend); ok {
		go func() {
			if err := docker.WarmImages(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("image warmup failed", zap.Error(err))
			}
		}()
	}
	dispatcher := exec.NewDispatcher(cfg.Exec, backend, publisher, logger.Named("exec"))

	janitor := exec.NewJanitor(workDir, cfg.Exec.JanitorSchedule, cfg.Exec.JanitorMaxAge, logger.Named("janitor"))
	janitor.SetInUse(dispatcher.InFlight)
	if err := janitor.Start(); err != nil {
		return err
	}
	defer janitor.Stop()

	hub := session.NewHub(session.NewRegistry(), session.NewStore(), publisher, logger.Named("session"))
	handlers := api.NewHandlers(logger.Named("api"), dispatcher, hub, cfg.WebSocket)
	handlers.SetReadyCheck(ready)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      routers.New(handlers, cfg.Server),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("collab server listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("exec_backend", cfg.Exec.Backend),
		)
		errCh <- listenAndServe(srv)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("collab server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("collab server exited")
	return nil
}

// newPublisher connects the Redis event feed when configured, falling back to a no-op publisher.
func newPublisher(ctx context.Context, cfg config.EventsConfig, logger *zap.Logger) (events.Publisher, func(context.Context) error, func(), error) {
	if cfg.RedisAddr == "" {
		return events.Nop{}, nil, func() {}, nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pub, err := events.NewRedisPublisher(pingCtx, cfg.RedisAddr, cfg.RedisDB, cfg.Channel, logger.Named("events"))
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Info("event feed enabled", zap.String("redis", cfg.RedisAddr), zap.String("channel", cfg.Channel))
	return pub, pub.Ping, func() { _ = pub.Close() }, nil
}
