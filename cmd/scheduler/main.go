// Package main is the entry point of the scheduler daemon. It watches the
// job catalog in the object store and launches containerized jobs on store,
// schedule and lifecycle triggers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"

	"github.com/seguro-projekt/platform/internal/compose"
	"github.com/seguro-projekt/platform/internal/config"
	"github.com/seguro-projekt/platform/internal/scheduler"
	"github.com/seguro-projekt/platform/internal/server"
	"github.com/seguro-projekt/platform/internal/store"
	"github.com/seguro-projekt/platform/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)

	log.Info().Str("project", cfg.ProjectName).Msg("Starting scheduler")

	// Fail fast when the container backend is unreachable; nothing the
	// scheduler does can succeed without it.
	if err := pingDocker(); err != nil {
		log.Fatal().Err(err).Msg("Container backend is not reachable")
	}

	st, err := store.NewClient(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to object store")
	}

	composer := compose.NewComposer(cfg.ProjectName, log)

	env := scheduler.Environment{
		S3Host:    cfg.S3Endpoint(),
		MQTTHost:  fmt.Sprintf("%s:%d", cfg.MQTTHost, cfg.MQTTPort),
		TLSCACert: cfg.TLSCACert,
		TLSCert:   cfg.TLSCert,
		TLSKey:    cfg.TLSKey,
		EnvFile:   os.Getenv("JOB_ENV_FILE"),
	}

	sched := scheduler.New(
		scheduler.NewStore(st),
		scheduler.NewServiceBackend(composer),
		env, cfg.JobPrefix, log)

	srv := server.New(cfg.Port, sched, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("Status server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Status server shutdown failed")
	}
}

func pingDocker() error {
	docker, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	defer docker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := docker.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}

	return nil
}
