package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"github.com/rs/zerolog/log"

	"function_runtime/config"
	"function_runtime/supervisor"
)

// ErrAlreadyRunning is returned when another supervisor owns the cache root
var ErrAlreadyRunning = errors.New("another supervisor is running on this cache root")

// ServeCommand runs the supervisor and its worker pool
type ServeCommand struct {
	configPath string
}

func (*ServeCommand) Name() string     { return "serve" }
func (*ServeCommand) Synopsis() string { return "Run the function runtime with a pool of workers" }
func (*ServeCommand) Usage() string {
	return `serve [-config FILE]
`
}

func (c *ServeCommand) SetFlags(flags *flag.FlagSet) {
	flags.StringVar(&c.configPath, "config", "", "YAML configuration file")
}

func (c *ServeCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := loadConfig(c.configPath)
	if cfg != nil {
		configureLogging(cfg.LogLevel)
	}
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return subcommands.ExitUsageError
	}

	if err := c.serve(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("Supervisor failed")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *ServeCommand) serve(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Cache.Root, 0755); err != nil {
		return fmt.Errorf("failed to create cache root: %w", err)
	}

	lk := flock.New(filepath.Join(cfg.Cache.Root, ".supervisor.lock"))
	ok, err := lk.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyRunning
	}
	defer lk.Unlock()

	ln, err := net.Listen("tcp", ":"+cfg.Server.Port)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", cfg.Server.Port, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return errors.New("listener is not a TCP listener")
	}

	args := []string{"worker"}
	if c.configPath != "" {
		args = append(args, "-config", c.configPath)
	}
	spawner, err := supervisor.NewExecSpawner(tcpLn, args...)
	// Workers accept on their inherited copies
	ln.Close()
	if err != nil {
		return err
	}
	defer spawner.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(spawner, supervisor.SignalTerminator{}, supervisor.Options{
		SweepInterval:   cfg.Pool.SweepInterval,
		RespawnDelay:    cfg.Pool.RespawnDelay,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		DefaultTimeout:  cfg.Pool.ExecutionTimeout,
	})

	log.Info().
		Int("workers", cfg.Pool.Workers).
		Str("port", cfg.Server.Port).
		Str("cache_root", cfg.Cache.Root).
		Msg("Starting function runtime")

	if err := sup.Start(ctx, cfg.Pool.Workers); err != nil {
		sup.Stop()
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	var admin *http.Server
	if cfg.Pool.AdminAddr != "" {
		admin = &http.Server{
			Addr:              cfg.Pool.AdminAddr,
			Handler:           sup.Routes(),
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
		}
		go func() {
			log.Info().Str("addr", cfg.Pool.AdminAddr).Msg("Admin server listening")
			if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Admin server failed")
			}
		}()
	}

	sup.Run(ctx)

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Admin server forced to shutdown")
		}
	}

	log.Info().Msg("Supervisor exited properly")
	return nil
}
