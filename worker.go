package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"function_runtime/compiler"
	"function_runtime/executor"
	"function_runtime/handlers"
	"function_runtime/logging"
	"function_runtime/registry"
	"function_runtime/store"
	"function_runtime/supervisor"
)

// WorkerCommand serves invocations on the socket inherited from the
// supervisor. It is not meant to be run by hand.
type WorkerCommand struct {
	configPath string
}

func (*WorkerCommand) Name() string     { return "worker" }
func (*WorkerCommand) Synopsis() string { return "Run one pool worker (started by serve)" }
func (*WorkerCommand) Usage() string {
	return `worker [-config FILE]
`
}

func (c *WorkerCommand) SetFlags(flags *flag.FlagSet) {
	flags.StringVar(&c.configPath, "config", "", "YAML configuration file")
}

func (c *WorkerCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := loadConfig(c.configPath)
	if cfg != nil {
		configureLogging(cfg.LogLevel)
	}
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return subcommands.ExitUsageError
	}
	log.Logger = log.With().Str("worker", os.Getenv(supervisor.WorkerIDEnv)).Int("pid", os.Getpid()).Logger()

	// Ctrl-C reaches the whole process group; shutdown is the supervisor's call
	signal.Ignore(syscall.SIGINT)

	ln, err := supervisor.InheritedListener()
	if err != nil {
		log.Error().Err(err).Msg("Worker must be started by the supervisor")
		return subcommands.ExitFailure
	}
	events, err := supervisor.InheritedEventPipe()
	if err != nil {
		log.Error().Err(err).Msg("Worker must be started by the supervisor")
		return subcommands.ExitFailure
	}
	defer events.Close()

	sink, closeSink := logging.New(&cfg.Fluentd)
	defer closeSink()

	functionStore := store.NewFunctionStore(cfg.Cache.Root, registry.NewClient(&cfg.Registry), compiler.New())
	pipeline := executor.NewPipeline(executor.NewGojaLoader(), supervisor.NewLineEmitter(events), cfg.Pool.ExecutionTimeout)
	serverHandler := handlers.NewServerHandler(cfg, functionStore, pipeline, sink)

	// Plain-text HTTP/2 is served next to HTTP/1.1
	server := &http.Server{
		Handler:      h2c.NewHandler(serverHandler.Routes(), &http2.Server{}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("Worker listening")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("Shutting down worker...")
	case err := <-errCh:
		log.Error().Err(err).Msg("Worker server failed")
		return subcommands.ExitFailure
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Worker forced to shutdown")
	}

	log.Info().Msg("Worker exited properly")
	return subcommands.ExitSuccess
}
