package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"function_runtime/config"
)

// configFileEnv names a YAML file overlaid on the environment configuration
const configFileEnv = "RUNTIME_CONFIG_FILE"

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")

	subcommands.Register(&ServeCommand{}, "")
	subcommands.Register(&WorkerCommand{}, "internals")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// loadConfig reads .env, the environment and the optional YAML file, in
// increasing order of precedence
func loadConfig(path string) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to load .env")
	}

	cfg := config.LoadConfig()

	if path == "" {
		path = os.Getenv(configFileEnv)
	}
	if path != "" {
		if err := config.LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

// configureLogging sets up the logger based on the provided log level
func configureLogging(level string) {
	// Set up pretty console logging
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	log.Logger = log.Output(output)

	// Set log level
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
