package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/HsiangNianian/protoworker/internal/config"
	"github.com/HsiangNianian/protoworker/internal/logging"
	"github.com/HsiangNianian/protoworker/internal/store"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "config file (.json with comments, or .yaml)",
		EnvVars: []string{"PROTOWORKER_CONFIG"},
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error; overrides the config file",
	}
)

func main() {
	app := &cli.App{
		Name:  "protoworker",
		Usage: "delegate requests to the handler of a protocol identifier",
		Flags: []cli.Flag{configFlag, logLevelFlag},
		Commands: []*cli.Command{
			serveCommand,
			requestCommand,
			subscribeCommand,
			routeCommand,
			replyStatusCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(c *cli.Context) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return config.Config{}, nil, err
	}
	if lvl := c.String(logLevelFlag.Name); lvl != "" {
		cfg.Log.Level = lvl
	}
	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	return cfg, logger, nil
}

func openStore(cfg config.Config, logger *slog.Logger) store.Store {
	if cfg.Store.RedisAddr != "" {
		logger.Info("use redis store", "addr", cfg.Store.RedisAddr)
		return store.NewRedisStore(cfg.Store.RedisAddr)
	}
	logger.Info("use memory store")
	return store.NewMemoryStore()
}
