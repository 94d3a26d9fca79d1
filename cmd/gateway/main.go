// Command gateway runs the Team Skills identity gateway.
//
//	AZURE_AD_CLIENT_ID=... AZURE_AD_TENANT_ID=... gateway --migrate
//
// Without AZURE_AD_CLIENT_ID and AZURE_AD_TENANT_ID the gateway runs in
// demo mode and every route is public.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/StricklySoft/teamskills-gateway/internal/gateway"
	"github.com/StricklySoft/teamskills-gateway/pkg/config"
	sserr "github.com/StricklySoft/teamskills-gateway/pkg/errors"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML or JSON configuration file; environment variables take precedence",
		EnvVars: []string{"GATEWAY_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "listen-addr",
		Usage: "address to listen on, overriding PORT and LISTEN_ADDR",
	},
	&cli.BoolFlag{
		Name:  "log-text",
		Usage: "log in text format instead of JSON",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "migrate",
		Usage: "create the users table before serving",
	},
}

func main() {
	app := &cli.App{
		Name:    "gateway",
		Usage:   "Identity and authorization gateway for Team Skills",
		Version: version,
		Flags:   flags,
		Action:  run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run(cCtx *cli.Context) error {
	logger := setupLogger(cCtx.Bool("log-text"), cCtx.Bool("log-debug"))
	slog.SetDefault(logger)

	var cfg gateway.Config
	if err := config.New().WithFile(cCtx.String("config")).Load(&cfg); err != nil {
		logger.Error("failed to load configuration", "error", err)
		return err
	}
	if addr := cCtx.String("listen-addr"); addr != "" {
		cfg.ListenAddr = addr
	}
	if cCtx.Bool("migrate") {
		cfg.AutoMigrate = true
	}

	app, err := gateway.New(cfg, version, gateway.WithLogger(logger))
	if err != nil {
		logger.Error("failed to build gateway", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("gateway: starting",
		"version", version,
		"environment", cfg.Environment(),
		"addr", cfg.Addr(),
	)
	if err := app.Run(ctx); err != nil {
		logger.Error("gateway: exited with error",
			"error", err,
			"code", sserr.GetCode(err),
		)
		return err
	}
	logger.Info("gateway: shut down cleanly")
	return nil
}

func setupLogger(text, debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	var h slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if text {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(h).With("service", gateway.ServiceName)
}
