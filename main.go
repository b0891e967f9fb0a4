package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/asar-dev/asar-loader/config"
	"github.com/asar-dev/asar-loader/internal/fault"
	"github.com/asar-dev/asar-loader/internal/history"
	"github.com/asar-dev/asar-loader/internal/hooks"
)

const version = "0.1.0"

const hookFlushTimeout = 10 * time.Second

// app carries what every command needs once the root Before hook has run.
type app struct {
	cfg *config.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{}
	if err := a.command().Run(ctx, os.Args); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Warn("Interrupted")
			os.Exit(130)
		}
		if code := fault.CodeOf(err); code != "" {
			slog.Error(fault.Message(err), "code", code, "error", err)
		} else {
			slog.Error("Command failed", "error", err)
		}
		os.Exit(1)
	}
}

func (a *app) command() *cli.Command {
	return &cli.Command{
		Name:    "asar-loader",
		Usage:   "Search and download ERS-1/2 and Envisat ASAR products from the ESA archive",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format (text or json)",
				Value: "text",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Before: a.setup,
		Commands: []*cli.Command{
			a.syncCommand(),
			a.searchCommand(),
			a.downloadCommand(),
			a.credentialsCommand(),
			a.hooksCommand(),
			a.historyCommand(),
		},
	}
}

// setup configures logging and loads the configuration. Logs go to stderr so
// search output on stdout stays machine readable.
func (a *app) setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := config.Load()
	if err != nil {
		return ctx, err
	}
	a.cfg = cfg

	logLevel := slog.LevelInfo
	if cmd.Bool("verbose") || cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	switch format := strings.ToLower(cmd.String("log-format")); format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return ctx, fmt.Errorf("unsupported log format %q", format)
	}
	slog.SetDefault(slog.New(handler))

	slog.Debug("Configuration loaded", "dataDir", cfg.DataDir, "catalog", cfg.CatalogFile())
	return ctx, nil
}

// openState opens the state database and the webhook manager backed by it.
func (a *app) openState() (*history.DB, *hooks.Manager, error) {
	db, err := history.New(a.cfg)
	if err != nil {
		return nil, nil, err
	}
	return db, hooks.New(db), nil
}

// flushHooks waits for webhook deliveries still in flight.
func flushHooks(m *hooks.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), hookFlushTimeout)
	defer cancel()
	if err := m.Wait(ctx); err != nil {
		slog.Warn("Webhook deliveries still pending at exit", "error", err)
	}
}

func closeState(db *history.DB) {
	if err := db.Close(); err != nil {
		slog.Warn("Failed to close state database", "error", err)
	}
}
