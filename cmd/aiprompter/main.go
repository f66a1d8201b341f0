// Command aiprompter runs the prompt enhancement gateway and its terminal
// client.
//
// Usage:
//
//	aiprompter                      # same as "aiprompter serve"
//	aiprompter serve
//	aiprompter enhance --type summarize "text to summarize"
//	aiprompter status
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/aiprompter/aiprompter/internal/config"
	"github.com/aiprompter/aiprompter/internal/observability"
	"github.com/aiprompter/aiprompter/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

// CLI defines the command-line interface.
type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the gateway (default)."`
	Enhance EnhanceCmd `cmd:"" help:"Enhance a prompt through a running gateway."`
	Status  StatusCmd  `cmd:"" help:"Show today's remaining enhancements."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("aiprompter %s\n", version)
	return nil
}

// ServeCmd runs the API and admin servers until SIGINT or SIGTERM.
type ServeCmd struct{}

func (c *ServeCmd) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting aiprompter", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Warn("config watcher disabled", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("aiprompter shut down gracefully")
	return nil
}

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("aiprompter"),
		kong.Description("Daily rate-limited prompt enhancement gateway."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
