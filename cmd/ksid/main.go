// Command ksid is the event-runtime daemon: it loads ksid.yaml, brings up
// the context manager, router, routing service, checkpoint engine and
// transports, and runs until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/durapensa/ksi"
	"github.com/durapensa/ksi/pkg/config"
	"github.com/durapensa/ksi/pkg/daemon"
	"github.com/durapensa/ksi/pkg/logger"
	"github.com/durapensa/ksi/pkg/utils"
)

func main() {
	var (
		configPath = flag.String("config", "ksid.yaml", "path to configuration file")
		varDir     = flag.String("var-dir", "var", "path to the daemon's var directory (run/log/db/lib)")
		showVer    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println(ksi.GetVersion())
		return
	}

	if err := run(*configPath, *varDir); err != nil {
		fmt.Fprintln(os.Stderr, "ksid:", err)
		os.Exit(1)
	}
}

func run(configPath, varDir string) error {
	if _, err := utils.EnsureVarDir(varDir); err != nil {
		return fmt.Errorf("failed to prepare var directory: %w", err)
	}

	loader, err := config.NewLoader(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config loader: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level, err := logger.ParseLevel(cfg.Logger.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Logger.Level, err)
	}

	output := os.Stderr
	if cfg.Logger.File != "" {
		file, cleanup, err := logger.OpenLogFile(cfg.Logger.File)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output)

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to construct daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("ksid starting", "version", ksi.Version, "config", configPath)
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon exited with error: %w", err)
	}
	return nil
}
