// Package main is the entry point for codexd, the daemon broker: it
// maintains the runtime catalog and fans out monotonically sequenced
// events to subscribers over a Unix domain socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nugget/codexhub/internal/buildinfo"
	"github.com/nugget/codexhub/internal/config"
	"github.com/nugget/codexhub/internal/hub"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	runServe(logger, *configPath)
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting codexd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	logLevel := cfg.Codexd.LogLevel
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	if level, err := config.ParseLogLevel(logLevel); err == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded", "path", cfgPath, "socket_path", cfg.Codexd.SocketPath)

	listener, ownsSocketPath, err := hub.BindUnixListener(cfg.Codexd.SocketPath)
	if err != nil {
		logger.Error("failed to bind codexd socket", "error", err)
		os.Exit(1)
	}
	logger.Info("codexd listening", "socket_path", cfg.Codexd.SocketPath, "owns_socket_path", ownsSocketPath)

	h := hub.New()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = listener.Close()
		if ownsSocketPath {
			_ = os.Remove(cfg.Codexd.SocketPath)
		}
	}()

	if err := hub.Serve(ctx, listener, h, logger); err != nil {
		logger.Error("codexd serve failed", "error", err)
		os.Exit(1)
	}

	logger.Info("codexd stopped")
}
