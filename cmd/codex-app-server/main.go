// Package main is the entry point for codex-app-server, the multiplex
// transport front door: it accepts stdio or WebSocket connections,
// frames them as JSON-RPC, and relays notifications to codexd so other
// tooling attached to the daemon can observe this process's activity.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/nugget/codexhub/internal/appserver"
	"github.com/nugget/codexhub/internal/buildinfo"
	"github.com/nugget/codexhub/internal/config"
	"github.com/nugget/codexhub/internal/producer"
	"github.com/nugget/codexhub/internal/session"
	"github.com/nugget/codexhub/internal/transport"
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
	logger.Info("starting codex-app-server", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch)

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

	if level, err := config.ParseLogLevel(cfg.LogLevel); err == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	listenURL, err := transport.ParseListenURL(cfg.AppServer.Listen)
	if err != nil {
		logger.Error("invalid app_server.listen", "error", err)
		os.Exit(1)
	}

	logger.Info("config loaded", "path", cfgPath, "listen", cfg.AppServer.Listen, "codexd_socket", cfg.Codexd.SocketPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pid := int64(os.Getpid())
	cwd, _ := os.Getwd()
	displayName := "codex-app-server"
	prod := producer.Spawn(ctx, producer.Config{
		SocketPath: cfg.Codexd.SocketPath,
		RuntimeID:  uuid.NewString(),
		Metadata: producer.Metadata{
			PID:           &pid,
			SessionSource: strPtr("app-server"),
			Cwd:           &cwd,
			DisplayName:   &displayName,
		},
		Logger: logger,
	})
	defer prod.Shutdown()

	bus := transport.NewBus(256)
	handler := appserver.New(prod, logger)
	proc := session.NewProcessor(bus, logger, handler)

	if err := transport.Start(ctx, listenURL, cfg.AppServer.BearerToken, bus, logger); err != nil {
		logger.Error("transport failed to start", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	proc.Run(ctx)
	logger.Info("codex-app-server stopped")
}

func strPtr(s string) *string { return &s }
