package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/overlay/nattunnel/internal/tunnelserver"
)

func main() {
	configPath := flag.String("config", "configs/tunnelserver.yaml", "path to tunnel server configuration file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := tunnelserver.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	server := tunnelserver.NewServer(cfg)
	if !cfg.Listen.AutoBind {
		slog.Info("auto_bind disabled, calling Run explicitly")
	}
	if err := server.Run(); err != nil {
		slog.Error("tunnel server exited with error", "err", err)
		os.Exit(1)
	}
}
