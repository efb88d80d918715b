package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/overlay/nattunnel/internal/tunnelclient"
)

func main() {
	configPath := flag.String("config", "configs/tunnelclient.yaml", "path to tunnel client configuration file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := tunnelclient.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := tunnelclient.New(cfg)
	if err != nil {
		slog.Error("failed to create tunnel client", "err", err)
		os.Exit(1)
	}

	go func() {
		for ev := range client.Events() {
			switch ev.Kind {
			case tunnelclient.EventOpen:
				slog.Info("tunnel open")
			case tunnelclient.EventClose:
				slog.Info("tunnel closed")
			case tunnelclient.EventError:
				slog.Error("tunnel error", "err", ev.Err)
			}
		}
	}()

	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("tunnel client exited", "err", err)
		client.Close()
		os.Exit(1)
	}
	client.Close()
}
