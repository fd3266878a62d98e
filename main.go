package main

import (
	"collabmd/internal/config"
	"collabmd/internal/discovery"
	"collabmd/internal/http"
	"collabmd/internal/relay"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	oshttp "net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	hubConfig := relay.HubConfig{Logger: logger}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		hubConfig.Broker = relay.NewRedisBroker(rdb, logger)
		logger.Info("cross-instance fan-out enabled", "redis", cfg.RedisAddr)
	}

	hub := relay.NewHub(hubConfig)
	relayServer := http.NewRelayServer(hub, cfg.Addr(), logger)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := relayServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	if cfg.MDNS {
		g.Go(func() error {
			instance, _ := os.Hostname()
			if instance == "" {
				instance = "collabmd"
			}
			if err := discovery.Advertise(gCtx, instance, cfg.Port, logger); err != nil {
				logger.Warn("mdns advertisement failed", "error", err)
			}
			return nil
		})
	}

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down relay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := relayServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("relay shutdown error", "error", err)
		}
		return nil
	})

	host := cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	base := net.JoinHostPort(host, strconv.Itoa(cfg.Port))
	logger.Info("relay listening", "websocket", "ws://"+base, "health", "http://"+base+"/health")

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("relay error", "error", err)
		os.Exit(1)
	}
}
