// The dev relay: a single-process stand-in for the hosted relay service,
// good enough to run a full call stack locally. It shares the client's
// config file so both sides agree on the JWT secret.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peercall/internal/infrastructure/relay"
	"peercall/pkg/config"
	"peercall/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	addr := flag.String("addr", ":8081", "listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// No logger yet.
		panic(err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	minter := relay.NewTokenMinter(cfg.Relay.JWTSecret, cfg.Relay.TokenTTL)
	server := relay.NewServer(relay.ServerConfig{
		PingInterval:    cfg.Relay.PingInterval,
		PongTimeout:     cfg.Relay.PongTimeout,
		WriteTimeout:    cfg.Relay.WriteTimeout,
		MaxMessageBytes: cfg.Relay.MaxMessageBytes,
	}, minter, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWebSocket)
	mux.HandleFunc("/health", server.HealthCheck)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      mux,
		ReadTimeout:  0, // websockets hold the read side open
		WriteTimeout: 0,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("dev relay listening", "address", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("dev relay failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("dev relay shutdown failed", "error", err)
	}
	log.Info("dev relay stopped")
}
