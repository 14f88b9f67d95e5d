package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/internal/core/services"
	"peercall/internal/infrastructure/control"
	"peercall/internal/infrastructure/monitoring"
	"peercall/internal/infrastructure/presence"
	"peercall/internal/infrastructure/relay"
	rtcinfra "peercall/internal/infrastructure/rtc"
	"peercall/pkg/config"
	"peercall/pkg/logger"
	"peercall/pkg/retry"
	"peercall/pkg/tracing"
	"peercall/pkg/utils"

	"github.com/pion/webrtc/v3"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// No logger yet.
		panic(err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if cfg.Identity.UserID == "" {
		log.Fatal("identity.user_id must be configured (or set PEERCALL_USER_ID)")
	}
	self := domain.UserID(cfg.Identity.UserID)

	// Tracing
	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "peercall",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Redis backs the presence store, catch-up log and call history;
	// nothing works without it.
	if !cfg.Redis.Enabled {
		log.Fatal("redis.enabled must be true: presence and signal catch-up live there")
	}
	rdb, err := presence.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
	if err != nil {
		log.Fatalw("failed to connect to redis", "address", cfg.Redis.Address, "error", err)
	}

	// Relay transport
	minter := relay.NewTokenMinter(cfg.Relay.JWTSecret, cfg.Relay.TokenTTL)
	envelopeLog := relay.NewEnvelopeLog(rdb, cfg.Signaling.EnvelopeTTL, log)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 15*time.Second)
	transport, err := relay.NewTransport(dialCtx, relay.ClientConfig{
		URL:               cfg.Relay.URL,
		PingInterval:      cfg.Relay.PingInterval,
		PongTimeout:       cfg.Relay.PongTimeout,
		WriteTimeout:      cfg.Relay.WriteTimeout,
		MessagesPerSecond: cfg.Relay.MessagesPerSecond,
		Burst:             cfg.Relay.Burst,
		MaxMessageBytes:   cfg.Relay.MaxMessageBytes,
		Reconnect: retry.Config{
			Enabled:      true,
			MaxAttempts:  cfg.Relay.Reconnect.MaxAttempts,
			InitialDelay: cfg.Relay.Reconnect.InitialDelay,
			MaxDelay:     cfg.Relay.Reconnect.MaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}, minter, envelopeLog, self, cfg.Signaling.EnvelopeTTL, log)
	dialCancel()
	if err != nil {
		log.Fatalw("failed to connect to relay", "url", cfg.Relay.URL, "error", err)
	}

	// Presence
	callStore := presence.NewCallStore(rdb, log)
	callLog := presence.NewCallLog(rdb)

	// WebRTC
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		iceServers = append(iceServers, server)
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}

	connectorCfg := rtcinfra.Config{ICEServers: iceServers}
	connectorCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	connectorCfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	connector, err := rtcinfra.NewConnector(connectorCfg, log)
	if err != nil {
		log.Fatalw("failed to build WebRTC connector", "error", err)
	}

	provider := rtcinfra.NewProvider(rtcinfra.ProviderConfig{
		MicPort:         cfg.Media.MicRTPPort,
		CameraPort:      cfg.Media.CameraRTPPort,
		ScreenPort:      cfg.Media.ScreenRTPPort,
		ScreenAudioPort: cfg.Media.ScreenAudioRTPPort,
	}, log)

	// Monitoring
	var metrics ports.MetricsSink = monitoring.NopSink{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector()
	}

	// Engine
	engine := services.NewEngine(services.EngineConfig{
		SignalTTL:          cfg.Signaling.EnvelopeTTL,
		RingTimeout:        cfg.Signaling.RingTimeout,
		QueueSize:          cfg.Signaling.QueueSize,
		PendingBufferSize:  cfg.Signaling.PendingBufferSize,
		MediaCheckInterval: cfg.Signaling.AudioCheckInterval,
		MediaStallAfter:    cfg.Signaling.AudioStallAfter,
		MixScreenAudio:     cfg.Media.MixScreenAudio,
		JoinTimeout:        cfg.Signaling.JoinTimeout,
		Bitrate: services.BitratePolicyConfig{
			SmallGroupLimit:   cfg.Bitrate.SmallGroupLimit,
			CameraHigh:        cfg.Bitrate.CameraHigh,
			CameraLow:         cfg.Bitrate.CameraLow,
			CameraWhileScreen: cfg.Bitrate.CameraWhileScreen,
			Screen:            cfg.Bitrate.Screen,
		},
	}, self, transport, callStore, callLog, connector, provider, metrics, log)

	if err := engine.Start(context.Background()); err != nil {
		log.Fatalw("failed to start engine", "error", err)
	}

	// Control API
	if cfg.Control.AuthToken != "" {
		log.Infow("control API auth enabled", "token", utils.MaskSensitive(cfg.Control.AuthToken, 4))
	}
	health := monitoring.NewHealthChecker()
	health.AddRedisCheck(rdb, 2*time.Second)
	health.AddRelayCheck(transport)
	server := control.NewServer(cfg, engine, callLog, health, log)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Run(); err != nil {
			serverErr <- err
		}
	}()

	log.Infow("peercall daemon started",
		"user_id", self,
		"control", cfg.Control.Address,
		"relay", cfg.Relay.URL,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("control API failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Control.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("control API shutdown failed", "error", err)
	}

	// The engine leaves the channel and concludes any active call before
	// the stores underneath it go away.
	if err := engine.Close(); err != nil {
		log.Errorw("engine close failed", "error", err)
	}
	if err := transport.Close(); err != nil {
		log.Errorw("relay transport close failed", "error", err)
	}
	if err := callStore.Close(); err != nil {
		log.Errorw("presence store close failed", "error", err)
	}
	if err := rdb.Close(); err != nil {
		log.Errorw("redis close failed", "error", err)
	}
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Errorw("tracing shutdown failed", "error", err)
		}
	}

	log.Info("peercall daemon stopped")
}
