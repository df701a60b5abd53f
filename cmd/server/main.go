package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/api"
	"github.com/t77yq/agent-orchestrator/internal/integration"
	"github.com/t77yq/agent-orchestrator/internal/monitor"
	"github.com/t77yq/agent-orchestrator/internal/pipeline"
	"github.com/t77yq/agent-orchestrator/internal/scheduler"
	"github.com/t77yq/agent-orchestrator/internal/secret"
	"github.com/t77yq/agent-orchestrator/internal/storage"
	"github.com/t77yq/agent-orchestrator/internal/webhook"
)

const encryptionKeyEnv = "ORCHESTRATOR_SECRETS_ENCRYPTION_KEY"

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	loadConfig(logger)

	secretCfg, err := loadEncryptionKey()
	if err != nil {
		logger.Fatal("Failed to load secret encryption key", zap.Error(err))
	}

	nc, err := connectNATS(logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	store, err := storage.Open(logger, viper.GetString("storage.path"))
	if err != nil {
		logger.Fatal("Failed to open storage", zap.Error(err))
	}
	defer store.Close()

	secrets := secret.NewStore(secretCfg, store, logger)
	registry := integration.NewRegistry(store, logger)
	proxy := integration.NewProxy(registry, secrets, logger)
	tracker := pipeline.NewTracker(store, js, logger)
	collector := monitor.NewCollector(store, logger)

	sched := scheduler.New(scheduler.Config{
		TickInterval: viper.GetDuration("scheduler.tick_interval"),
	}, store, tracker, js, logger)

	dispatcher := webhook.NewDispatcher(webhook.Config{
		MaxAttempts:    viper.GetInt("webhook.max_attempts"),
		InitialBackoff: viper.GetDuration("webhook.initial_backoff"),
		MaxBackoff:     viper.GetDuration("webhook.max_backoff"),
		Timeout:        viper.GetDuration("webhook.timeout"),
	}, store, js, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	if err := dispatcher.Start(ctx); err != nil {
		logger.Fatal("Failed to start webhook dispatcher", zap.Error(err))
	}

	server := api.NewServer(api.Config{
		Addr:        viper.GetString("server.addr"),
		ReadTimeout: viper.GetDuration("server.read_timeout"),
	}, sched, tracker, registry, proxy, secrets, collector, logger)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server stopped", zap.Error(err))
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown did not finish cleanly", zap.Error(err))
	}

	logger.Info("Server shutting down gracefully")
}

func loadConfig(logger *zap.Logger) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")

	viper.SetDefault("app.name", "agent-orchestrator")
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.read_timeout", 15*time.Second)
	viper.SetDefault("storage.path", "orchestrator.db")
	viper.SetDefault("nats.url", nats.DefaultURL)
	viper.SetDefault("nats.max_reconnects", 10)
	viper.SetDefault("nats.reconnect_wait", 2*time.Second)
	viper.SetDefault("nats.connect_timeout", 5*time.Second)
	viper.SetDefault("scheduler.tick_interval", time.Second)
	viper.SetDefault("webhook.max_attempts", 3)
	viper.SetDefault("webhook.initial_backoff", 2*time.Second)
	viper.SetDefault("webhook.max_backoff", 30*time.Second)
	viper.SetDefault("webhook.timeout", 10*time.Second)

	if err := viper.ReadInConfig(); err != nil {
		logger.Warn("No config file found, using defaults", zap.Error(err))
	}
}

// loadEncryptionKey reads the 64-hex-character AES key from the environment.
// It never passes through viper so the key cannot leak into config dumps.
func loadEncryptionKey() (secret.Config, error) {
	var cfg secret.Config

	raw := os.Getenv(encryptionKeyEnv)
	if raw == "" {
		return cfg, fmt.Errorf("environment variable %s is not set", encryptionKeyEnv)
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != 32 {
		return cfg, fmt.Errorf("%s must be 64 hex characters", encryptionKeyEnv)
	}
	copy(cfg.EncryptionKey[:], decoded)
	return cfg, nil
}

func connectNATS(logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	for i := 0; i < 5; i++ {
		nc, err = nats.Connect(viper.GetString("nats.url"), opts...)
		if err == nil {
			logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, err
}
