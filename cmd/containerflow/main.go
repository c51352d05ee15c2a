package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/coldtrack/containerflow/pkg/forward"
	"github.com/coldtrack/containerflow/pkg/mqttconverter"
	"github.com/coldtrack/containerflow/pkg/persistence"
	"github.com/coldtrack/containerflow/pkg/pipeline"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Error().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)

	// Storage is fatal at initialization: the pipeline cannot run without
	// its engine.
	store, err := persistence.OpenSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize storage engine")
		os.Exit(1)
	}

	var sender forward.Sender
	var ledger forward.Ledger
	if cfg.Forward.URL != "" {
		sender = forward.NewHTTPSender(cfg.Forward.URL, cfg.Forward.AttemptTimeout, logger)
		ledger = store
		logger.Info().Str("url", cfg.Forward.URL).Msg("Forwarding enabled.")
	} else {
		logger.Info().Msg("No forward destination configured; records are persisted only.")
	}

	service := pipeline.New(cfg.PipelineConfig(), store, sender, ledger, clockwork.NewRealClock(), logger)
	service.Start()

	var source *mqttconverter.Source
	if cfg.MQTT.BrokerURL != "" {
		mqttCfg := mqttconverter.DefaultConfig()
		mqttCfg.BrokerURL = cfg.MQTT.BrokerURL
		mqttCfg.Topic = cfg.MQTT.Topic
		mqttCfg.Username = cfg.MQTT.Username
		mqttCfg.Password = cfg.MQTT.Password

		source = mqttconverter.NewSource(mqttCfg, service.Dispatcher, logger)
		if err := source.Start(); err != nil {
			logger.Error().Err(err).Msg("Failed to start MQTT source")
			shutdown(service, nil, nil, logger)
			os.Exit(1)
		}
	}

	server := NewServer(cfg.HTTPPort, service, logger)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received.")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server failed.")
		}
	}

	shutdown(service, server, source, logger)
}

// shutdown stops the collaborators in dependency order: ingress first, then
// the HTTP front, then the pipeline (which runs the final flush).
func shutdown(service *pipeline.Service, server *Server, source *mqttconverter.Source, logger zerolog.Logger) {
	if source != nil {
		source.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if server != nil {
		server.Shutdown(ctx)
	}
	if err := service.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Pipeline shutdown reported errors.")
	}
	logger.Info().Msg("Shutdown complete.")
}

func setupLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	return zerolog.New(os.Stderr).Level(parsed).With().Timestamp().Logger()
}
