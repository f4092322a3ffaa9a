package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/afroash/telemetry-receiver/internal/config"
	"github.com/afroash/telemetry-receiver/internal/ingest"
	"github.com/afroash/telemetry-receiver/internal/logging"
	"github.com/afroash/telemetry-receiver/internal/mqttclient"
	"github.com/afroash/telemetry-receiver/internal/server"
	"github.com/afroash/telemetry-receiver/internal/storage"
)

const version = "v0.3.0"

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config file (defaults and environment only when empty)")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.LoadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Logging, "receiver")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	logger.Info().
		Str("version", version).
		Str("config", cfg.String()).
		Msg("Starting telemetry receiver")

	service := ingest.NewService(ingest.NewRecordStore(nil, nil), logger)
	api := server.NewAPIHandler(service, logger, version)

	var (
		archive          *storage.SQLiteStore
		archiveWriter    *storage.ArchiveWriter
		retentionCleaner *storage.RetentionCleaner
	)
	if cfg.Archive.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Archive.Path), 0755); err != nil {
			logger.Fatal().Err(err).Msg("Failed to create archive directory")
		}
		archive, err = storage.NewSQLiteStore(cfg.Archive.Path, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open archive")
		}

		archiveWriter = storage.NewArchiveWriter(archive, storage.ArchiveWriterConfig{
			BatchSize:   cfg.Archive.BatchSize,
			FlushPeriod: cfg.Archive.FlushPeriod,
			ChannelSize: cfg.Archive.ChannelSize,
		}, logger)
		service.AddSink(archiveWriter)
		api.SetArchive(archive, archiveWriter)

		retentionCleaner = storage.NewRetentionCleaner(archive, storage.RetentionCleanerConfig{
			RetentionDays: cfg.Archive.RetentionDays,
			CleanupPeriod: cfg.Archive.CleanupPeriod,
		}, logger)
	}

	stream := server.NewStreamHandler(service, logger, cfg.Server.AllowedOrigins...)
	api.SetSessions(stream)

	var (
		broker     *mqttclient.Client
		mqttIngest *server.MQTTIngest
	)
	if cfg.MQTT.Enabled {
		broker, mqttIngest, err = startMQTT(cfg.MQTT, service, logger)
		if err != nil {
			// The HTTP surface keeps working without the broker
			logger.Error().Err(err).Msg("MQTT ingest disabled")
		} else {
			api.SetMQTT(mqttIngest)
		}
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.NewRouter(api, stream, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down server...")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("Server failed")
	}

	if broker != nil {
		broker.Close()
		logger.Info().Interface("stats", mqttIngest.Stats()).Msg("MQTT client closed")
	}

	stream.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
	}

	// The writer drains after HTTP stops so no accepted record misses the archive
	if archiveWriter != nil {
		archiveWriter.Stop()
		logger.Info().Interface("stats", archiveWriter.Stats()).Msg("Archive writer stopped")
	}
	if retentionCleaner != nil {
		retentionCleaner.Stop()
	}
	if archive != nil {
		if err := archive.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close archive")
		}
	}

	logger.Info().Int("records", service.Stats().TotalDataCount).Msg("Server stopped")
}

func startMQTT(cfg config.MQTTSettings, service *ingest.Service, logger zerolog.Logger) (*mqttclient.Client, *server.MQTTIngest, error) {
	client, err := mqttclient.New(mqttclient.Options{
		BrokerURL: cfg.BrokerURL,
		// Broker client ids must be unique per connection
		ClientID: cfg.ClientID + "-" + uuid.NewString()[:8],
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}

	ingestor := server.NewMQTTIngest(service, logger)
	if err := ingestor.Start(client, cfg.Topic, cfg.QoS); err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, ingestor, nil
}
