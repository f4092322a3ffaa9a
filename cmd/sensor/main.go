package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/afroash/telemetry-receiver/internal/client"
	"github.com/afroash/telemetry-receiver/internal/config"
	"github.com/afroash/telemetry-receiver/internal/logging"
	"github.com/afroash/telemetry-receiver/internal/models"
	"github.com/afroash/telemetry-receiver/internal/sensor"
)

const version = "v0.3.0"

func main() {
	configPath := pflag.StringP("config", "c", "configs/sensor.yaml", "path to config file")
	dryRun := pflag.Bool("dry-run", false, "read and buffer without connecting to the receiver")
	seed := pflag.Uint64("seed", 0, "simulator seed (0 picks one from the clock)")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Logging, "sensor")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	logger = logger.With().Str("device_id", cfg.Device.ID).Logger()
	logger.Info().
		Str("version", version).
		Str("server", cfg.Server.URL).
		Bool("dry_run", *dryRun).
		Msg("Starting simulated device")

	if *seed == 0 {
		*seed = uint64(time.Now().UnixNano())
	}
	source := sensor.NewSimulatedSource(cfg.Device.Baseline, cfg.Device.Jitter, *seed)
	device := models.NewDeviceInfo(cfg.Device.ID, cfg.Device.Location, cfg.Device.SensorType, version)

	reader := sensor.NewReader(source, device, cfg.Device.ReadInterval, logger)
	reader.SetBatteryDrain(cfg.Device.BatteryDrain)
	defer reader.Close()

	buffer := client.NewReadingBuffer(cfg.Buffer.Size, cfg.Buffer.DropOldest)

	var conn *client.Connection
	if !*dryRun {
		conn = client.NewConnection(connectionConfig(cfg), device, buffer, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, reader, buffer, conn, logger, *dryRun); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("Device stopped with error")
		return
	}
	logger.Info().Str("buffer", buffer.String()).Msg("Device stopped")
}

func connectionConfig(cfg *config.Config) client.ConnectionConfig {
	return client.ConnectionConfig{
		URL:                  cfg.Server.URL,
		ConnectTimeout:       cfg.Server.ConnectTimeout,
		ReconnectInterval:    cfg.Server.ReconnectInterval,
		MaxReconnectInterval: cfg.Server.MaxReconnectInterval,
		PingInterval:         cfg.Server.PingInterval,
		PongTimeout:          cfg.Server.PongTimeout,
		FlushInterval:        cfg.Server.FlushInterval,
		BatchSize:            cfg.Server.BatchSize,
	}
}

// run reads until ctx is done. Every reading goes through the buffer; the
// connection drains it in batches and flushes what is left when ctx ends.
// conn is nil in dry-run mode.
func run(ctx context.Context, cfg *config.Config, reader *sensor.Reader, buffer *client.ReadingBuffer, conn *client.Connection, logger zerolog.Logger, dryRun bool) error {
	go reader.Start(ctx)

	connDone := make(chan struct{})
	if conn != nil && !dryRun {
		go func() {
			defer close(connDone)
			conn.Run(ctx)
		}()
	} else {
		close(connDone)
	}

	statsTicker := time.NewTicker(max(cfg.Server.FlushInterval*12, time.Second))
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			<-connDone
			if !buffer.IsEmpty() {
				logger.Warn().Int("buffered", buffer.Size()).Msg("Readings left undelivered")
			}
			return ctx.Err()

		case reading := <-reader.Readings():
			if !buffer.Push(reading) {
				logger.Warn().Str("buffer", buffer.String()).Msg("Buffer full, reading dropped")
				continue
			}
			logger.Debug().Float64("value", reading.Value).Int("buffered", buffer.Size()).Msg("Reading buffered")

		case <-statsTicker.C:
			event := logger.Info().Interface("buffer", buffer.Stats())
			if conn != nil {
				event = event.Str("state", conn.State().String()).Interface("server", conn.Stats())
			}
			event.Msg("Device stats")
		}
	}
}
