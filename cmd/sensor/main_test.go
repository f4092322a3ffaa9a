package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/telemetry-receiver/internal/client"
	"github.com/afroash/telemetry-receiver/internal/config"
	"github.com/afroash/telemetry-receiver/internal/ingest"
	"github.com/afroash/telemetry-receiver/internal/models"
	"github.com/afroash/telemetry-receiver/internal/sensor"
	"github.com/afroash/telemetry-receiver/internal/server"
)

func testConfig(url string) *config.Config {
	cfg := &config.Config{
		Device: config.DeviceConfig{
			ID:           "itest-device",
			Location:     "lab",
			ReadInterval: 100 * time.Millisecond,
			Baseline:     21,
		},
		Server: config.ServerConfig{
			URL:           url,
			FlushInterval: 200 * time.Millisecond,
			BatchSize:     5,
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func newDevice(cfg *config.Config, logger zerolog.Logger) (*sensor.Reader, *models.DeviceInfo) {
	source := sensor.NewSimulatedSource(cfg.Device.Baseline, cfg.Device.Jitter, 7)
	device := models.NewDeviceInfo(cfg.Device.ID, cfg.Device.Location, cfg.Device.SensorType, version)
	reader := sensor.NewReader(source, device, cfg.Device.ReadInterval, logger)
	reader.SetBatteryDrain(cfg.Device.BatteryDrain)
	return reader, device
}

func TestRun_ShutdownFlushesBuffer(t *testing.T) {
	logger := zerolog.Nop()

	service := ingest.NewService(ingest.NewRecordStore(nil, nil), logger)
	stream := server.NewStreamHandler(service, logger)
	srv := httptest.NewServer(stream)
	defer srv.Close()

	cfg := testConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	// only the shutdown flush can deliver anything
	cfg.Server.FlushInterval = time.Hour

	reader, device := newDevice(cfg, logger)
	defer reader.Close()
	buffer := client.NewReadingBuffer(cfg.Buffer.Size, cfg.Buffer.DropOldest)
	conn := client.NewConnection(connectionConfig(cfg), device, buffer, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 700*time.Millisecond)
	defer cancel()

	if err := run(ctx, cfg, reader, buffer, conn, logger, false); err != context.DeadlineExceeded {
		t.Fatalf("run returned %v, want deadline exceeded", err)
	}

	pushed := int(buffer.Stats().TotalPushed)
	if pushed == 0 {
		t.Fatal("no readings were buffered")
	}
	if !buffer.IsEmpty() {
		t.Errorf("buffer still holds %d readings after shutdown", buffer.Size())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && service.Stats().TotalDataCount < pushed {
		time.Sleep(10 * time.Millisecond)
	}
	if got := service.Stats().TotalDataCount; got != pushed {
		t.Errorf("receiver stored %d records, want all %d buffered readings", got, pushed)
	}
	if conn.IsConnected() {
		t.Error("connection should be closed after run returns")
	}
}
