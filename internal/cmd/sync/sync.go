// Package sync parses sync command flags and composes the process entrypoint.
package sync

import (
	"context"
	"flag"
	"fmt"

	entrypoint "github.com/maplocus/wisn/internal/platform/cmd"
	server "github.com/maplocus/wisn/internal/services/sync/app"
)

// Config holds sync command configuration.
type Config struct {
	HTTPAddr       string `env:"WISN_SYNC_HTTP_ADDR"       envDefault:":8080"`
	StoragePath    string `env:"WISN_SYNC_STORAGE_PATH"    envDefault:"wisn-sync.db"`
	BrokerURL      string `env:"WISN_MQTT_BROKER_URL"      envDefault:"tcp://localhost:1883"`
	PositionsTopic string `env:"WISN_MQTT_POSITIONS_TOPIC" envDefault:"wisn/positions"`
	EventsTopic    string `env:"WISN_MQTT_EVENTS_TOPIC"    envDefault:"wisn/events"`
	MQTTClientID   string `env:"WISN_MQTT_CLIENT_ID"       envDefault:"wisn-sync"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "sync HTTP listen address")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "SQLite storage path")
	fs.StringVar(&cfg.BrokerURL, "broker-url", cfg.BrokerURL, "MQTT broker URL (empty disables telemetry)")
	fs.StringVar(&cfg.PositionsTopic, "positions-topic", cfg.PositionsTopic, "MQTT topic carrying position reports")
	fs.StringVar(&cfg.EventsTopic, "events-topic", cfg.EventsTopic, "MQTT topic for change notifications")
	fs.StringVar(&cfg.MQTTClientID, "mqtt-client-id", cfg.MQTTClientID, "MQTT client identifier")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the sync app and starts the realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSync, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:       cfg.HTTPAddr,
			StoragePath:    cfg.StoragePath,
			BrokerURL:      cfg.BrokerURL,
			PositionsTopic: cfg.PositionsTopic,
			EventsTopic:    cfg.EventsTopic,
			MQTTClientID:   cfg.MQTTClientID,
		}); err != nil {
			return fmt.Errorf("serve sync: %w", err)
		}
		return nil
	})
}
