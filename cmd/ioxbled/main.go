// ioxbled exposes an IOX BLE peripheral to hosted web content.
//
// The service advertises a GATT service for a Geotab IOX-USB/BLE expander,
// runs the sync/handshake protocol with it and pushes decoded telemetry to
// WebSocket clients.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"ioxble/internal/config"
)

func main() {
	cfg := config.Load()

	app := &cli.App{
		Name:  "ioxbled",
		Usage: "IOX BLE peripheral bridge",
		Flags: configFlags(cfg),
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the HTTP/WebSocket service (default)",
				Action: func(c *cli.Context) error {
					return serve(cfg)
				},
			},
			{
				Name:      "decode",
				Usage:     "Decode a hex telemetry frame or bare 40-byte payload",
				ArgsUsage: "<hex>",
				Action:    decode,
			},
			{
				Name:  "simulate",
				Usage: "Run a session against a virtual IOX and print module events",
				Flags: simulateFlags(),
				Action: func(c *cli.Context) error {
					return simulate(c, cfg)
				},
			},
		},
		Action: func(c *cli.Context) error {
			return serve(cfg)
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "ioxbled:", err)
		os.Exit(1)
	}
}

// configFlags binds every configuration value to a flag. Flag defaults are
// the values loaded from the environment.
func configFlags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "host", Value: cfg.Host, Destination: &cfg.Host, Usage: "HTTP listen host", EnvVars: []string{"IOXBLE_HOST"}},
		&cli.StringFlag{Name: "port", Value: cfg.Port, Destination: &cfg.Port, Usage: "HTTP listen port", EnvVars: []string{"IOXBLE_PORT"}},
		&cli.StringFlag{Name: "backend", Value: cfg.Backend, Destination: &cfg.Backend, Usage: "peripheral backend (bluez or tinygo)", EnvVars: []string{"IOXBLE_BACKEND"}},
		&cli.StringFlag{Name: "adapter", Value: cfg.Adapter, Destination: &cfg.Adapter, Usage: "BlueZ adapter", EnvVars: []string{"IOXBLE_ADAPTER"}},
		&cli.StringFlag{Name: "local-name", Value: cfg.LocalName, Destination: &cfg.LocalName, Usage: "advertised local name", EnvVars: []string{"IOXBLE_LOCAL_NAME"}},
		&cli.StringFlag{Name: "characteristic", Value: cfg.CharacteristicUUID, Destination: &cfg.CharacteristicUUID, Usage: "notify/write characteristic UUID", EnvVars: []string{"IOXBLE_CHARACTERISTIC"}},
		&cli.DurationFlag{Name: "sync-interval", Value: cfg.SyncInterval, Destination: &cfg.SyncInterval, Usage: "sync byte repeat interval", EnvVars: []string{"IOXBLE_SYNC_INTERVAL"}},
		&cli.DurationFlag{Name: "write-timeout", Value: cfg.WriteTimeout, Destination: &cfg.WriteTimeout, Usage: "how long a write reply may be held", EnvVars: []string{"IOXBLE_WRITE_TIMEOUT"}},
		&cli.StringFlag{Name: "db", Value: cfg.DBPath, Destination: &cfg.DBPath, Usage: "SQLite telemetry history file (empty disables history)", EnvVars: []string{"IOXBLE_DB"}},
		&cli.IntFlag{Name: "history-limit", Value: cfg.HistoryLimit, Destination: &cfg.HistoryLimit, Usage: "default history page size", EnvVars: []string{"IOXBLE_HISTORY_LIMIT"}},
		&cli.StringFlag{Name: "log-level", Value: cfg.LogLevel, Destination: &cfg.LogLevel, Usage: "debug, info, warn or error", EnvVars: []string{"IOXBLE_LOG_LEVEL"}},
		&cli.StringFlag{Name: "log-format", Value: cfg.LogFormat, Destination: &cfg.LogFormat, Usage: "console or json", EnvVars: []string{"IOXBLE_LOG_FORMAT"}},
	}
}
