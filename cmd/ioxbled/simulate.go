package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"ioxble/internal/bridge"
	"ioxble/internal/config"
	"ioxble/internal/peripheral"
	"ioxble/internal/simulator"
)

const simulateServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"

func simulateFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "uuid", Value: simulateServiceUUID, Usage: "service UUID to advertise"},
		&cli.IntFlag{Name: "count", Value: 5, Usage: "telemetry records to send (0 means until interrupted)"},
		&cli.DurationFlag{Name: "interval", Value: time.Second, Usage: "time between records"},
		&cli.IntFlag{Name: "mtu", Value: simulator.DefaultMTU, Usage: "largest write the virtual IOX makes"},
		&cli.Float64Flag{Name: "lat", Value: 43.6532, Usage: "trip start latitude"},
		&cli.Float64Flag{Name: "lon", Value: -79.3832, Usage: "trip start longitude"},
		&cli.UintFlag{Name: "speed", Value: 60, Usage: "road speed in km/h"},
	}
}

// printGateway writes module output as lines on w.
type printGateway struct {
	mu sync.Mutex
	w  io.Writer
}

func (g *printGateway) EvaluateScript(script string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := fmt.Fprintf(g.w, "script %s\n", script)
	return err
}

func (g *printGateway) PushModuleEvent(name, detail string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := fmt.Fprintf(g.w, "event  %s %s\n", name, detail)
	return err
}

func simulate(c *cli.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loop := peripheral.NewLoopback()
	defer loop.Close()

	module, err := bridge.NewModule(bridge.ModuleOptions{
		Manager:            loop,
		Gateway:            &printGateway{w: os.Stdout},
		Logger:             log,
		CharacteristicUUID: cfg.CharacteristicUUID,
		LocalName:          cfg.LocalName,
		SyncInterval:       cfg.SyncInterval,
	})
	if err != nil {
		return err
	}
	defer module.Close()

	startCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := module.Start(startCtx, bridge.StartParams{UUID: c.String("uuid")}); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	dev := simulator.New(loop, simulator.Options{MTU: c.Int("mtu"), Logger: log})
	connectCtx, cancelConnect := context.WithTimeout(ctx, 10*cfg.SyncInterval+5*time.Second)
	defer cancelConnect()
	if err := dev.Connect(connectCtx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer dev.Disconnect()

	trip := simulator.NewTrip(time.Now(), c.Float64("lat"), c.Float64("lon"), uint8(c.Uint("speed")))
	err = dev.Stream(ctx, trip, c.Duration("interval"), c.Int("count"))
	if err != nil && ctx.Err() == nil {
		return err
	}

	st := module.Status()
	log.Info("simulation finished",
		zap.Stringer("state", st.State),
		zap.Int64("frames", st.Stats.FramesDecoded))
	return nil
}
