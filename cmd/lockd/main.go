package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/trymwestin/lockd/internal/config"
	"github.com/trymwestin/lockd/internal/core/arbiter"
	"github.com/trymwestin/lockd/internal/core/clips"
	"github.com/trymwestin/lockd/internal/core/device"
	"github.com/trymwestin/lockd/internal/core/lock"
	"github.com/trymwestin/lockd/internal/core/motion"
	"github.com/trymwestin/lockd/internal/core/orchestrator"
	"github.com/trymwestin/lockd/internal/core/state"
	"github.com/trymwestin/lockd/internal/core/transport"
	"github.com/trymwestin/lockd/internal/httpapi"
	"github.com/trymwestin/lockd/internal/mqtt"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lockd: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("lockd exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting lockd", "version", version, "http", cfg.HTTP.Addr)

	store := clips.NewStore(cfg.Clips.Dir, cfg.Clips.DefaultDuration)
	if err := store.Ensure(); err != nil {
		return err
	}

	dev := device.Open(device.Config{
		DeviceID:  cfg.Camera.DeviceID,
		Width:     cfg.Camera.Width,
		Height:    cfg.Camera.Height,
		Framerate: cfg.Camera.Framerate,
		Simulate:  cfg.Camera.Simulate,
	}, log.With("component", "camera"))

	cam := arbiter.New(arbiter.Config{
		Resolution:  device.Resolution{Width: cfg.Camera.Width, Height: cfg.Camera.Height},
		BusyTimeout: cfg.Arbiter.BusyTimeout,
		BusyRetries: cfg.Arbiter.BusyRetries,
	}, dev, store, log.With("component", "arbiter"))

	est := motion.New(motion.Config{
		Threshold:      cfg.Motion.Threshold,
		MinArea:        cfg.Motion.MinArea,
		SimProbability: cfg.Motion.SimProbability,
	}, dev.Simulated())
	if c, ok := est.(io.Closer); ok {
		defer c.Close()
	}

	motor := lock.OpenMotor(lock.Config{
		Pin:           cfg.Lock.Pin,
		PulseDuration: cfg.Lock.PulseDuration,
		Simulate:      cfg.Lock.Simulate,
	}, log.With("component", "motor"))
	defer motor.Close()

	bus := state.NewEventBus(log.With("component", "bus"))

	door := orchestrator.New(orchestrator.Config{
		MotionEnabled: cfg.Motion.Enabled,
		Tick:          cfg.Motion.Tick,
		Cooldown:      cfg.Motion.Cooldown,
		Backoff:       cfg.Motion.Backoff,
		ClipDuration:  cfg.Motion.ClipDuration,
		MotorTimeout:  cfg.Lock.MotorTimeout,
	}, cam, est, motor, store, bus, log.With("component", "orchestrator"))

	hub := transport.NewHub(bus, door, cfg.HTTP.CORSAll, log.With("component", "ws"))
	api := httpapi.NewServer(door, hub, version, cfg.HTTP.UIDir, cfg.HTTP.CORSAll, log.With("component", "http"))

	var pub mqtt.Publisher
	if cfg.MQTT.Enabled {
		pub = mqtt.NewHAPublisher(mqtt.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			DeviceID:    cfg.MQTT.DeviceID,
			DoorName:    cfg.MQTT.DoorName,
		}, door, bus, log.With("component", "mqtt"))
	} else {
		pub = mqtt.NewStubPublisher(log.With("component", "mqtt"))
	}

	if err := door.Start(ctx); err != nil {
		return err
	}
	if err := pub.Start(ctx); err != nil {
		log.Warn("MQTT publisher failed to start", "error", err)
		pub = mqtt.NewStubPublisher(log.With("component", "mqtt"))
	}

	g, gctx := errgroup.WithContext(ctx)

	// live camera streams end with the base context
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}
	g.Go(func() error {
		log.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP shutdown incomplete", "error", err)
		}
		if err := door.Stop(shutdownCtx); err != nil {
			log.Warn("orchestrator stop failed", "error", err)
		}
		if err := pub.Stop(shutdownCtx); err != nil {
			log.Warn("MQTT stop failed", "error", err)
		}
		if err := cam.Close(shutdownCtx); err != nil {
			log.Warn("camera close failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("lockd stopped")
	return nil
}
