package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/john/livefeed/internal/auth"
	"github.com/john/livefeed/internal/bus"
	"github.com/john/livefeed/internal/config"
	"github.com/john/livefeed/internal/health"
	"github.com/john/livefeed/internal/platform/acfun"
	"github.com/john/livefeed/internal/platform/bilibili"
	"github.com/john/livefeed/internal/platform/twitch"
	"github.com/john/livefeed/internal/platforminfo"
	"github.com/john/livefeed/internal/room"
	"github.com/john/livefeed/internal/save"
	"github.com/john/livefeed/internal/snapshot"
	"github.com/john/livefeed/internal/uploader"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "livefeed:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(level)

	var store *auth.Store
	if cfg.Auth.StorePath != "" {
		store, err = auth.OpenStore(cfg.Auth.StorePath)
		if err != nil {
			return fmt.Errorf("open auth store: %w", err)
		}
		defer store.Close()
	}

	saver := save.New(save.Options{
		Dir:         cfg.Save.Dir,
		BufferLines: cfg.Save.BufferLines,
		RotateAfter: time.Duration(cfg.Save.RotateMinutes) * time.Minute,
		RotateBytes: int64(cfg.Save.RotateMegabytes) * 1024 * 1024,
		SaveMessage: cfg.Save.SaveMessage(),
		SaveRaw:     cfg.Save.SaveRaw(),
	})

	plugins := []bus.Plugin{
		platforminfo.NewRegistry(),
		room.NewRegistry(),
		auth.New(store),
		snapshot.New(),
		saver,
		health.New(cfg.Health.Addr),
		bilibili.NewPlugin(nil),
		acfun.NewPlugin(nil),
		twitch.NewPlugin(nil),
	}
	if cfg.S3.Enabled() {
		plugins = append(plugins, uploader.New(uploader.Options{
			Bucket:               cfg.S3.Bucket,
			Region:               cfg.S3.Region,
			RoleARN:              cfg.S3.RoleARN,
			WebIdentityTokenFile: cfg.S3.WebIdentityTokenFile,
			AccessKeyID:          cfg.S3.AccessKeyID,
			SecretAccessKey:      cfg.S3.SecretAccessKey,
			DeleteAfter:          cfg.S3.DeleteAfter(),
			MaxRetries:           cfg.S3.MaxRetries,
			ScanDir:              cfg.Save.Dir,
		}, saver.Completed()))
	}

	b := bus.New(log)
	for _, p := range plugins {
		if err := b.Register(p); err != nil {
			return fmt.Errorf("register %s: %w", p.Name(), err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for platform, credentials := range cfg.Auth.Credentials {
		if _, err := b.Call(ctx, "auth", platform, credentials); err != nil {
			log.Warn().Err(err).Str("platform", platform).Msg("configured credentials rejected")
		}
	}

	for _, rc := range cfg.Rooms {
		opts := &room.Options{
			Open:            rc.OpenAtBoot(),
			AutoReconnect:   cfg.Reconnect.AutoReconnect(),
			ConnectInterval: cfg.Reconnect.ConnectInterval(),
			ConnectTimeout:  cfg.Reconnect.ConnectTimeout(),
		}
		if _, err := b.Call(ctx, "room.add", rc.Platform, rc.ID, opts); err != nil {
			log.Error().Err(err).
				Str("platform", rc.Platform).
				Str("room", rc.ID).
				Msg("failed to add configured room")
		}
	}

	log.Info().Int("rooms", len(cfg.Rooms)).Msg("livefeed started")
	<-ctx.Done()

	log.Info().Msg("shutdown signal received")
	b.Close()
	log.Info().Msg("livefeed stopped")
	return nil
}
