package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/glizzus/radio-relay/internal/config"
	"github.com/glizzus/radio-relay/internal/datalayer"
	"github.com/glizzus/radio-relay/internal/handler"
	"github.com/glizzus/radio-relay/internal/observe"
	"github.com/glizzus/radio-relay/internal/opus"
	"github.com/glizzus/radio-relay/internal/radio"
	"github.com/glizzus/radio-relay/internal/repository"
	"github.com/glizzus/radio-relay/internal/schedule"
	"github.com/glizzus/radio-relay/internal/station"
	"github.com/glizzus/radio-relay/internal/voice"
	"github.com/glizzus/radio-relay/internal/worker"
)

// stopTimeout bounds how long shutdown waits for sessions to release their
// converters and leave voice.
const stopTimeout = 10 * time.Second

func newCache(ctx context.Context, cfg *config.RedisConfig) (station.Cache, func(), error) {
	if !cfg.Enabled() {
		slog.Info("REDIS_ADDR is not set, caching station info in memory")
		return station.NewMemoryCache(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return station.NewRedisCache(rdb), func() {
		if err := rdb.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}, nil
}

func newJournal(ctx context.Context, enabled bool) (repository.PlaybackJournal, func(), error) {
	if !enabled {
		return repository.NewMemoryPlaybackRepository(), func() {}, nil
	}

	pgConfig, err := config.NewPostgresConfigFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load postgres config: %w", err)
	}
	pool, err := datalayer.NewPostgresPool(ctx, pgConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := datalayer.MigratePostgres(pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to migrate postgres: %w", err)
	}
	return repository.NewPostgresPlaybackRepository(pool), pool.Close, nil
}

func newFeed(cfg *config.RadioConfig) radio.Feed {
	if cfg.InputMode == config.InputModeURL {
		return radio.URLFeed{URL: cfg.StreamURL}
	}
	return radio.NewHTTPFeed(cfg.StreamURL, cfg.BufferSize)
}

func runBotForever() error {
	if err := config.LoadEnv(); err != nil {
		if os.IsNotExist(err) {
			slog.Warn("No .env file found, continuing without it")
		} else {
			return fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	logConfig, err := config.NewLogConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load log config: %w", err)
	}
	slog.SetLogLoggerLevel(logConfig.Level)

	discordConfig, err := config.NewDiscordConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load discord config: %w", err)
	}
	radioConfig, err := config.NewRadioConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load radio config: %w", err)
	}
	redisConfig, err := config.NewRedisConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load redis config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider()
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			slog.Warn("failed to shut down metrics", "error", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	if radioConfig.MetricsAddr != "" {
		go func() {
			if err := observe.Serve(ctx, radioConfig.MetricsAddr); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	cache, closeCache, err := newCache(ctx, redisConfig)
	if err != nil {
		return err
	}
	defer closeCache()

	journal, closeJournal, err := newJournal(ctx, radioConfig.Journal)
	if err != nil {
		return err
	}
	defer closeJournal()

	stationClient := station.NewClient(radioConfig.APIURL, cache, radioConfig.StatusTTL)

	session, err := handler.NewSession(discordConfig.Token, handler.Handlers{
		Ready: handler.ReadyLog,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	transport := voice.NewTransport(session)
	controller := radio.NewController(radio.Options{
		Transport: transport,
		Pipeline: opus.NewStreamSource(opus.TranscodeOptions{
			FFmpegPath:      radioConfig.FFmpegPath,
			ShutdownTimeout: radioConfig.ShutdownTimeout,
		}),
		Feed:           newFeed(radioConfig),
		Station:        stationClient,
		Journal:        journal,
		Metrics:        metrics,
		MaxAttempts:    radioConfig.MaxAttempts,
		ReconnectDelay: radioConfig.ReconnectDelay,
	})

	flows := handler.NewFlowManager(nil)
	flows.RegisterFlow(handler.PingFlow)
	flows.RegisterFlow(handler.NewRadioFlow(controller, transport))

	handler.AddHandlers(session, handler.Handlers{
		InteractionCreate: handler.MakeInteractionCreateHandler(flows),
		VoiceStateUpdate:  handler.MakeVoiceStateUpdateHandler(controller),
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Warn("failed to close session", "error", err)
		}
	}()

	if err := handler.EstablishCommands(session, discordConfig.GuildID); err != nil {
		return err
	}

	presence := worker.NewPresenceWorker(stationClient, worker.NewDiscordPresenceSetter(session))
	if next, err := schedule.NextRunTimes(radioConfig.PresenceCron, 1); err == nil {
		slog.Info("presence refresh scheduled", "cron", radioConfig.PresenceCron, "next", next[0])
	}
	go func() {
		if err := schedule.Every(ctx, radioConfig.PresenceCron, presence.Run); err != nil && ctx.Err() == nil {
			slog.Error("presence schedule stopped", "error", err)
		}
	}()

	listener := station.NewListener(radioConfig.SSEURL, cache)
	listener.OnStreamer = func(ctx context.Context, dj string) {
		slog.Info("DJ changed", "dj", dj)
		presence.Run(ctx)
	}
	go func() {
		if err := listener.Run(ctx); err != nil {
			slog.Error("station event listener stopped", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	controller.StopAll(stopCtx)
	return nil
}

func main() {
	if err := runBotForever(); err != nil {
		log.Fatalf("failed to run bot: %v", err)
	}
}
