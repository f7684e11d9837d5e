package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/roomchat/internal/config"
	"github.com/whisper/roomchat/internal/logger"
	"github.com/whisper/roomchat/internal/messaging"
	"github.com/whisper/roomchat/internal/moderation"
	"github.com/whisper/roomchat/internal/session"
)

func main() {
	configPath := flag.String("config", os.Getenv("ROOMCHAT_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.L().Fatal().Err(err).Msg("failed to load config")
	}
	cfg.Log.ServiceName = "moderator"
	logger.Init(cfg.Log)
	log := logger.L()

	if cfg.NATS.URL == "" {
		log.Fatal().Msg("nats.url is required for the moderator")
	}

	// Redis is optional; it only backs the per-sender flag counter.
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err = session.Connect(ctx, session.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
	}

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = cfg.NATS.Name + "-moderator"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to nats")
	}

	filter := moderation.NewFilter().WithTerms(cfg.Moderation.ExtraTerms)
	activity := moderation.NewActivity(moderation.ActivityConfig{
		Window:     cfg.Moderation.Window,
		MaxBurst:   cfg.Moderation.BurstLimit,
		MaxRepeats: cfg.Moderation.RepeatLimit,
	})
	worker := moderation.NewWorkerWithActivity(filter, activity, natsClient.PublishModerationResult, rdb)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = natsClient.SubscribeModerationCheck(func(data []byte) {
		hctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if _, _, err := worker.Handle(hctx, data); err != nil {
			log.Warn().Err(err).Msg("moderation request failed")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to moderation checks")
	}

	log.Info().
		Str("nats_url", cfg.NATS.URL).
		Bool("redis", rdb != nil).
		Int("extra_terms", len(cfg.Moderation.ExtraTerms)).
		Msg("moderation service running")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		natsClient.Close()
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("moderator exited with error")
	}
}
