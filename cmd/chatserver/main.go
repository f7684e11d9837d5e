package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/roomchat/internal/auth"
	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/config"
	"github.com/whisper/roomchat/internal/httpapi"
	"github.com/whisper/roomchat/internal/logger"
	"github.com/whisper/roomchat/internal/messaging"
	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/moderation"
	"github.com/whisper/roomchat/internal/ratelimit"
	"github.com/whisper/roomchat/internal/room"
	"github.com/whisper/roomchat/internal/session"
	"github.com/whisper/roomchat/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("ROOMCHAT_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.L().Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.Log)
	log := logger.L()

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("chat server exited")
	}
}

func run(cfg *config.Config) error {
	log := logger.L()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Redis (optional) ---
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		var err error
		rdb, err = session.Connect(ctx, session.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	// --- Message store ---
	store, err := openStore(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(cctx); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
	}()

	// --- Identity ---
	var resolver auth.Resolver
	if cfg.Auth.JWTSecret != "" {
		resolver = auth.NewJWTResolver(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	} else {
		log.Warn().Msg("auth.jwt_secret is empty: only anonymous connections are accepted")
	}

	// --- NATS (optional) ---
	var opts []room.Option
	var natsClient *messaging.NATSClient
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = cfg.NATS.Name + "-" + cfg.Server.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			return err
		}
		opts = append(opts, room.WithSink(messaging.NewEventSink(natsClient, cfg.Moderation.Enabled)))

		if cfg.Moderation.Enabled {
			if err := natsClient.SubscribeModerationResults(onModerationResult); err != nil {
				return err
			}
		}
	}

	opts = append(opts, room.WithLogger(log.With().
		Str("component", "room").
		Str("server", cfg.Server.ServerName).
		Logger()))
	engine := room.NewEngine(room.NewRegistry(), store, resolver, opts...)

	// --- WebSocket transport ---
	wsConfig := ws.DefaultServerConfig()
	wsConfig.WorkerPoolSize = cfg.Server.WorkerPoolSize
	wsConfig.MaxConnections = cfg.Server.MaxConnections
	wsConfig.ReadTimeout = cfg.Server.ReadTimeout
	wsConfig.WriteTimeout = cfg.Server.WriteTimeout
	wsConfig.Heartbeat = ws.HeartbeatConfig{
		Interval: cfg.Server.HeartbeatInterval,
		Timeout:  cfg.Server.HeartbeatTimeout,
	}
	wsConfig.ConnectRule = ratelimit.RuleConnect.WithLimit(cfg.RateLimit.ConnectLimit, cfg.RateLimit.ConnectWindow)

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(wsConfig, engine, dispatcher.Dispatch)

	var limiter *ratelimit.Limiter
	if rdb != nil {
		limiter = ratelimit.NewLimiter(rdb)
		server.SetLimiter(limiter)
		server.SetSessionStore(session.NewStore(rdb, cfg.Server.ServerName))
	}
	sendRule := ratelimit.RuleSend.WithLimit(cfg.RateLimit.SendLimit, cfg.RateLimit.SendWindow)
	ws.NewRoomHandlers(server, engine, limiter, sendRule).Bind(dispatcher)

	if err := server.Start(); err != nil {
		return err
	}

	// --- HTTP ---
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	health := func() interface{} {
		h := server.Health()
		h.Rooms = engine.Registry().RoomCount()
		return h
	}
	handler := httpapi.NewHTTPHandler(engine, health, server.HandleUpgrade)
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           httpapi.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("listen_addr", cfg.Server.ListenAddr).
		Str("server_name", cfg.Server.ServerName).
		Str("store", cfg.Store.Driver).
		Bool("redis", rdb != nil).
		Bool("nats", natsClient != nil).
		Bool("auth", resolver != nil).
		Msg("chat server starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("initiating graceful shutdown")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := server.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("websocket shutdown: %w", err))
		}
		if natsClient != nil {
			if err := natsClient.Flush(); err != nil {
				log.Warn().Err(err).Msg("nats flush failed")
			}
			natsClient.Close()
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, rdb *redis.Client) (chat.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMongo:
		mctx, cancel := context.WithTimeout(ctx, cfg.Store.Mongo.ConnectTimeout)
		defer cancel()
		return chat.OpenMongo(mctx, cfg.Store.Mongo.URI, cfg.Store.Mongo.Database, cfg.Store.Mongo.Collection)
	case config.DriverSQL:
		return chat.OpenSQL(cfg.Store.SQL.Driver, cfg.Store.SQL.DSN)
	case config.DriverRedis:
		if rdb == nil {
			return nil, errors.New("redis store requires redis.addr")
		}
		return chat.NewRedisStore(rdb), nil
	default:
		return chat.NewMemoryStore(), nil
	}
}

func onModerationResult(connID string, data []byte) {
	var res moderation.Result
	if err := json.Unmarshal(data, &res); err != nil {
		logger.L().Warn().Err(err).Msg("invalid moderation result")
		return
	}
	if !res.Blocked {
		return
	}
	metrics.ModerationFlagsTotal.Inc()
	logger.L().Warn().
		Str(logger.FieldConnID, connID).
		Str(logger.FieldMessageID, res.MessageID).
		Str(logger.FieldRoomID, res.RoomID).
		Str("reason", res.Reason).
		Str("term", res.Term).
		Msg("message flagged by moderation")
}
