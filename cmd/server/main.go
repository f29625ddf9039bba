package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatsync/infrastructure/cache"
	"chatsync/infrastructure/config"
	"chatsync/infrastructure/db"
	"chatsync/infrastructure/kafka"
	"chatsync/infrastructure/logger"
	"chatsync/infrastructure/metrics"
	"chatsync/infrastructure/pubsub"
	"chatsync/infrastructure/ws"
	httpHandler "chatsync/internal/delivery/http"
	"chatsync/internal/delivery/websocket"
	"chatsync/internal/notification"
	"chatsync/internal/repository"
	"chatsync/internal/usecase"
	"chatsync/pkg/jwt"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.App.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	mongoDb, err := db.NewMongoStore(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongoDb.Close(closeCtx)
	}()
	if err := mongoDb.EnsureIndexes(ctx); err != nil {
		return err
	}
	log.Info("connected to mongodb", zap.String("database", cfg.Mongo.Database))

	// Initialize repositories
	conversationRepo := repository.NewGuardedConversationRepository(
		repository.NewConversationRepository(*mongoDb.DB), cfg.Breaker.MaxFailures, cfg.Breaker.Timeout, log)
	messageRepo := repository.NewGuardedMessageRepository(
		repository.NewMessageRepository(*mongoDb.DB), cfg.Breaker.MaxFailures, cfg.Breaker.Timeout, log)
	userRepo := repository.NewUserRepository(*mongoDb.DB)

	memcache := cache.NewMemCache(time.Minute)
	defer memcache.Close()

	var (
		hub            ws.IHub
		presenceStore  usecase.PresenceStore
		changeNotifier *pubsub.RedisChangeNotifier
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}

		log.Info("using redis hub", zap.String("addr", cfg.Redis.Addr), zap.String("server_id", cfg.App.ServerId))
		hub = ws.NewRedisHub(rdb, cfg.Redis.Prefix, cfg.App.ServerId, log)
		presenceStore = cache.NewRedisPresenceStore(rdb, cfg.Redis.Prefix)
		changeNotifier = pubsub.NewRedisChangeNotifier(rdb, cfg.Redis.Prefix, cfg.App.ServerId, log)
	} else {
		log.Info("using in-memory hub (single server)")
		hub = ws.NewHub(log)
		presenceStore = cache.NewMemoryPresenceStore(memcache)
	}

	var notifier notification.Notifier
	if len(cfg.Kafka.Brokers) > 0 {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.NotificationTopic)
		defer producer.Close()
		notifier = notification.NewKafkaNotifier(producer, log)
		log.Info("publishing notifications to kafka", zap.String("topic", producer.Topic()))
	} else {
		notifier = notification.NewLogNotifier(log)
	}

	// Initialize use cases
	logOpts := usecase.MessageLogOptions{Logger: log}
	if changeNotifier != nil {
		logOpts.Notifier = changeNotifier
	}
	messageLog := usecase.NewMessageLog(messageRepo, logOpts)
	directory := usecase.NewConversationDirectory(conversationRepo, usecase.DirectoryOptions{
		LegacyLookup: cfg.Directory.LegacyLookup,
		Logger:       log,
	})
	ledger := usecase.NewCounterLedger(conversationRepo, messageLog, nil)
	userUc := usecase.NewUserUseCase(userRepo, memcache, 5*time.Minute)
	presence := usecase.NewPresenceTracker(hub, presenceStore, usecase.PresenceOptions{
		TypingWindow:   cfg.Presence.TypingWindow,
		HeartbeatGrace: cfg.Presence.HeartbeatGrace,
		Logger:         log,
	})
	defer presence.Close()
	chatUc := usecase.NewChatUsecase(directory, messageLog, ledger, userUc, hub, usecase.ChatOptions{
		RetryMaxElapsed: cfg.Send.RetryMaxElapsed,
		Logger:          log,
	})

	if cfg.UsesDefaultJWTSecret() {
		log.Warn("using default JWT secret, set JWT_SECRET for production")
	}
	// this service only verifies tokens, so the lifetime is unused
	tokens := jwt.NewJWTManager(cfg.JWT.Secret, 15*time.Minute)

	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()
	go hub.Run(hubCtx)
	if changeNotifier != nil {
		go func() {
			if err := changeNotifier.Listen(hubCtx, messageLog.Invalidate); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("change listener stopped", zap.Error(err))
			}
		}()
	}

	websocketH := websocket.NewWebsocketHandler(hub, chatUc, presence, messageLog, notifier, tokens, websocket.Config{
		Client: ws.ClientConfig{
			PingInterval:   cfg.WS.PingInterval,
			PongWait:       cfg.WS.PongWait,
			WriteWait:      cfg.WS.WriteWait,
			MaxMessageSize: cfg.WS.MaxMessageSize,
			RatePerSecond:  cfg.WS.RatePerSecond,
			Burst:          cfg.WS.Burst,
		},
		BackoffInitial:      cfg.Sync.BackoffInitial,
		BackoffMax:          cfg.Sync.BackoffMax,
		DraftTTL:            cfg.Sync.DraftTTL,
		SendRetryMaxElapsed: cfg.Send.RetryMaxElapsed,
	}, log)
	hub.SetOnClientUnregister(websocketH.HandleUnregisterClient)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	httpH := httpHandler.NewHttpHandler(chatUc, presence, mongoDb, log)
	httpHandler.MapHttpRoutes(router, httpH, websocketH, httpHandler.NewAuthMiddleware(tokens))

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server is running", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
