package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	apirest "github.com/kasuganosora/animsession/api/rest"
	"github.com/kasuganosora/animsession/api/sse"
	apiws "github.com/kasuganosora/animsession/api/ws"
	"github.com/kasuganosora/animsession/audit"
	"github.com/kasuganosora/animsession/cache"
	"github.com/kasuganosora/animsession/config"
	dbadapter "github.com/kasuganosora/animsession/db"
	"github.com/kasuganosora/animsession/game/character"
	"github.com/kasuganosora/animsession/game/session"
	"github.com/kasuganosora/animsession/logsink"
	mw "github.com/kasuganosora/animsession/middleware"
	"github.com/kasuganosora/animsession/model"
	"github.com/kasuganosora/animsession/scheduler"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var base *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		base, logErr = zap.NewDevelopment()
	} else {
		base, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer base.Sync()

	if cfg.Security.JWTSecret == "" {
		base.Fatal("security.jwt_secret is not set")
	}

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	base.Info("DB initialized", zap.String("mode", cfg.Database.Mode))

	// ---- Log sink ----
	// Every named logger below is also written to log_entries, keyed by its name.
	logger := base
	var sink *logsink.Sink
	if cfg.Log.SinkEnabled {
		sink = logsink.New(db, base)
		logger = zap.New(zapcore.NewTee(base.Core(), sink.Core(zapcore.InfoLevel)), zap.AddCaller())
	}

	// ---- Cache / PubSub ----
	cacheConfig := cache.CacheConfig{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	}
	c, err := cache.NewCache(cacheConfig)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	pubsub, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	logger.Info("Cache initialized", zap.Bool("redis", cfg.Cache.RedisAddr != ""))

	// ---- Sessions ----
	history := audit.New(db, logger.Named("CharacterHistory"))
	sm := session.NewManager(character.NewGormStore(db), history, c, pubsub, session.Options{
		BroadcastBatch: cfg.Session.BroadcastBatch,
		InboxSize:      cfg.Session.InboxSize,
		Seed:           session.SeedFromConfig(cfg.Session.SeedCharacters),
	}, logger)

	// ---- Scheduler ----
	sched := scheduler.New(logger.Named("Scheduler"))
	sched.AddTicker(scheduler.SessionReaperTask, cfg.Session.ReapInterval,
		scheduler.SessionReaper(sm, cfg.Session.IdleTimeout, logger.Named("SessionManager")))
	if sink != nil {
		prune := scheduler.LogPrune(sink, cfg.Log.Retention, logger.Named("LogSink"))
		sched.AddTicker(scheduler.LogPruneTask, time.Hour, prune)
		// Catch up once shortly after start rather than waiting an hour.
		sched.AddDelay(scheduler.LogPruneTask+"_startup", 30*time.Second, prune)
	}

	// ---- Accounts ----
	authH := apirest.NewAuthHandler(db, c, cfg.Security, logger.Named("AuthService"))
	if err := authH.EnsureAdmin(cfg.Security.AdminEmail, cfg.Security.AdminPassword); err != nil {
		logger.Warn("admin bootstrap failed", zap.Error(err))
	}

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	httpLog := logger.Named("Index")
	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(httpLog), mw.Recovery(httpLog))
	r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))

	// Health check
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	adminH := apirest.NewAdminHandler(sm, history, sink, sched, c, logger.Named("Admin"))
	sseH := sse.NewHandler(pubsub, c, logger.Named("AdminStream"))

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/login", authH.Login)
		authG.POST("/logout", mw.Auth(cfg.Security, c), authH.Logout)

		adminG := api.Group("/admin")
		adminG.Use(mw.IPWhitelist(cfg.Security.AdminIPs), mw.Auth(cfg.Security, c, model.RoleAdmin))
		adminG.GET("/character", adminH.Characters)
		adminG.GET("/session", adminH.Session)
		adminG.GET("/history", adminH.History)
		adminG.GET("/log", adminH.Logs)
		adminG.GET("/metrics", adminH.Metrics)
		adminG.GET("/stream", sseH.ServeStream)
	}

	// ---- WebSocket ----
	wsH := apiws.NewHandler(sm, cfg.Security, logger.Named("WebSocketHandler"))
	r.GET("/ws", mw.Auth(cfg.Security, c, model.RoleUser, model.RoleAdmin), wsH.ServeWS)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	// Hijacked WebSocket connections are not covered by Shutdown; stopping the
	// actors closes them.
	sm.StopAll()
	sched.Stop()
	if sink != nil {
		sink.Stop(shutdownCtx)
	}
}
