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
	"github.com/google/uuid"
	apirest "github.com/relaychat/server/api/rest"
	apiws "github.com/relaychat/server/api/ws"
	"github.com/relaychat/server/audit"
	"github.com/relaychat/server/broadcast"
	"github.com/relaychat/server/cache"
	"github.com/relaychat/server/config"
	dbadapter "github.com/relaychat/server/db"
	"github.com/relaychat/server/directory"
	mw "github.com/relaychat/server/middleware"
	"github.com/relaychat/server/model"
	"github.com/relaychat/server/plugin/hook"
	"github.com/relaychat/server/presence"
	"github.com/relaychat/server/scheduler"
	"github.com/relaychat/server/social"
	"github.com/relaychat/server/storage"
	"github.com/relaychat/server/thumbnail"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

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
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}
	if cfg.Security.JWTSecret == "" {
		logger.Fatal("security.jwt_secret must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		logger.Fatal("db", zap.Error(err))
	}
	if err := model.AutoMigrate(db); err != nil {
		logger.Fatal("db migrate", zap.Error(err))
	}
	logger.Info("DB initialized", zap.String("mode", cfg.Database.Mode))

	// ---- Audit ----
	auditSvc := audit.New(db, logger)

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
		logger.Fatal("cache", zap.Error(err))
	}
	pubsub, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		logger.Fatal("pubsub", zap.Error(err))
	}
	logger.Info("Cache initialized", zap.Bool("distributed", cacheConfig.Distributed()))

	// ---- Thumbnail storage ----
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("storage", zap.Error(err))
	}
	resizer := thumbnail.NewResizer(cfg.Thumbnail)

	// ---- Presence / routing ----
	reg := presence.NewRegistry(logger)
	nodeID := cfg.Presence.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	router := broadcast.New(reg, pubsub, nodeID, cfg.Presence.RelayChannel, logger)
	go func() {
		if err := router.Start(ctx); err != nil {
			logger.Error("relay stopped", zap.Error(err))
		}
	}()

	// ---- Services ----
	hooks := hook.NewCenter()
	social.RegisterBuiltinHooks(hooks, cfg.Chat)
	dir := directory.New(db)
	svc := social.NewService(dir, router, resizer, store, hooks, cfg.Chat, logger)

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	sched.Every("presence_report", cfg.Presence.ReportEvery, func(context.Context) {
		st := reg.Stats()
		logger.Info("presence",
			zap.String("node_id", nodeID),
			zap.Int("sessions", st.Sessions),
			zap.Int("identities", st.Identities),
			zap.Uint64("dropped_envelopes", st.Dropped))
	})

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	r.Use(mw.RateLimit(ctx, rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok", "node_id": nodeID})
	})

	if local, ok := store.(*storage.LocalStore); ok {
		r.Static(cfg.Storage.PublicURL, local.Root())
		logger.Info("Serving thumbnails", zap.String("dir", local.Root()))
	}

	// ---- REST API routes ----
	authH := apirest.NewAuthHandler(dir, c, cfg.Security, svc, logger)
	adminH := apirest.NewAdminHandler(reg, router, sched, auditSvc, logger)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/signup", authH.SignUp)
		authG.POST("/signin", authH.SignIn)
		authG.POST("/logout", mw.Auth(cfg.Security, c), authH.Logout)
		authG.POST("/refresh", mw.Auth(cfg.Security, c), authH.Refresh)

		adminG := api.Group("/admin")
		adminG.Use(mw.IPWhitelist(cfg.Server.AdminIPs), apirest.AdminAuth(cfg.Server.AdminKey))
		adminG.GET("/metrics", adminH.Metrics)
		adminG.GET("/online", adminH.ListOnline)
		adminG.POST("/kick/:username", adminH.Kick)
		adminG.GET("/scheduler", adminH.ListSchedulerTasks)
		adminG.GET("/audit", adminH.Audit)
	}

	// ---- WebSocket ----
	wsRouter := apiws.NewRouter(svc, auditSvc, logger)
	wsH := apiws.NewHandler(dir, c, cfg.Security, cfg.Presence, reg, wsRouter, hooks, logger)
	r.GET("/ws", wsH.ServeWS)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		logger.Info("Server listening", zap.String("addr", addr), zap.String("node_id", nodeID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reg.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	sched.Stop()
	auditSvc.Stop(shutdownCtx)
}
