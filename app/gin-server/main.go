package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yoockh/audioproctor/config"
	"github.com/yoockh/audioproctor/internal/api/handlers"
	"github.com/yoockh/audioproctor/internal/api/middleware"
	"github.com/yoockh/audioproctor/internal/api/routes"
	"github.com/yoockh/audioproctor/internal/cache"
	"github.com/yoockh/audioproctor/internal/logger"
	"github.com/yoockh/audioproctor/internal/metrics"
	"github.com/yoockh/audioproctor/internal/notify"
	"github.com/yoockh/audioproctor/internal/queue"
	mongorepo "github.com/yoockh/audioproctor/internal/repositories/mongo"
	pgrepo "github.com/yoockh/audioproctor/internal/repositories/postgres"
	"github.com/yoockh/audioproctor/internal/services"
	"github.com/yoockh/audioproctor/internal/storage"
)

func main() {
	_ = godotenv.Load()
	log := logger.New("gin-server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.InitMongo(); err != nil {
		log.WithError(err).Fatal("MongoDB init error")
	}
	if err := config.EnsureMongoIndexes(); err != nil {
		log.WithError(err).Fatal("MongoDB index setup error")
	}
	if err := config.InitPostgres(); err != nil {
		log.WithError(err).Fatal("PostgreSQL init error")
	}
	if err := config.InitRedis(); err != nil {
		log.WithError(err).Fatal("Redis init error")
	}
	log.Info("datastores connected")

	pcfg, err := config.LoadPipelineConfig(os.Getenv("PIPELINE_CONFIG"))
	if err != nil {
		log.WithError(err).Fatal("pipeline config error")
	}
	holder := config.NewPipelineHolder(pcfg)
	if path := os.Getenv("PIPELINE_CONFIG"); path != "" {
		if err := holder.Watch(ctx, path, log, nil); err != nil {
			log.WithError(err).Warn("pipeline config hot reload disabled")
		}
	}

	artifacts, err := config.OpenArtifactStore(ctx)
	if err != nil {
		log.WithError(err).Fatal("artifact storage init error")
	}
	defer artifacts.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	db := config.MongoDatabase()
	chunkRepo := mongorepo.NewChunkRepo(db)
	sessionRepo := mongorepo.NewAudioSessionRepo(db)
	flagRepo := mongorepo.NewFlagRepo(db)
	userRepo := pgrepo.NewUserRepo(config.PostgresDB)
	examRepo := pgrepo.NewExamRepo(config.PostgresDB)

	notifier := notify.NewRedisNotifier(config.RedisClient)
	q := queue.NewRedisQueue(config.RedisClient, queue.Options{})

	settings := services.NewExamSettingsService(examRepo, cache.NewRedisCache(config.RedisClient, "audioproctor:"), func() services.SettingsDefaults {
		s := holder.Get().Suspicion
		return services.SettingsDefaults{Categories: s.Keywords, Threshold: s.DefaultThreshold, Language: s.DefaultLanguage}
	}, pcfg.Suspicion.SettingsCacheTTL, log)
	userSvc := services.NewUserService(userRepo)
	sessionSvc := services.NewAudioSessionService(sessionRepo, settings)
	chunkSvc := services.NewChunkService(services.ChunkServiceDeps{
		Chunks:    chunkRepo,
		Sessions:  sessionRepo,
		Settings:  settings,
		Artifacts: artifacts,
		Signer:    artifacts.Signer,
		Queue:     q,
		Metrics:   m,
		Logger:    log,
		MaxBytes:  pcfg.Upload.MaxBytes,
	})
	flagSvc := services.NewFlagService(services.FlagServiceDeps{
		Flags:    flagRepo,
		Sessions: sessionRepo,
		Settings: settings,
		Locker:   cache.NewRedisLocker(config.RedisClient),
		Notifier: notifier,
		Metrics:  m,
		Logger:   log,
		Window:   func() time.Duration { return holder.Get().Flags.AggregationWindow },
	})

	// signed URLs replace direct streaming when the backend can sign
	var opener storage.Opener = artifacts
	if artifacts.Signer != nil {
		opener = nil
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log))
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	routes.RegisterRoutes(r, routes.Deps{
		JWT:     middleware.JWTConfigFromEnv(),
		Users:   userSvc,
		Session: handlers.NewSessionHandler(sessionSvc),
		Audio:   handlers.NewAudioHandler(chunkSvc, flagSvc, opener),
		Flags:   handlers.NewFlagHandler(flagSvc),
		WS:      handlers.NewWSHandler(sessionSvc, chunkSvc, notifier, log, allowedOrigins(os.Getenv("WS_ALLOWED_ORIGINS"))),
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server error")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown error")
	}
	if err := config.MongoClient.Disconnect(shutdownCtx); err != nil {
		log.WithError(err).Warn("mongo disconnect error")
	}
	_ = config.RedisClient.Close()
}

// allowedOrigins returns nil, which accepts any origin, when the list is empty.
func allowedOrigins(list string) func(r *http.Request) bool {
	if strings.TrimSpace(list) == "" {
		return nil
	}
	allowed := map[string]bool{}
	for _, o := range strings.Split(list, ",") {
		allowed[strings.TrimSpace(o)] = true
	}
	return func(r *http.Request) bool {
		return allowed["*"] || allowed[r.Header.Get("Origin")]
	}
}
