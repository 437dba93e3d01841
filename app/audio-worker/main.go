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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yoockh/audioproctor/config"
	"github.com/yoockh/audioproctor/internal/audio"
	"github.com/yoockh/audioproctor/internal/cache"
	"github.com/yoockh/audioproctor/internal/logger"
	"github.com/yoockh/audioproctor/internal/metrics"
	"github.com/yoockh/audioproctor/internal/notify"
	"github.com/yoockh/audioproctor/internal/pipeline"
	"github.com/yoockh/audioproctor/internal/providers/stt"
	"github.com/yoockh/audioproctor/internal/queue"
	mongorepo "github.com/yoockh/audioproctor/internal/repositories/mongo"
	pgrepo "github.com/yoockh/audioproctor/internal/repositories/postgres"
	"github.com/yoockh/audioproctor/internal/services"
	"github.com/yoockh/audioproctor/internal/workers"
)

func main() {
	_ = godotenv.Load()
	log := logger.New("audio-worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.InitMongo(); err != nil {
		log.WithError(err).Fatal("MongoDB init error")
	}
	if err := config.InitPostgres(); err != nil {
		log.WithError(err).Fatal("PostgreSQL init error")
	}
	if err := config.InitRedis(); err != nil {
		log.WithError(err).Fatal("Redis init error")
	}

	cfgPath := os.Getenv("PIPELINE_CONFIG")
	pcfg, err := config.LoadPipelineConfig(cfgPath)
	if err != nil {
		log.WithError(err).Fatal("pipeline config error")
	}
	holder := config.NewPipelineHolder(pcfg)

	artifacts, err := config.OpenArtifactStore(ctx)
	if err != nil {
		log.WithError(err).Fatal("artifact storage init error")
	}
	defer artifacts.Close()

	recognizer, err := newRecognizer(ctx, os.Getenv("STT_PROVIDER"))
	if err != nil {
		log.WithError(err).Fatal("speech provider init error")
	}
	defer recognizer.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	db := config.MongoDatabase()
	sessionRepo := mongorepo.NewAudioSessionRepo(db)
	q := queue.NewRedisQueue(config.RedisClient, queue.Options{})

	settings := services.NewExamSettingsService(pgrepo.NewExamRepo(config.PostgresDB), cache.NewRedisCache(config.RedisClient, "audioproctor:"), func() services.SettingsDefaults {
		s := holder.Get().Suspicion
		return services.SettingsDefaults{Categories: s.Keywords, Threshold: s.DefaultThreshold, Language: s.DefaultLanguage}
	}, pcfg.Suspicion.SettingsCacheTTL, log)

	pl, err := pipeline.New(pipeline.Deps{
		Chunks:     mongorepo.NewChunkRepo(db),
		Sessions:   sessionRepo,
		Flags:      mongorepo.NewFlagRepo(db),
		Locker:     cache.NewRedisLocker(config.RedisClient),
		Queue:      q,
		Notifier:   notify.NewRedisNotifier(config.RedisClient),
		Settings:   settings,
		Artifacts:  artifacts,
		Transcoder: audio.NewFFmpegTranscoder(pcfg.Audio.FFmpegPath, pcfg.Audio.SampleRate, os.TempDir(), audio.NewExecutor()),
		Recognizer: recognizer,
		Metrics:    m,
		Logger:     log,
	}, pcfg.Params())
	if err != nil {
		log.WithError(err).Fatal("pipeline init error")
	}

	if cfgPath != "" {
		err := holder.Watch(ctx, cfgPath, log, func(c *config.PipelineConfig) {
			pl.SetParams(c.Params())
		})
		if err != nil {
			log.WithError(err).Warn("pipeline config hot reload disabled")
		}
	}

	hostname, _ := os.Hostname()
	pool := &workers.AudioWorkerPool{
		Source:          q,
		Handler:         pl,
		NumWorkers:      pcfg.Workers.Count,
		Metrics:         m,
		Logger:          log,
		ConsumerPrefix:  hostname,
		BatchSize:       pcfg.Workers.BatchSize,
		Block:           pcfg.Workers.Block,
		ClaimIdle:       pcfg.Workers.ClaimIdle,
		PromoteInterval: pcfg.Workers.PromoteInterval,
	}
	if err := pool.Start(ctx); err != nil {
		log.WithError(err).Fatal("worker pool start error")
	}

	port := os.Getenv("METRICS_PORT")
	if port == "" {
		port = "9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server error")
		}
	}()

	<-ctx.Done()
	log.Info("draining workers")
	pool.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := config.MongoClient.Disconnect(shutdownCtx); err != nil {
		log.WithError(err).Warn("mongo disconnect error")
	}
	_ = config.RedisClient.Close()
}

func newRecognizer(ctx context.Context, provider string) (stt.Provider, error) {
	switch strings.ToLower(provider) {
	case "", "google":
		return stt.NewGoogleSpeech(ctx)
	case "none":
		return stt.Noop{}, nil
	default:
		return nil, errors.New("unknown STT_PROVIDER " + provider)
	}
}
