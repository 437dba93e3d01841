package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/yoockh/audioproctor/internal/pipeline"
	"gopkg.in/yaml.v3"
)

// PipelineConfig holds the audio analysis tunables. It is loaded from
// PIPELINE_CONFIG (YAML) and may be reloaded while the process runs.
type PipelineConfig struct {
	Audio       AudioConfig       `yaml:"audio"`
	VAD         VADConfig         `yaml:"vad"`
	Diarization DiarizationConfig `yaml:"diarization"`
	Suspicion   SuspicionConfig   `yaml:"suspicion"`
	Flags       FlagsConfig       `yaml:"flags"`
	Retry       RetryConfig       `yaml:"retry"`
	Workers     WorkersConfig     `yaml:"workers"`
	Upload      UploadConfig      `yaml:"upload"`
}

type AudioConfig struct {
	SampleRate     int     `yaml:"sample_rate"`
	NoiseReduction float64 `yaml:"noise_reduction"`
	FFmpegPath     string  `yaml:"ffmpeg_path"`
}

type VADConfig struct {
	Frame            time.Duration `yaml:"frame"`
	ThresholdRatio   float64       `yaml:"threshold_ratio"`
	MinSpeechSeconds float64       `yaml:"min_speech_seconds"`
}

type DiarizationConfig struct {
	MFCCCoefficients  int     `yaml:"mfcc_coefficients"`
	VarianceThreshold float64 `yaml:"variance_threshold"`
}

type SuspicionConfig struct {
	DefaultThreshold float64             `yaml:"default_threshold"`
	DefaultLanguage  string              `yaml:"default_language"`
	Keywords         map[string][]string `yaml:"keywords"`
	SettingsCacheTTL time.Duration       `yaml:"settings_cache_ttl"`
}

type FlagsConfig struct {
	AggregationWindow time.Duration `yaml:"aggregation_window"`
	ExcerptLength     int           `yaml:"excerpt_length"`
}

type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	Backoff      time.Duration `yaml:"backoff"`
	StageTimeout time.Duration `yaml:"stage_timeout"`
}

type WorkersConfig struct {
	Count           int           `yaml:"count"`
	BatchSize       int64         `yaml:"batch_size"`
	Block           time.Duration `yaml:"block"`
	ClaimIdle       time.Duration `yaml:"claim_idle"`
	PromoteInterval time.Duration `yaml:"promote_interval"`
}

type UploadConfig struct {
	MaxBytes int `yaml:"max_bytes"`
}

func DefaultPipelineConfig() *PipelineConfig {
	p := pipeline.DefaultParams()
	return &PipelineConfig{
		Audio: AudioConfig{SampleRate: p.SampleRate, NoiseReduction: p.NoiseReduction, FFmpegPath: "ffmpeg"},
		VAD: VADConfig{
			Frame:            p.VADFrame,
			ThresholdRatio:   p.VADThresholdRatio,
			MinSpeechSeconds: p.MinSpeechSeconds,
		},
		Diarization: DiarizationConfig{MFCCCoefficients: p.MFCCCoefficients, VarianceThreshold: p.SpeakerVariance},
		Suspicion: SuspicionConfig{
			DefaultThreshold: 0.5,
			DefaultLanguage:  "auto",
			Keywords: map[string][]string{
				"help_seeking":        {"help", "tell me", "what's the answer", "give me"},
				"collaboration":       {"you", "your answer", "same as", "copy"},
				"cheating":            {"answer key", "solution", "cheat sheet", "cheat"},
				"question_discussion": {"question", "problem", "which one", "answer"},
			},
			SettingsCacheTTL: 60 * time.Second,
		},
		Flags: FlagsConfig{AggregationWindow: p.AggregationWindow, ExcerptLength: p.ExcerptLength},
		Retry: RetryConfig{MaxRetries: p.MaxRetries, Backoff: p.RetryBackoff, StageTimeout: p.StageTimeout},
		Workers: WorkersConfig{
			Count:           4,
			BatchSize:       10,
			Block:           5 * time.Second,
			ClaimIdle:       5 * time.Minute,
			PromoteInterval: time.Second,
		},
		Upload: UploadConfig{MaxBytes: 10 << 20},
	}
}

// LoadPipelineConfig overlays the YAML file at path on the defaults.
// An empty path returns the defaults; an empty file is an error.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	cfg := DefaultPipelineConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline config %s: %w", path, err)
	}
	// truncated mid-write; wait for the next event
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("pipeline config %s is empty", path)
	}
	// a keywords section replaces the built-in categories instead of merging
	defaults := cfg.Suspicion.Keywords
	cfg.Suspicion.Keywords = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline config %s: %w", path, err)
	}
	if cfg.Suspicion.Keywords == nil {
		cfg.Suspicion.Keywords = defaults
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *PipelineConfig) Validate() error {
	switch {
	case c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 48000:
		return fmt.Errorf("audio.sample_rate must be between 8000 and 48000, got %d", c.Audio.SampleRate)
	case c.Audio.NoiseReduction < 0 || c.Audio.NoiseReduction > 1:
		return fmt.Errorf("audio.noise_reduction must be between 0 and 1, got %v", c.Audio.NoiseReduction)
	case c.VAD.Frame < 5*time.Millisecond || c.VAD.Frame > 200*time.Millisecond:
		return fmt.Errorf("vad.frame must be between 5ms and 200ms, got %s", c.VAD.Frame)
	case c.VAD.ThresholdRatio <= 0:
		return fmt.Errorf("vad.threshold_ratio must be positive, got %v", c.VAD.ThresholdRatio)
	case c.VAD.MinSpeechSeconds < 0:
		return fmt.Errorf("vad.min_speech_seconds cannot be negative")
	case c.Diarization.MFCCCoefficients < 1 || c.Diarization.MFCCCoefficients > 40:
		return fmt.Errorf("diarization.mfcc_coefficients must be between 1 and 40, got %d", c.Diarization.MFCCCoefficients)
	case c.Suspicion.DefaultThreshold < 0 || c.Suspicion.DefaultThreshold > 1:
		return fmt.Errorf("suspicion.default_threshold must be between 0 and 1, got %v", c.Suspicion.DefaultThreshold)
	case c.Flags.AggregationWindow <= 0:
		return fmt.Errorf("flags.aggregation_window must be positive")
	case c.Flags.ExcerptLength < 1:
		return fmt.Errorf("flags.excerpt_length must be at least 1")
	case c.Retry.MaxRetries < 0:
		return fmt.Errorf("retry.max_retries cannot be negative")
	case c.Retry.Backoff <= 0 || c.Retry.StageTimeout <= 0:
		return fmt.Errorf("retry.backoff and retry.stage_timeout must be positive")
	case c.Workers.Count < 1:
		return fmt.Errorf("workers.count must be at least 1, got %d", c.Workers.Count)
	case c.Workers.PromoteInterval <= 0 || c.Workers.ClaimIdle <= 0:
		return fmt.Errorf("workers.promote_interval and workers.claim_idle must be positive")
	case c.Upload.MaxBytes < 1:
		return fmt.Errorf("upload.max_bytes must be positive")
	}
	return nil
}

// Params converts the file settings into pipeline tunables.
func (c *PipelineConfig) Params() pipeline.Params {
	return pipeline.Params{
		SampleRate:        c.Audio.SampleRate,
		NoiseReduction:    c.Audio.NoiseReduction,
		VADFrame:          c.VAD.Frame,
		VADThresholdRatio: c.VAD.ThresholdRatio,
		MinSpeechSeconds:  c.VAD.MinSpeechSeconds,
		MFCCCoefficients:  c.Diarization.MFCCCoefficients,
		SpeakerVariance:   c.Diarization.VarianceThreshold,
		MaxRetries:        c.Retry.MaxRetries,
		RetryBackoff:      c.Retry.Backoff,
		AggregationWindow: c.Flags.AggregationWindow,
		ExcerptLength:     c.Flags.ExcerptLength,
		StageTimeout:      c.Retry.StageTimeout,
	}
}

// PipelineHolder serves the current config to concurrent readers.
type PipelineHolder struct {
	v atomic.Pointer[PipelineConfig]
}

func NewPipelineHolder(c *PipelineConfig) *PipelineHolder {
	h := &PipelineHolder{}
	h.v.Store(c)
	return h
}

func (h *PipelineHolder) Get() *PipelineConfig { return h.v.Load() }

// Watch reloads the file on change until ctx ends. Invalid edits are logged
// and the previous config stays in effect. onChange runs after each swap.
func (h *PipelineHolder) Watch(ctx context.Context, path string, log *logrus.Logger, onChange func(*PipelineConfig)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// watch the directory: editors and config maps replace the file
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("add watch path: %w", err)
	}

	target := filepath.Clean(path)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				cfg, err := LoadPipelineConfig(path)
				if err != nil {
					log.WithError(err).Warn("pipeline config reload rejected")
					continue
				}
				h.v.Store(cfg)
				log.WithField("path", path).Info("pipeline config reloaded")
				if onChange != nil {
					onChange(cfg)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("pipeline config watcher error")
			}
		}
	}()
	return nil
}
