package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/yoockh/audioproctor/internal/audio"
	"github.com/yoockh/audioproctor/internal/models"
	"github.com/yoockh/audioproctor/internal/storage"
	"github.com/yoockh/audioproctor/internal/utils"
)

func (p *Pipeline) readArtifact(ctx context.Context, path string) ([]byte, error) {
	rc, err := p.Artifacts.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// preprocess decodes the raw upload, downmixes, resamples, denoises and
// peak-normalizes it, then stores a canonical 16-bit mono WAV.
func (p *Pipeline) preprocess(ctx context.Context, c *models.AudioChunk, prm Params) (*stageOutput, error) {
	raw, err := p.readArtifact(ctx, c.RawPath)
	if err != nil {
		return nil, err
	}

	pcm, err := p.decode(ctx, raw, filepath.Ext(c.RawPath))
	if err != nil {
		return nil, err
	}

	samples := audio.Downmix(pcm)
	samples = audio.Resample(samples, pcm.SampleRate, prm.SampleRate)
	samples = audio.ReduceNoise(samples, prm.SampleRate, prm.NoiseReduction)
	samples = audio.PeakNormalize(samples)

	wav, err := audio.EncodeWAV(samples, prm.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrDecode, err)
	}

	path, err := p.Artifacts.Upload(ctx, storage.ProcessedObjectName(c.ExamID, c.StudentID, c.ChunkID), "audio/wav", bytes.NewReader(wav))
	if err != nil {
		return nil, fmt.Errorf("store processed artifact: %w", err)
	}

	duration := float64(len(samples)) / float64(prm.SampleRate)
	return &stageOutput{
		patch: &models.ChunkPatch{ProcessedPath: &path, Duration: &duration},
		next:  StageVAD,
	}, nil
}

func (p *Pipeline) decode(ctx context.Context, raw []byte, ext string) (*audio.PCM, error) {
	if audio.IsWAV(raw) {
		return audio.DecodeWAV(raw)
	}
	if p.Transcoder == nil {
		return nil, fmt.Errorf("%w: unsupported container %q and no transcoder configured", utils.ErrDecode, ext)
	}
	wav, err := p.Transcoder.ToWAV(ctx, raw, ext)
	if err != nil {
		return nil, err
	}
	return audio.DecodeWAV(wav)
}

// loadProcessed returns the processed artifact bytes and its mono samples.
func (p *Pipeline) loadProcessed(ctx context.Context, c *models.AudioChunk) ([]byte, []float64, int, error) {
	wav, err := p.readArtifact(ctx, *c.ProcessedPath)
	if err != nil {
		return nil, nil, 0, err
	}
	pcm, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, nil, 0, err
	}
	return wav, audio.Downmix(pcm), pcm.SampleRate, nil
}
