package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/yoockh/audioproctor/internal/models"
	"github.com/yoockh/audioproctor/internal/providers/stt"
)

const defaultConfidence = 0.9

// AlignTranscripts attaches each recognized segment to the first diarization
// segment whose interval contains its start.
func AlignTranscripts(segs []stt.Segment, d *models.DiarizationResult) []models.Transcription {
	out := make([]models.Transcription, 0, len(segs))
	for _, s := range segs {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		speaker := SpeakerLabel(0)
		if d != nil {
			for _, ds := range d.SpeakerSegments {
				if s.Start >= ds.Start && s.Start <= ds.End {
					speaker = ds.Speaker
					break
				}
			}
		}
		conf := s.Confidence
		if conf <= 0 {
			conf = defaultConfidence
		}
		out = append(out, models.Transcription{
			Speaker:    speaker,
			Start:      round2(s.Start),
			End:        round2(s.End),
			Text:       text,
			Confidence: conf,
		})
	}
	return out
}

func (p *Pipeline) transcribe(ctx context.Context, c *models.AudioChunk, _ Params) (*stageOutput, error) {
	wav, _, sr, err := p.loadProcessed(ctx, c)
	if err != nil {
		return nil, err
	}

	cfg, err := p.Settings.Resolve(ctx, c.ExamID)
	if err != nil {
		return nil, fmt.Errorf("resolve exam settings: %w", err)
	}

	segs, err := p.Recognizer.Recognize(ctx, wav, sr, cfg.Language)
	if err != nil {
		return nil, fmt.Errorf("recognize speech: %w", err)
	}

	return &stageOutput{
		patch: &models.ChunkPatch{Transcriptions: AlignTranscripts(segs, c.Diarization)},
		next:  StageSuspicion,
	}, nil
}
