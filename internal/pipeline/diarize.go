package pipeline

import (
	"context"
	"fmt"

	"github.com/yoockh/audioproctor/internal/audio"
	"github.com/yoockh/audioproctor/internal/models"
)

func SpeakerLabel(i int) string { return fmt.Sprintf("SPEAKER_%02d", i) }

// Diarize estimates the speaker count from cepstral variance and spreads the
// speech segments over that many labels round-robin.
func Diarize(samples []float64, sampleRate int, vad *models.VADResult, prm Params) models.DiarizationResult {
	variance := audio.MeanCoefficientVariance(audio.MFCC(samples, audio.DefaultMFCCConfig(sampleRate, prm.MFCCCoefficients)))

	n := 1
	if variance > prm.SpeakerVariance {
		n = 2
	}

	res := models.DiarizationResult{
		NumSpeakers:      n,
		SpeakerSegments:  make([]models.SpeakerSegment, 0, len(vad.SpeechSegments)),
		SpeakerDurations: make(map[string]float64, n),
		MFCCVariance:     variance,
	}
	for i, seg := range vad.SpeechSegments {
		label := SpeakerLabel(i % n)
		res.SpeakerSegments = append(res.SpeakerSegments, models.SpeakerSegment{Speaker: label, Start: seg.Start, End: seg.End})
		res.SpeakerDurations[label] = round2(res.SpeakerDurations[label] + seg.End - seg.Start)
	}
	return res
}

func (p *Pipeline) diarize(ctx context.Context, c *models.AudioChunk, prm Params) (*stageOutput, error) {
	_, samples, sr, err := p.loadProcessed(ctx, c)
	if err != nil {
		return nil, err
	}
	d := Diarize(samples, sr, c.VAD, prm)
	return &stageOutput{
		patch: &models.ChunkPatch{Diarization: &d},
		next:  StageTranscribe,
	}, nil
}
