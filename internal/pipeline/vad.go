package pipeline

import (
	"context"
	"math"

	"github.com/yoockh/audioproctor/internal/audio"
	"github.com/yoockh/audioproctor/internal/models"
	"gonum.org/v1/gonum/stat"
)

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// DetectVoiceActivity marks frames louder than a fraction of the clip's own
// mean RMS as speech and merges runs of them into segments.
func DetectVoiceActivity(samples []float64, sampleRate int, prm Params) models.VADResult {
	res := models.VADResult{SpeechSegments: []models.SpeechSegment{}}
	if len(samples) == 0 || sampleRate <= 0 {
		return res
	}

	frame := int(math.Round(prm.VADFrame.Seconds() * float64(sampleRate)))
	if frame < 2 {
		frame = 2
	}
	hop := frame / 2
	rms := audio.FrameRMS(samples, frame, hop)
	threshold := stat.Mean(rms, nil) * prm.VADThresholdRatio

	clip := float64(len(samples)) / float64(sampleRate)
	var (
		inSpeech bool
		start    float64
	)
	for i, e := range rms {
		t := float64(i*hop) / float64(sampleRate)
		speech := e > threshold
		switch {
		case speech && !inSpeech:
			start, inSpeech = t, true
		case !speech && inSpeech:
			res.SpeechSegments = append(res.SpeechSegments, models.SpeechSegment{Start: round2(start), End: round2(t)})
			inSpeech = false
		}
	}
	if inSpeech {
		res.SpeechSegments = append(res.SpeechSegments, models.SpeechSegment{Start: round2(start), End: round2(clip)})
	}

	var total float64
	for _, s := range res.SpeechSegments {
		total += s.End - s.Start
	}
	res.TotalSpeechDuration = round2(total)
	res.HasSpeech = total > prm.MinSpeechSeconds
	return res
}

func (p *Pipeline) detectVoiceActivity(ctx context.Context, c *models.AudioChunk, prm Params) (*stageOutput, error) {
	_, samples, sr, err := p.loadProcessed(ctx, c)
	if err != nil {
		return nil, err
	}

	vad := DetectVoiceActivity(samples, sr, prm)
	out := &stageOutput{patch: &models.ChunkPatch{VAD: &vad}}
	if !vad.HasSpeech {
		// silent chunks carry no signal: finish without the remaining stages
		out.status = models.StatusCompleted
		return out, nil
	}
	out.next = StageDiarize
	return out, nil
}
