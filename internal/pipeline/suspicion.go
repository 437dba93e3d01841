package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/yoockh/audioproctor/internal/models"
)

const defaultChunkDuration = 5.0

type ScoreInput struct {
	NumSpeakers     int
	KeywordMatches  int
	TotalWords      int
	OverlapDuration float64
	TotalDuration   float64
}

// CalculateSuspicionScore weighs speaker count, keyword density and speech overlap into [0, 1].
func CalculateSuspicionScore(in ScoreInput) float64 {
	speaker := math.Min(float64(in.NumSpeakers-1)*0.5, 1.0)

	var keyword float64
	if in.TotalWords > 0 {
		keyword = float64(in.KeywordMatches) / float64(in.TotalWords)
	}

	var overlap float64
	if in.TotalDuration > 0 {
		overlap = in.OverlapDuration / math.Max(in.TotalDuration, 1)
	}

	score := 0.5*speaker + 0.3*keyword + 0.2*overlap
	return math.Max(0, math.Min(score, 1))
}

func SeverityForScore(score float64) models.Severity {
	switch {
	case score >= 0.7:
		return models.SeverityHigh
	case score >= 0.5:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// MatchKeywords returns the distinct keywords occurring anywhere in text, ignoring case,
// in keyword-list order.
func MatchKeywords(text string, keywords []string) []string {
	lower := strings.ToLower(text)
	seen := make(map[string]struct{}, len(keywords))
	found := []string{}
	for _, kw := range keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if strings.Contains(lower, k) {
			found = append(found, k)
		}
	}
	return found
}

// EvaluateSuspicion scores one chunk. The returned score is unrounded; callers
// store it at three decimals.
func EvaluateSuspicion(ts []models.Transcription, numSpeakers int, duration float64, keywords []string) (models.SuspicionResult, float64) {
	texts := make([]string, 0, len(ts))
	for _, t := range ts {
		texts = append(texts, t.Text)
	}
	full := strings.ToLower(strings.Join(texts, " "))
	found := MatchKeywords(full, keywords)

	if duration <= 0 {
		duration = defaultChunkDuration
	}
	score := CalculateSuspicionScore(ScoreInput{
		NumSpeakers:    numSpeakers,
		KeywordMatches: len(found),
		TotalWords:     len(strings.Fields(full)),
		TotalDuration:  duration,
	})

	reasons := []string{}
	if numSpeakers > 1 {
		reasons = append(reasons, fmt.Sprintf("Multiple speakers detected (%d)", numSpeakers))
	}
	if len(found) > 0 {
		shown := found
		if len(shown) > 3 {
			shown = shown[:3]
		}
		reasons = append(reasons, "Suspicious keywords found: "+strings.Join(shown, ", "))
	}

	return models.SuspicionResult{
		Score:         math.Round(score*1000) / 1000,
		Severity:      SeverityForScore(score),
		Reasons:       reasons,
		KeywordsFound: found,
	}, score
}

// TranscriptText renders transcriptions as "[SPEAKER_00]: text" lines.
func TranscriptText(ts []models.Transcription) string {
	lines := make([]string, 0, len(ts))
	for _, t := range ts {
		lines = append(lines, fmt.Sprintf("[%s]: %s", t.Speaker, t.Text))
	}
	return strings.Join(lines, "\n")
}

func (p *Pipeline) detectSuspicion(ctx context.Context, c *models.AudioChunk, _ Params) (*stageOutput, error) {
	cfg, err := p.Settings.Resolve(ctx, c.ExamID)
	if err != nil {
		return nil, fmt.Errorf("resolve exam settings: %w", err)
	}

	numSpeakers := c.Diarization.NumSpeakers
	res, score := EvaluateSuspicion(c.Transcriptions, numSpeakers, c.Duration, cfg.Keywords)
	p.Metrics.SuspicionScore(score)

	out := &stageOutput{patch: &models.ChunkPatch{Suspicion: &res}}
	if score >= cfg.Threshold {
		out.flag = &flagRequest{
			chunk:       c,
			result:      res,
			numSpeakers: numSpeakers,
			transcript:  TranscriptText(c.Transcriptions),
		}
	}
	return out, nil
}
