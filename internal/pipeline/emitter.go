package pipeline

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/yoockh/audioproctor/internal/models"
)

const (
	flagLockTTL      = 10 * time.Second
	flagLockAttempts = 20
	flagLockWait     = 50 * time.Millisecond
)

type flagRequest struct {
	chunk       *models.AudioChunk
	result      models.SuspicionResult
	numSpeakers int
	transcript  string
}

func FlagTypeFor(numSpeakers int) string {
	if numSpeakers > 1 {
		return models.FlagAudioMultipleSpeakers
	}
	return models.FlagAudioKeywords
}

func flagLockKey(k models.FlagKey) string {
	return "lock:flag:" + k.StudentID + ":" + k.ExamID + ":" + k.Type
}

// lockFlagKey serializes aggregation per (student, exam, type). When the lock
// cannot be taken the caller proceeds unlocked and a duplicate flag is possible.
func (p *Pipeline) lockFlagKey(ctx context.Context, log *logrus.Entry, key models.FlagKey) func() {
	if p.Locker == nil {
		return func() {}
	}
	for i := 0; i < flagLockAttempts; i++ {
		release, ok, err := p.Locker.TryLock(ctx, flagLockKey(key), flagLockTTL)
		if err != nil {
			log.WithError(err).Warn("flag lock unavailable, aggregating unlocked")
			return func() {}
		}
		if ok {
			return release
		}
		select {
		case <-ctx.Done():
			return func() {}
		case <-time.After(flagLockWait):
		}
	}
	log.Warn("flag lock contended, aggregating unlocked")
	return func() {}
}

// emitFlag escalates a recent unresolved flag or creates a new one, then bumps
// the session counter and notifies monitors. Failures here are logged only:
// the chunk is already committed as completed.
func (p *Pipeline) emitFlag(ctx context.Context, log *logrus.Entry, req *flagRequest, prm Params) {
	c := req.chunk
	now := p.Now().UTC()
	key := models.FlagKey{StudentID: c.StudentID, ExamID: c.ExamID, Type: FlagTypeFor(req.numSpeakers)}
	log = log.WithField("flag_type", key.Type)

	release := p.lockFlagKey(ctx, log, key)
	defer release()

	flag, err := p.Flags.EscalateRecent(ctx, key, now.Add(-prm.AggregationWindow), now)
	if err != nil {
		log.WithError(err).Error("flag aggregation lookup failed")
		return
	}

	aggregated := flag != nil
	if !aggregated {
		flag = &models.Flag{
			StudentID:   c.StudentID,
			ExamID:      c.ExamID,
			SessionID:   c.SessionID,
			Type:        key.Type,
			Description: "Audio violation: " + strings.Join(req.result.Reasons, ", "),
			Severity:    req.result.Severity,
			Timestamp:   c.Timestamp,
			Count:       1,
			AudioData: &models.AudioEvidence{
				ChunkID:       c.ChunkID,
				Transcription: req.transcript,
				NumSpeakers:   req.numSpeakers,
				KeywordsFound: req.result.KeywordsFound,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := p.Flags.Create(ctx, flag); err != nil {
			log.WithError(err).Error("flag insert failed")
			return
		}
	}
	p.Metrics.FlagEmitted(key.Type, aggregated)
	log.WithFields(logrus.Fields{
		"flag_id":    flag.ID.Hex(),
		"aggregated": aggregated,
		"severity":   flag.Severity,
		"count":      flag.Count,
	}).Info("audio flag emitted")

	if err := p.Sessions.Increment(ctx, c.SessionID, models.CounterTotalFlags, 1); err != nil {
		log.WithError(err).Error("failed to increment total_flags")
	}

	if p.Notifier == nil {
		return
	}
	ev := models.MonitorEvent{
		Type: models.EventNewFlag,
		Flag: &models.FlagSummary{
			FlagID:        flag.ID.Hex(),
			StudentID:     flag.StudentID,
			ExamID:        flag.ExamID,
			SessionID:     c.SessionID,
			ChunkID:       c.ChunkID,
			Type:          flag.Type,
			Description:   flag.Description,
			Severity:      flag.Severity,
			Count:         flag.Count,
			Transcription: Excerpt(req.transcript, prm.ExcerptLength),
			NumSpeakers:   req.numSpeakers,
			KeywordsFound: req.result.KeywordsFound,
			Timestamp:     c.Timestamp.UTC().Format(time.RFC3339),
		},
	}
	if err := p.Notifier.Publish(ctx, c.ExamID, ev); err != nil {
		p.Metrics.NotificationFailed()
		log.WithError(err).Warn("flag notification dropped")
	}
}

// Excerpt truncates s to at most n characters without splitting a rune.
func Excerpt(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
