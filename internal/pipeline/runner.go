package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yoockh/audioproctor/internal/metrics"
	"github.com/yoockh/audioproctor/internal/models"
	"github.com/yoockh/audioproctor/internal/utils"
)

type stageOutput struct {
	patch *models.ChunkPatch
	// status overrides the stage's complete marker (silent chunks jump to completed).
	status models.ChunkStatus
	next   Stage
	flag   *flagRequest
}

type stageDef struct {
	entry    []models.ChunkStatus // statuses the stage may start from; last one is its running marker
	running  models.ChunkStatus
	complete models.ChunkStatus
	next     Stage
	requires func(c *models.AudioChunk) error
	run      func(p *Pipeline, ctx context.Context, c *models.AudioChunk, prm Params) (*stageOutput, error)
}

var stages map[Stage]stageDef

func init() {
	stages = map[Stage]stageDef{
		StagePreprocess: {
			entry:    []models.ChunkStatus{models.StatusQueued, models.StatusPreprocessing},
			running:  models.StatusPreprocessing,
			complete: models.StatusPreprocessingComplete,
			next:     StageVAD,
			requires: func(c *models.AudioChunk) error {
				if c.RawPath == "" {
					return fmt.Errorf("%w: raw artifact reference", utils.ErrStageDependencyMissing)
				}
				return nil
			},
			run: (*Pipeline).preprocess,
		},
		StageVAD: {
			entry:    []models.ChunkStatus{models.StatusPreprocessingComplete, models.StatusVAD},
			running:  models.StatusVAD,
			complete: models.StatusVADComplete,
			next:     StageDiarize,
			requires: requireProcessed,
			run:      (*Pipeline).detectVoiceActivity,
		},
		StageDiarize: {
			entry:    []models.ChunkStatus{models.StatusVADComplete, models.StatusDiarization},
			running:  models.StatusDiarization,
			complete: models.StatusDiarizationComplete,
			next:     StageTranscribe,
			requires: func(c *models.AudioChunk) error {
				if err := requireProcessed(c); err != nil {
					return err
				}
				if c.VAD == nil || !c.VAD.HasSpeech {
					return fmt.Errorf("%w: vad result with speech", utils.ErrStageDependencyMissing)
				}
				return nil
			},
			run: (*Pipeline).diarize,
		},
		StageTranscribe: {
			entry:    []models.ChunkStatus{models.StatusDiarizationComplete, models.StatusTranscription},
			running:  models.StatusTranscription,
			complete: models.StatusTranscriptionComplete,
			next:     StageSuspicion,
			requires: func(c *models.AudioChunk) error {
				if err := requireProcessed(c); err != nil {
					return err
				}
				if c.Diarization == nil {
					return fmt.Errorf("%w: diarization result", utils.ErrStageDependencyMissing)
				}
				return nil
			},
			run: (*Pipeline).transcribe,
		},
		StageSuspicion: {
			entry:    []models.ChunkStatus{models.StatusTranscriptionComplete, models.StatusSuspicionDetection},
			running:  models.StatusSuspicionDetection,
			complete: models.StatusCompleted,
			requires: func(c *models.AudioChunk) error {
				if c.Diarization == nil || c.Transcriptions == nil {
					return fmt.Errorf("%w: diarization and transcription results", utils.ErrStageDependencyMissing)
				}
				return nil
			},
			run: (*Pipeline).detectSuspicion,
		},
	}
}

func requireProcessed(c *models.AudioChunk) error {
	if c.ProcessedPath == nil || *c.ProcessedPath == "" {
		return fmt.Errorf("%w: processed artifact reference", utils.ErrStageDependencyMissing)
	}
	return nil
}

// Handle runs one task. Stage failures are absorbed into the retry policy and
// never returned; a non-nil error means the store or queue was unreachable and
// the task should be redelivered as is.
func (p *Pipeline) Handle(ctx context.Context, t Task) error {
	def, ok := stages[t.Stage]
	if !ok {
		p.Logger.WithField("stage", t.Stage).Error("unknown pipeline stage, dropping task")
		return nil
	}

	prm := p.Params()
	// stages are not cancelled mid-computation, only bounded
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), prm.StageTimeout)
	defer cancel()

	log := p.Logger.WithFields(logrus.Fields{
		"chunk_id": t.ChunkID,
		"stage":    t.Stage,
		"attempt":  t.Attempt,
	})
	start := time.Now()
	stage := string(t.Stage)

	chunk, err := p.Chunks.Get(ctx, t.ChunkID)
	if errors.Is(err, utils.ErrChunkNotFound) {
		log.Warn("chunk not found, ignoring task")
		p.Metrics.ObserveStage(stage, metrics.OutcomeSkipped, 0)
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case chunk.Status == models.StatusFailed:
		log.Debug("chunk already failed")
		p.Metrics.ObserveStage(stage, metrics.OutcomeSkipped, 0)
		return nil
	case chunk.Status == def.complete:
		// redelivery after a commit whose hand-off may have been lost
		p.Metrics.ObserveStage(stage, metrics.OutcomeSkipped, 0)
		if def.next == "" {
			return nil
		}
		return p.Queue.Enqueue(ctx, Task{Stage: def.next, ChunkID: chunk.ChunkID})
	case chunk.Status.Rank() > def.complete.Rank():
		log.WithField("status", chunk.Status).Debug("chunk already past stage")
		p.Metrics.ObserveStage(stage, metrics.OutcomeSkipped, 0)
		return nil
	}

	if err := def.requires(chunk); err != nil {
		return p.fail(ctx, log, chunk, t, err, start)
	}
	if !containsStatus(def.entry, chunk.Status) {
		return p.fail(ctx, log, chunk, t, fmt.Errorf("%w: status %s cannot enter %s", utils.ErrStageDependencyMissing, chunk.Status, t.Stage), start)
	}

	won, err := p.Chunks.Transition(ctx, chunk.ChunkID, def.entry, def.running, nil)
	if err != nil {
		return err
	}
	if !won {
		log.Debug("lost status race on stage start")
		p.Metrics.ObserveStage(stage, metrics.OutcomeSkipped, 0)
		return nil
	}

	out, runErr := def.run(p, ctx, chunk, prm)
	if runErr != nil {
		return p.retryOrFail(ctx, log, chunk, t, runErr, prm, start)
	}

	to := def.complete
	if out.status != "" {
		to = out.status
	}
	won, err = p.Chunks.Transition(ctx, chunk.ChunkID, []models.ChunkStatus{def.running}, to, out.patch)
	if err != nil {
		return err
	}
	if !won {
		log.Debug("lost status race on stage commit")
		p.Metrics.ObserveStage(stage, metrics.OutcomeSkipped, time.Since(start))
		return nil
	}

	if to == models.StatusCompleted {
		if err := p.Sessions.Increment(ctx, chunk.SessionID, models.CounterProcessedChunks, 1); err != nil {
			log.WithError(err).Error("failed to increment processed_chunks")
		}
	}
	if out.flag != nil {
		p.emitFlag(ctx, log, out.flag, prm)
	}

	p.Metrics.ObserveStage(stage, metrics.OutcomeOK, time.Since(start))
	log.WithField("status", to).Info("stage complete")

	if out.next == "" {
		return nil
	}
	return p.Queue.Enqueue(ctx, Task{Stage: out.next, ChunkID: chunk.ChunkID})
}

func (p *Pipeline) retryOrFail(ctx context.Context, log *logrus.Entry, c *models.AudioChunk, t Task, cause error, prm Params, start time.Time) error {
	if errors.Is(cause, utils.ErrStageDependencyMissing) || t.Attempt >= prm.MaxRetries {
		return p.fail(ctx, log, c, t, cause, start)
	}

	if err := p.Chunks.RecordAttemptError(ctx, c.ChunkID, cause.Error()); err != nil {
		log.WithError(err).Warn("failed to record attempt error")
	}
	next := t
	next.Attempt++
	if err := p.Queue.EnqueueAfter(ctx, next, prm.RetryBackoff); err != nil {
		return err
	}

	p.Metrics.ObserveStage(string(t.Stage), metrics.OutcomeRetry, time.Since(start))
	log.WithError(cause).WithField("retry_in", prm.RetryBackoff.String()).Warn("stage failed, retry scheduled")
	return nil
}

// fail moves the chunk to failed. Only the caller that wins the transition
// counts it, so failed_chunks moves once per chunk.
func (p *Pipeline) fail(ctx context.Context, log *logrus.Entry, c *models.AudioChunk, t Task, cause error, start time.Time) error {
	msg := cause.Error()
	won, err := p.Chunks.Transition(ctx, c.ChunkID, models.NonTerminalStatuses(), models.StatusFailed, &models.ChunkPatch{ErrorMessage: &msg})
	if err != nil {
		return err
	}
	p.Metrics.ObserveStage(string(t.Stage), metrics.OutcomeFailed, time.Since(start))

	entry := log.WithError(cause)
	if errors.Is(cause, utils.ErrStageDependencyMissing) {
		entry.Error("stage scheduled before its prerequisite, chunk failed")
	} else {
		entry.Error("stage failed permanently")
	}

	if !won {
		return nil
	}
	if err := p.Sessions.Increment(ctx, c.SessionID, models.CounterFailedChunks, 1); err != nil {
		log.WithError(err).Error("failed to increment failed_chunks")
	}
	return nil
}

func containsStatus(list []models.ChunkStatus, s models.ChunkStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
