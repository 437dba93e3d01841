package workers

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yoockh/audioproctor/internal/metrics"
	"github.com/yoockh/audioproctor/internal/pipeline"
	"github.com/yoockh/audioproctor/internal/queue"
)

// TaskSource is the durable stage queue as seen by consumers.
type TaskSource interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]queue.Message, error)
	Claim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]queue.Message, error)
	Ack(ctx context.Context, ids ...string) error
	PromoteDue(ctx context.Context, now time.Time, limit int) (int, error)
}

type TaskHandler interface {
	Handle(ctx context.Context, t pipeline.Task) error
}

// AudioWorkerPool runs pipeline stages from the stream with NumWorkers consumers,
// reclaims entries abandoned by dead consumers and promotes due retries.
type AudioWorkerPool struct {
	Source     TaskSource
	Handler    TaskHandler
	NumWorkers int
	Metrics    *metrics.Metrics
	Logger     *logrus.Logger

	ConsumerPrefix  string
	BatchSize       int64
	Block           time.Duration
	ClaimIdle       time.Duration
	PromoteInterval time.Duration
	PromoteLimit    int

	wg sync.WaitGroup
}

func (p *AudioWorkerPool) Start(ctx context.Context) error {
	if p.Source == nil || p.Handler == nil {
		return errors.New("AudioWorkerPool missing dependency: Source/Handler must be set")
	}
	if p.ConsumerPrefix == "" {
		p.ConsumerPrefix = "c"
	}
	if p.NumWorkers <= 0 {
		p.NumWorkers = 4
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 10
	}
	if p.Block <= 0 {
		p.Block = 5 * time.Second
	}
	if p.ClaimIdle <= 0 {
		p.ClaimIdle = 5 * time.Minute
	}
	if p.PromoteInterval <= 0 {
		p.PromoteInterval = time.Second
	}
	if p.PromoteLimit <= 0 {
		p.PromoteLimit = 100
	}
	if p.Logger == nil {
		p.Logger = logrus.New()
	}

	if err := p.Source.EnsureGroup(ctx); err != nil {
		return err
	}

	for i := 0; i < p.NumWorkers; i++ {
		consumer := p.ConsumerPrefix + "-" + strconv.Itoa(i+1)
		p.wg.Add(1)
		go p.runConsumer(ctx, consumer)
	}
	p.wg.Add(2)
	go p.runReclaimer(ctx, p.ConsumerPrefix+"-reclaim")
	go p.runPromoter(ctx)

	p.Logger.WithFields(logrus.Fields{
		"workers":    p.NumWorkers,
		"claim_idle": p.ClaimIdle.String(),
	}).Info("audio worker pool started")
	return nil
}

// Wait blocks until every goroutine has returned after ctx is cancelled.
// In-flight stages finish first.
func (p *AudioWorkerPool) Wait() { p.wg.Wait() }

func (p *AudioWorkerPool) runConsumer(ctx context.Context, consumer string) {
	defer p.wg.Done()
	log := p.Logger.WithField("consumer", consumer)

	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := p.Source.Read(ctx, consumer, p.BatchSize, p.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("stream read failed")
			sleep(ctx, 500*time.Millisecond)
			continue
		}
		p.process(ctx, log, msgs)
	}
}

func (p *AudioWorkerPool) runReclaimer(ctx context.Context, consumer string) {
	defer p.wg.Done()
	log := p.Logger.WithField("consumer", consumer)

	t := time.NewTicker(p.ClaimIdle / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		msgs, err := p.Source.Claim(ctx, consumer, p.ClaimIdle, p.BatchSize)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("reclaim failed")
			}
			continue
		}
		if len(msgs) > 0 {
			log.WithField("count", len(msgs)).Info("reclaimed stale tasks")
		}
		p.process(ctx, log, msgs)
	}
}

func (p *AudioWorkerPool) runPromoter(ctx context.Context) {
	defer p.wg.Done()

	t := time.NewTicker(p.PromoteInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := p.Source.PromoteDue(ctx, now, p.PromoteLimit)
			if err != nil {
				if ctx.Err() == nil {
					p.Logger.WithError(err).Warn("delayed task promotion failed")
				}
				continue
			}
			p.Metrics.DelayedPromoted(n)
		}
	}
}

// process handles a batch. Entries are acked when handled or unparseable;
// infrastructure errors leave them pending for the reclaimer.
func (p *AudioWorkerPool) process(ctx context.Context, log *logrus.Entry, msgs []queue.Message) {
	for _, m := range msgs {
		entry := log.WithField("entry_id", m.ID)
		if m.Err != nil {
			entry.WithError(m.Err).Error("dropping malformed task")
			p.ack(ctx, entry, m.ID)
			continue
		}

		// stages are not interrupted by shutdown
		if err := p.Handler.Handle(context.WithoutCancel(ctx), m.Task); err != nil {
			entry.WithError(err).WithFields(logrus.Fields{
				"stage":    m.Task.Stage,
				"chunk_id": m.Task.ChunkID,
			}).Warn("task left pending for redelivery")
			continue
		}
		p.ack(ctx, entry, m.ID)
	}
}

func (p *AudioWorkerPool) ack(ctx context.Context, log *logrus.Entry, id string) {
	if err := p.Source.Ack(context.WithoutCancel(ctx), id); err != nil {
		log.WithError(err).Warn("ack failed")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
