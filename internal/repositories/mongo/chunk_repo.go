package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/yoockh/audioproctor/internal/models"
	"github.com/yoockh/audioproctor/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type ChunkRepository interface {
	Insert(ctx context.Context, c *models.AudioChunk) error
	Get(ctx context.Context, chunkID string) (*models.AudioChunk, error)
	Transition(ctx context.Context, chunkID string, from []models.ChunkStatus, to models.ChunkStatus, patch *models.ChunkPatch) (bool, error)
	RecordAttemptError(ctx context.Context, chunkID string, msg string) error
	ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.AudioChunk, error)
}

type chunkRepo struct {
	col *mongo.Collection
	now func() time.Time
}

func NewChunkRepo(db *mongo.Database) ChunkRepository {
	return &chunkRepo{col: db.Collection("audio_chunks"), now: time.Now}
}

func (r *chunkRepo) Insert(ctx context.Context, c *models.AudioChunk) error {
	now := r.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = models.StatusQueued
	}
	_, err := r.col.InsertOne(ctx, c)
	if mongo.IsDuplicateKeyError(err) {
		return utils.ErrDuplicate
	}
	return err
}

func (r *chunkRepo) Get(ctx context.Context, chunkID string) (*models.AudioChunk, error) {
	var c models.AudioChunk
	err := r.col.FindOne(ctx, bson.M{"chunk_id": chunkID}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.ErrChunkNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Transition is a compare-and-set on processing_status; the status and the
// stage payload land in one document update.
func (r *chunkRepo) Transition(ctx context.Context, chunkID string, from []models.ChunkStatus, to models.ChunkStatus, patch *models.ChunkPatch) (bool, error) {
	res, err := r.col.UpdateOne(ctx,
		bson.M{"chunk_id": chunkID, "processing_status": bson.M{"$in": from}},
		bson.M{"$set": transitionSet(to, patch, r.now().UTC())},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

func transitionSet(to models.ChunkStatus, p *models.ChunkPatch, now time.Time) bson.M {
	set := bson.M{
		"processing_status": to,
		"updated_at":        now,
	}
	if p == nil {
		return set
	}
	if p.ProcessedPath != nil {
		set["preprocessed_path"] = *p.ProcessedPath
	}
	if p.Duration != nil {
		set["duration"] = *p.Duration
	}
	if p.VAD != nil {
		set["vad_results"] = p.VAD
	}
	if p.Diarization != nil {
		set["diarization_results"] = p.Diarization
	}
	if p.Transcriptions != nil {
		set["transcriptions"] = p.Transcriptions
	}
	if p.Suspicion != nil {
		set["suspicion_results"] = p.Suspicion
	}
	if p.ErrorMessage != nil {
		set["error_message"] = *p.ErrorMessage
	}
	return set
}

func (r *chunkRepo) RecordAttemptError(ctx context.Context, chunkID string, msg string) error {
	res, err := r.col.UpdateOne(ctx,
		bson.M{"chunk_id": chunkID},
		bson.M{
			"$set": bson.M{"error_message": msg, "updated_at": r.now().UTC()},
			"$inc": bson.M{"attempts": 1},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return utils.ErrChunkNotFound
	}
	return nil
}

func (r *chunkRepo) ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.AudioChunk, error) {
	if limit <= 0 {
		limit = 200
	}

	cur, err := r.col.Find(ctx,
		bson.M{"session_id": sessionID},
		options.Find().
			SetSort(bson.D{{Key: "chunk_index", Value: 1}}).
			SetLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.AudioChunk
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
