package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yoockh/audioproctor/internal/models"
	"github.com/yoockh/audioproctor/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type AudioSessionRepository interface {
	Create(ctx context.Context, s *models.AudioSession) error
	GetBySessionID(ctx context.Context, sessionID string) (*models.AudioSession, error)
	FindActive(ctx context.Context, examID, studentID string) (*models.AudioSession, error)
	// End moves an active session to status; false when it was not active.
	End(ctx context.Context, sessionID, status string, endedAt time.Time) (bool, error)
	Increment(ctx context.Context, sessionID string, counter models.SessionCounter, delta int64) error
}

type sessionRepo struct {
	col *mongo.Collection
}

func NewAudioSessionRepo(db *mongo.Database) AudioSessionRepository {
	return &sessionRepo{col: db.Collection("audio_sessions")}
}

func (r *sessionRepo) Create(ctx context.Context, s *models.AudioSession) error {
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	s.UpdatedAt = s.StartedAt
	_, err := r.col.InsertOne(ctx, s)
	if mongo.IsDuplicateKeyError(err) {
		return utils.ErrDuplicate
	}
	return err
}

func (r *sessionRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.AudioSession, error) {
	var s models.AudioSession
	err := r.col.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepo) FindActive(ctx context.Context, examID, studentID string) (*models.AudioSession, error) {
	var s models.AudioSession
	err := r.col.FindOne(ctx,
		bson.M{"exam_id": examID, "student_id": studentID, "status": models.SessionActive},
		options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}}),
	).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepo) End(ctx context.Context, sessionID, status string, endedAt time.Time) (bool, error) {
	res, err := r.col.UpdateOne(ctx,
		bson.M{"session_id": sessionID, "status": models.SessionActive},
		bson.M{"$set": bson.M{
			"status":     status,
			"ended_at":   endedAt.UTC(),
			"updated_at": endedAt.UTC(),
		}},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

// Increment is a server-side $inc so concurrent chunk completions never lose updates.
func (r *sessionRepo) Increment(ctx context.Context, sessionID string, counter models.SessionCounter, delta int64) error {
	switch counter {
	case models.CounterTotalChunks, models.CounterProcessedChunks, models.CounterFailedChunks, models.CounterTotalFlags:
	default:
		return fmt.Errorf("unknown session counter %q", counter)
	}
	if delta < 0 {
		return fmt.Errorf("session counters never decrease, got %d", delta)
	}

	_, err := r.col.UpdateOne(ctx,
		bson.M{"session_id": sessionID},
		bson.M{
			"$inc": bson.M{string(counter): delta},
			"$set": bson.M{"updated_at": time.Now().UTC()},
		},
	)
	return err
}
