package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/yoockh/audioproctor/internal/models"
	"github.com/yoockh/audioproctor/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type FlagFilter struct {
	StudentID string
	ExamID    string
	Type      string
	Severity  string
	Resolved  *bool
}

type FlagResolution struct {
	Resolved   bool
	ResolvedBy string
	Note       *string
	Severity   *models.Severity
}

type FlagRepository interface {
	Create(ctx context.Context, f *models.Flag) error
	EscalateRecent(ctx context.Context, key models.FlagKey, since, now time.Time) (*models.Flag, error)
	GetByID(ctx context.Context, id string) (*models.Flag, error)
	List(ctx context.Context, f FlagFilter, limit int64) ([]models.Flag, error)
	Resolve(ctx context.Context, id string, res FlagResolution, at time.Time) (*models.Flag, error)
	Statistics(ctx context.Context, f FlagFilter) (*models.FlagStatistics, error)
}

type flagRepo struct {
	col *mongo.Collection
}

func NewFlagRepo(db *mongo.Database) FlagRepository {
	return &flagRepo{col: db.Collection("flags")}
}

func (r *flagRepo) Create(ctx context.Context, f *models.Flag) error {
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = f.CreatedAt
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = f.CreatedAt
	}
	if f.Count == 0 {
		f.Count = 1
	}

	res, err := r.col.InsertOne(ctx, f)
	if err != nil {
		return err
	}
	if id, ok := res.InsertedID.(primitive.ObjectID); ok {
		f.ID = id
	}
	return nil
}

// escalateUpdate is an update pipeline so the new severity is computed from
// the stored one inside the same atomic write.
func escalateUpdate(now time.Time) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "severity", Value: bson.D{{Key: "$switch", Value: bson.D{
				{Key: "branches", Value: bson.A{
					bson.D{
						{Key: "case", Value: bson.D{{Key: "$eq", Value: bson.A{"$severity", string(models.SeverityLow)}}}},
						{Key: "then", Value: string(models.SeverityMedium)},
					},
					bson.D{
						{Key: "case", Value: bson.D{{Key: "$eq", Value: bson.A{"$severity", string(models.SeverityMedium)}}}},
						{Key: "then", Value: string(models.SeverityHigh)},
					},
				}},
				{Key: "default", Value: string(models.SeverityCritical)},
			}}}},
			{Key: "count", Value: bson.D{{Key: "$add", Value: bson.A{
				bson.D{{Key: "$ifNull", Value: bson.A{"$count", 1}}}, 1,
			}}}},
			{Key: "updated_at", Value: now},
		}}},
	}
}

func (r *flagRepo) EscalateRecent(ctx context.Context, key models.FlagKey, since, now time.Time) (*models.Flag, error) {
	var f models.Flag
	err := r.col.FindOneAndUpdate(ctx,
		bson.M{
			"student_id": key.StudentID,
			"exam_id":    key.ExamID,
			"type":       key.Type,
			"resolved":   false,
			"created_at": bson.M{"$gte": since.UTC()},
		},
		escalateUpdate(now.UTC()),
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "created_at", Value: -1}}).
			SetReturnDocument(options.After),
	).Decode(&f)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *flagRepo) GetByID(ctx context.Context, id string) (*models.Flag, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, utils.ErrNotFound
	}
	var f models.Flag
	err = r.col.FindOne(ctx, bson.M{"_id": oid}).Decode(&f)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func filterDoc(f FlagFilter) bson.M {
	m := bson.M{}
	if f.StudentID != "" {
		m["student_id"] = f.StudentID
	}
	if f.ExamID != "" {
		m["exam_id"] = f.ExamID
	}
	if f.Type != "" {
		m["type"] = f.Type
	}
	if f.Severity != "" {
		m["severity"] = f.Severity
	}
	if f.Resolved != nil {
		m["resolved"] = *f.Resolved
	}
	return m
}

func (r *flagRepo) List(ctx context.Context, f FlagFilter, limit int64) ([]models.Flag, error) {
	if limit <= 0 {
		limit = 100
	}
	cur, err := r.col.Find(ctx, filterDoc(f),
		options.Find().
			SetSort(bson.D{{Key: "timestamp", Value: -1}}).
			SetLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []models.Flag{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func resolutionUpdate(res FlagResolution, at time.Time) bson.M {
	set := bson.M{"resolved": res.Resolved, "updated_at": at}
	if res.Severity != nil {
		set["severity"] = *res.Severity
	}
	if !res.Resolved {
		set["resolved_by"] = nil
		set["resolved_at"] = nil
		set["resolution_note"] = nil
		return bson.M{"$set": set}
	}
	set["resolved_by"] = res.ResolvedBy
	set["resolved_at"] = at
	if res.Note != nil {
		set["resolution_note"] = *res.Note
	}
	return bson.M{"$set": set}
}

func (r *flagRepo) Resolve(ctx context.Context, id string, res FlagResolution, at time.Time) (*models.Flag, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, utils.ErrNotFound
	}
	var f models.Flag
	err = r.col.FindOneAndUpdate(ctx,
		bson.M{"_id": oid},
		resolutionUpdate(res, at.UTC()),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&f)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

type bucket struct {
	ID any   `bson:"_id"`
	N  int64 `bson:"n"`
}

func groupBy(field string) bson.A {
	return bson.A{bson.D{{Key: "$group", Value: bson.D{
		{Key: "_id", Value: "$" + field},
		{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
	}}}}
}

func (r *flagRepo) Statistics(ctx context.Context, f FlagFilter) (*models.FlagStatistics, error) {
	cur, err := r.col.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: filterDoc(f)}},
		{{Key: "$facet", Value: bson.D{
			{Key: "severity", Value: groupBy("severity")},
			{Key: "type", Value: groupBy("type")},
			{Key: "resolved", Value: groupBy("resolved")},
		}}},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var rows []struct {
		Severity []bucket `bson:"severity"`
		Type     []bucket `bson:"type"`
		Resolved []bucket `bson:"resolved"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}

	stats := &models.FlagStatistics{
		SeverityCounts: map[string]int64{},
		TypeCounts:     map[string]int64{},
	}
	if len(rows) == 0 {
		return stats, nil
	}
	for _, b := range rows[0].Severity {
		if s, ok := b.ID.(string); ok {
			stats.SeverityCounts[s] = b.N
		}
	}
	for _, b := range rows[0].Type {
		if s, ok := b.ID.(string); ok {
			stats.TypeCounts[s] = b.N
		}
	}
	for _, b := range rows[0].Resolved {
		stats.TotalFlags += b.N
		if resolved, ok := b.ID.(bool); ok && resolved {
			stats.ResolvedFlags += b.N
		}
	}
	stats.UnresolvedFlags = stats.TotalFlags - stats.ResolvedFlags
	return stats, nil
}
