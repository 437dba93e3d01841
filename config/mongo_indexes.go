package config

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func EnsureMongoIndexes() error {
	if MongoClient == nil {
		return errors.New("MongoClient is nil; call InitMongo() first")
	}
	db := MongoDatabase()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	_, err := db.Collection("audio_chunks").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "chunk_id", Value: 1}},
			Options: options.Index().SetName("uniq_chunk_id").SetUnique(true),
		},
		// one upload per chunk slot
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "chunk_index", Value: 1}},
			Options: options.Index().SetName("uniq_session_chunk").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "exam_id", Value: 1}, {Key: "student_id", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("by_exam_student_ts"),
		},
		{
			Keys:    bson.D{{Key: "processing_status", Value: 1}, {Key: "updated_at", Value: 1}},
			Options: options.Index().SetName("by_status_updated"),
		},
	})
	if err != nil {
		return err
	}

	_, err = db.Collection("audio_sessions").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetName("uniq_session_id").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "exam_id", Value: 1}, {Key: "student_id", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetName("by_exam_student_status"),
		},
	})
	if err != nil {
		return err
	}

	_, err = db.Collection("flags").Indexes().CreateMany(ctx, []mongo.IndexModel{
		// aggregation lookup
		{
			Keys: bson.D{
				{Key: "student_id", Value: 1},
				{Key: "exam_id", Value: 1},
				{Key: "type", Value: 1},
				{Key: "resolved", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("by_key_unresolved_created"),
		},
		{
			Keys:    bson.D{{Key: "exam_id", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("by_exam_ts"),
		},
	})
	return err
}
