package storage

import (
	"context"
	"io"
	"time"
)

type Uploader interface {
	Upload(ctx context.Context, objectName string, contentType string, r io.Reader) (storedPath string, err error)
}

// Opener returns utils.ErrMissingArtifact when the object does not exist.
type Opener interface {
	Open(ctx context.Context, objectName string) (io.ReadCloser, error)
}

type Store interface {
	Uploader
	Opener
}

type Signer interface {
	SignedGetURL(ctx context.Context, objectName string, ttl time.Duration) (string, error)
}

// RawObjectName is where an uploaded chunk is kept before preprocessing.
func RawObjectName(examID, studentID, chunkID, ext string) string {
	return "raw/" + examID + "/" + studentID + "/" + chunkID + ext
}

func ProcessedObjectName(examID, studentID, chunkID string) string {
	return "preprocessed/" + examID + "/" + studentID + "/" + chunkID + ".wav"
}
