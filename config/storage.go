package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/yoockh/audioproctor/internal/storage"
)

// ArtifactStore bundles the configured backend. Signer is nil for local disk;
// playback is then served by the API instead of a signed URL.
type ArtifactStore struct {
	storage.Store
	Signer storage.Signer
	Close  func() error
}

// OpenArtifactStore selects the backend from STORAGE_BACKEND (local or gcs).
func OpenArtifactStore(ctx context.Context) (*ArtifactStore, error) {
	switch backend := strings.ToLower(os.Getenv("STORAGE_BACKEND")); backend {
	case "", "local":
		dir := os.Getenv("LOCAL_STORAGE_DIR")
		if dir == "" {
			dir = "./data/audio"
		}
		s, err := storage.NewLocalStore(dir)
		if err != nil {
			return nil, err
		}
		return &ArtifactStore{Store: s, Close: func() error { return nil }}, nil
	case "gcs":
		bucket := os.Getenv("GCS_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("GCS_BUCKET environment variable is not set")
		}
		s, err := storage.NewGCSStore(ctx, bucket)
		if err != nil {
			return nil, err
		}
		return &ArtifactStore{Store: s, Signer: s, Close: s.Close}, nil
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", backend)
	}
}
