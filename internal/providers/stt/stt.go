package stt

import (
	"context"
	"strings"
)

// Segment is one recognized utterance with offsets relative to the clip start.
type Segment struct {
	Start      float64
	End        float64
	Text       string
	Confidence float64 // 0 when the recognizer does not report one
}

type Provider interface {
	Recognize(ctx context.Context, wav []byte, sampleRate int, language string) ([]Segment, error)
	Close() error
}

const DefaultLanguage = "en-US"

// NormalizeLanguage maps short codes and "auto" onto BCP-47 tags the recognizer accepts.
func NormalizeLanguage(v string) string {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case "", "auto":
		return DefaultLanguage
	case "id", "id-id":
		return "id-ID"
	case "en", "en-us":
		return "en-US"
	default:
		return v
	}
}

// Noop recognizes nothing. Used when no speech backend is configured.
type Noop struct{}

func (Noop) Recognize(context.Context, []byte, int, string) ([]Segment, error) { return nil, nil }
func (Noop) Close() error                                                      { return nil }
