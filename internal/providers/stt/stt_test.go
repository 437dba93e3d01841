package stt

import (
	"context"
	"testing"
)

func TestNormalizeLanguage(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"", "en-US"},
		{"auto", "en-US"},
		{"AUTO", "en-US"},
		{"id", "id-ID"},
		{" en ", "en-US"},
		{"fr-FR", "fr-FR"},
	}
	for _, tc := range cases {
		if got := NormalizeLanguage(tc.in); got != tc.want {
			t.Errorf("NormalizeLanguage(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNoopRecognizesNothing(t *testing.T) {
	t.Parallel()

	var p Provider = Noop{}
	segs, err := p.Recognize(context.Background(), []byte("x"), 16000, "auto")
	if err != nil || len(segs) != 0 {
		t.Fatalf("got %v, %v", segs, err)
	}
}
