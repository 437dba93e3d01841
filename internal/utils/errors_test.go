package utils

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppErrorMessage(t *testing.T) {
	t.Parallel()

	inner := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"op msg err", E(CodeInternal, "Svc.Do", "failed", inner), "Svc.Do: failed: boom"},
		{"op msg", E(CodeInternal, "Svc.Do", "failed", nil), "Svc.Do: failed"},
		{"msg only", E(CodeInternal, "", "failed", nil), "failed"},
		{"err only", E(CodeInternal, "", "", inner), "boom"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{E(CodeInvalidArgument, "op", "bad", nil), http.StatusBadRequest},
		{E(CodeForbidden, "op", "no", nil), http.StatusForbidden},
		{E(CodeNotFound, "op", "missing", nil), http.StatusNotFound},
		{E(CodeConflict, "op", "dup", nil), http.StatusConflict},
		{fmt.Errorf("wrapped: %w", ErrChunkNotFound), http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", ErrMissingArtifact), http.StatusNotFound},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestIsCodeUnwrapsTaxonomy(t *testing.T) {
	t.Parallel()

	err := E(CodeUnavailable, "Stage.Run", "decode", fmt.Errorf("ffmpeg: %w", ErrDecode))
	if !IsCode(err, CodeUnavailable) {
		t.Fatal("expected CodeUnavailable")
	}
	if !errors.Is(err, ErrDecode) {
		t.Fatal("expected errors.Is to reach ErrDecode through AppError")
	}
}

func TestCodeOfSentinels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want Code
	}{
		{fmt.Errorf("repo: %w", ErrDuplicate), CodeConflict},
		{ErrNotFound, CodeNotFound},
		{E(CodeTimeout, "op", "slow", ErrNotFound), CodeTimeout},
		{ErrDecode, CodeInternal},
	}
	for _, tt := range tests {
		if got := CodeOf(tt.err); got != tt.want {
			t.Errorf("CodeOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
