package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/yoockh/audioproctor/internal/utils"
)

// Executor runs an external command.
type Executor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execExecutor struct{}

func NewExecutor() Executor { return execExecutor{} }

func (execExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", name, err, stderr.String())
	}
	return out, nil
}

// Transcoder turns an arbitrary container (webm, ogg, mp3...) into WAV bytes.
type Transcoder interface {
	ToWAV(ctx context.Context, data []byte, ext string) ([]byte, error)
}

type FFmpegTranscoder struct {
	binary     string
	sampleRate int
	tmpDir     string
	exec       Executor
}

func NewFFmpegTranscoder(binary string, sampleRate int, tmpDir string, ex Executor) *FFmpegTranscoder {
	if binary == "" {
		binary = "ffmpeg"
	}
	if ex == nil {
		ex = NewExecutor()
	}
	return &FFmpegTranscoder{binary: binary, sampleRate: sampleRate, tmpDir: tmpDir, exec: ex}
}

// ToWAV writes the input to a temp file, converts it to mono 16-bit PCM and
// reads the result back. Both temp files are removed on every path.
func (t *FFmpegTranscoder) ToWAV(ctx context.Context, data []byte, ext string) ([]byte, error) {
	in, err := os.CreateTemp(t.tmpDir, "chunk-in-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("create temp input: %w", err)
	}
	inPath := in.Name()
	defer os.Remove(inPath)

	if _, err := in.Write(data); err != nil {
		in.Close()
		return nil, fmt.Errorf("write temp input: %w", err)
	}
	if err := in.Close(); err != nil {
		return nil, fmt.Errorf("close temp input: %w", err)
	}

	outPath := filepath.Join(filepath.Dir(inPath), filepath.Base(inPath)+".wav")
	defer os.Remove(outPath)

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", inPath,
		"-vn",
		"-ar", strconv.Itoa(t.sampleRate),
		"-ac", "1",
		"-c:a", "pcm_s16le",
		"-y", outPath,
	}
	if _, err := t.exec.Execute(ctx, t.binary, args...); err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrDecode, err)
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read transcoded output: %v", utils.ErrDecode, err)
	}
	return out, nil
}
