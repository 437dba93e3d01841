package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/yoockh/audioproctor/internal/utils"
)

func sine(freq float64, sr int, seconds float64, amp float64) []float64 {
	n := int(float64(sr) * seconds)
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/float64(sr))
	}
	return out
}

func TestEncodeDecodeWAV(t *testing.T) {
	t.Parallel()

	in := sine(440, 16000, 0.25, 0.5)
	b, err := EncodeWAV(in, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if len(b) != 44+len(in)*2 {
		t.Fatalf("len = %d, want %d", len(b), 44+len(in)*2)
	}

	p, err := DecodeWAV(b)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if p.SampleRate != 16000 || p.Channels != 1 || p.Frames() != len(in) {
		t.Fatalf("got sr=%d ch=%d frames=%d", p.SampleRate, p.Channels, p.Frames())
	}
	for i := range in {
		if math.Abs(p.Data[i]-in[i]) > 1e-3 {
			t.Fatalf("sample %d: got %f want %f", i, p.Data[i], in[i])
		}
	}
}

func TestEncodeWAVErrors(t *testing.T) {
	t.Parallel()
	if _, err := EncodeWAV(nil, 16000); err == nil {
		t.Fatal("expected error for empty samples")
	}
	if _, err := EncodeWAV([]float64{0}, 0); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}

// stereo16 builds a two-channel file with a LIST chunk before data.
func stereo16(left, right []int16, sr uint32) []byte {
	var data bytes.Buffer
	for i := range left {
		binary.Write(&data, binary.LittleEndian, left[i])
		binary.Write(&data, binary.LittleEndian, right[i])
	}
	list := []byte("INFOjunk")

	var b bytes.Buffer
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(4+8+16+8+len(list)+8+data.Len()))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, uint16(1))
	binary.Write(&b, binary.LittleEndian, uint16(2))
	binary.Write(&b, binary.LittleEndian, sr)
	binary.Write(&b, binary.LittleEndian, sr*4)
	binary.Write(&b, binary.LittleEndian, uint16(4))
	binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("LIST")
	binary.Write(&b, binary.LittleEndian, uint32(len(list)))
	b.Write(list)
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(data.Len()))
	b.Write(data.Bytes())
	return b.Bytes()
}

func TestDecodeWAVStereoSkipsUnknownChunks(t *testing.T) {
	t.Parallel()

	b := stereo16([]int16{16384, 0}, []int16{-16384, 16384}, 8000)
	p, err := DecodeWAV(b)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if p.Channels != 2 || p.Frames() != 2 || p.SampleRate != 8000 {
		t.Fatalf("got ch=%d frames=%d sr=%d", p.Channels, p.Frames(), p.SampleRate)
	}

	mono := Downmix(p)
	if mono[0] != 0 || mono[1] != 0.25 {
		t.Fatalf("downmix = %v", mono)
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	t.Parallel()

	cases := map[string][]byte{
		"empty":    nil,
		"not riff": []byte("OggS0000000000000000"),
		"no fmt":   append([]byte("RIFF\x04\x00\x00\x00WAVE"), []byte("data\x00\x00\x00\x00")...),
	}
	for name, in := range cases {
		in := in
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := DecodeWAV(in); !errors.Is(err, utils.ErrDecode) {
				t.Fatalf("err = %v, want ErrDecode", err)
			}
		})
	}
}

func TestResample(t *testing.T) {
	t.Parallel()

	x := sine(100, 48000, 1, 1)
	y := Resample(x, 48000, 16000)
	if len(y) != 16000 {
		t.Fatalf("len = %d, want 16000", len(y))
	}
	// 0.25s into a 100Hz sine is a zero crossing
	if math.Abs(y[4000]) > 1e-6 {
		t.Fatalf("y[4000] = %f", y[4000])
	}
	if got := Resample(x[:10], 16000, 16000); len(got) != 10 {
		t.Fatalf("identity resample len = %d", len(got))
	}
}

func TestPeakNormalize(t *testing.T) {
	t.Parallel()

	out := PeakNormalize([]float64{0.1, -0.25, 0.2})
	if out[1] != -1 || math.Abs(out[0]-0.4) > 1e-12 {
		t.Fatalf("got %v", out)
	}
	silent := PeakNormalize([]float64{0, 0})
	if silent[0] != 0 || silent[1] != 0 {
		t.Fatalf("silence changed: %v", silent)
	}
}

func TestReduceNoiseAttenuatesQuietFrames(t *testing.T) {
	t.Parallel()

	sr := 16000
	x := append(sine(300, sr, 0.5, 0.01), sine(300, sr, 0.5, 0.8)...)
	y := ReduceNoise(x, sr, 0.8)

	quiet := FrameRMS(y[:sr/4], sr/4, sr/4)[0]
	loud := FrameRMS(y[3*sr/4:], sr/4, sr/4)[0]
	if quiet >= 0.01*0.5 {
		t.Fatalf("quiet rms %f not attenuated", quiet)
	}
	if loud < 0.8*0.7*0.9 {
		t.Fatalf("loud rms %f attenuated too much", loud)
	}
}

func TestFrameRMS(t *testing.T) {
	t.Parallel()

	x := []float64{1, 1, 1, 1, 0, 0, 0, 0}
	got := FrameRMS(x, 4, 2)
	want := []float64{1, math.Sqrt(0.5), 0}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Fatalf("frame %d = %f, want %f", i, got[i], want[i])
		}
	}
	if short := FrameRMS([]float64{1}, 4, 2); len(short) != 1 || short[0] != 0.5 {
		t.Fatalf("short = %v", short)
	}
}

func TestMFCCVarianceSeparatesSteadyAndChangingSignals(t *testing.T) {
	t.Parallel()

	sr := 16000
	cfg := DefaultMFCCConfig(sr, 13)

	steady := MFCC(sine(440, sr, 1, 0.5), cfg)
	if len(steady) == 0 || len(steady[0]) != 13 {
		t.Fatalf("unexpected shape %d", len(steady))
	}

	var changing []float64
	changing = append(changing, sine(200, sr, 0.5, 0.5)...)
	changing = append(changing, make([]float64, sr/2)...)
	changing = append(changing, sine(3000, sr, 0.5, 0.9)...)

	vs := MeanCoefficientVariance(steady)
	vc := MeanCoefficientVariance(MFCC(changing, cfg))
	if vc <= vs {
		t.Fatalf("changing variance %f <= steady %f", vc, vs)
	}
}

type fakeExecutor struct {
	args   []string
	output []byte
	err    error
}

func (f *fakeExecutor) Execute(_ context.Context, _ string, args ...string) ([]byte, error) {
	f.args = args
	if f.err != nil {
		return nil, f.err
	}
	return nil, os.WriteFile(args[len(args)-1], f.output, 0o600)
}

func TestFFmpegTranscoderCleansUp(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	wav, _ := EncodeWAV([]float64{0.1, 0.2}, 16000)
	ex := &fakeExecutor{output: wav}
	tr := NewFFmpegTranscoder("ffmpeg", 16000, dir, ex)

	out, err := tr.ToWAV(context.Background(), []byte("webm-bytes"), ".webm")
	if err != nil {
		t.Fatalf("ToWAV: %v", err)
	}
	if !bytes.Equal(out, wav) {
		t.Fatal("output mismatch")
	}
	if !containsSeq(ex.args, "-ar", "16000") || !containsSeq(ex.args, "-ac", "1") {
		t.Fatalf("args = %v", ex.args)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("temp files left: %d", len(entries))
	}
}

func TestFFmpegTranscoderFailureIsDecodeError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tr := NewFFmpegTranscoder("ffmpeg", 16000, dir, &fakeExecutor{err: errors.New("exit 1")})
	if _, err := tr.ToWAV(context.Background(), []byte("x"), ".ogg"); !errors.Is(err, utils.ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*"))
	if len(matches) != 0 {
		t.Fatalf("temp files left: %v", matches)
	}
}

func containsSeq(args []string, k, v string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == k && args[i+1] == v {
			return true
		}
	}
	return false
}
