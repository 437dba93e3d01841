package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/yoockh/audioproctor/internal/utils"
)

const (
	formatPCM        = 1
	formatIEEEFloat  = 3
	formatExtensible = 0xFFFE
)

// PCM is decoded audio as interleaved samples in [-1, 1].
type PCM struct {
	SampleRate int
	Channels   int
	Data       []float64
}

// Frames returns the number of sample frames (samples per channel).
func (p *PCM) Frames() int {
	if p.Channels <= 0 {
		return 0
	}
	return len(p.Data) / p.Channels
}

func (p *PCM) Duration() float64 {
	if p.SampleRate <= 0 {
		return 0
	}
	return float64(p.Frames()) / float64(p.SampleRate)
}

// wavHeader is the canonical 44-byte header written for processed artifacts.
type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// IsWAV sniffs the RIFF/WAVE magic.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// EncodeWAV writes mono samples as 16-bit PCM. Values outside [-1, 1] are clipped.
func EncodeWAV(samples []float64, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	dataSize := uint32(len(samples) * 2)
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   formatPCM,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	pcm := make([]int16, len(samples))
	for i, v := range samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		pcm[i] = int16(math.Round(v * math.MaxInt16))
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)*2))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, pcm); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeWAV parses a RIFF/WAVE file, walking chunks so LIST/fact blocks are skipped.
// Integer PCM of 8/16/24/32 bits and 32/64-bit float are supported.
func DecodeWAV(data []byte) (*PCM, error) {
	if !IsWAV(data) {
		return nil, fmt.Errorf("%w: missing RIFF/WAVE header", utils.ErrDecode)
	}

	var (
		format, channels, bits uint16
		sampleRate             uint32
		haveFmt                bool
		payload                []byte
	)

	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(data) {
			// truncated streams from browsers often carry a bogus data size
			if id != "data" {
				return nil, fmt.Errorf("%w: chunk %q overruns file", utils.ErrDecode, id)
			}
			end = len(data)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("%w: fmt chunk too short", utils.ErrDecode)
			}
			format = binary.LittleEndian.Uint16(data[body:])
			channels = binary.LittleEndian.Uint16(data[body+2:])
			sampleRate = binary.LittleEndian.Uint32(data[body+4:])
			bits = binary.LittleEndian.Uint16(data[body+14:])
			if format == formatExtensible && size >= 26 {
				format = binary.LittleEndian.Uint16(data[body+24:])
			}
			haveFmt = true
		case "data":
			payload = data[body:end]
		}

		off = end + size%2 // chunks are word aligned
	}

	if !haveFmt {
		return nil, fmt.Errorf("%w: missing fmt chunk", utils.ErrDecode)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: missing data chunk", utils.ErrDecode)
	}
	if channels == 0 || sampleRate == 0 {
		return nil, fmt.Errorf("%w: invalid channel count %d or sample rate %d", utils.ErrDecode, channels, sampleRate)
	}

	samples, err := decodeSamples(payload, format, bits)
	if err != nil {
		return nil, err
	}
	// drop a trailing partial frame
	samples = samples[:len(samples)-len(samples)%int(channels)]
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no audio data found", utils.ErrDecode)
	}

	return &PCM{SampleRate: int(sampleRate), Channels: int(channels), Data: samples}, nil
}

func decodeSamples(b []byte, format, bits uint16) ([]float64, error) {
	width := int(bits) / 8
	if width == 0 {
		return nil, fmt.Errorf("%w: invalid bit depth %d", utils.ErrDecode, bits)
	}
	n := len(b) / width
	out := make([]float64, n)

	switch {
	case format == formatPCM && bits == 8:
		for i := 0; i < n; i++ {
			out[i] = (float64(b[i]) - 128) / 128
		}
	case format == formatPCM && bits == 16:
		for i := 0; i < n; i++ {
			out[i] = float64(int16(binary.LittleEndian.Uint16(b[i*2:]))) / 32768
		}
	case format == formatPCM && bits == 24:
		for i := 0; i < n; i++ {
			p := b[i*3:]
			v := int32(uint32(p[0])<<8|uint32(p[1])<<16|uint32(p[2])<<24) >> 8
			out[i] = float64(v) / 8388608
		}
	case format == formatPCM && bits == 32:
		for i := 0; i < n; i++ {
			out[i] = float64(int32(binary.LittleEndian.Uint32(b[i*4:]))) / 2147483648
		}
	case format == formatIEEEFloat && bits == 32:
		for i := 0; i < n; i++ {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])))
		}
	case format == formatIEEEFloat && bits == 64:
		for i := 0; i < n; i++ {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
		}
	default:
		return nil, fmt.Errorf("%w: unsupported WAV format %d with %d bits", utils.ErrDecode, format, bits)
	}
	return out, nil
}
