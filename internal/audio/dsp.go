package audio

import (
	"math"
	"sort"
)

// Downmix averages interleaved channels into a mono signal.
func Downmix(p *PCM) []float64 {
	if p == nil || p.Channels <= 0 {
		return nil
	}
	if p.Channels == 1 {
		out := make([]float64, len(p.Data))
		copy(out, p.Data)
		return out
	}
	frames := p.Frames()
	out := make([]float64, frames)
	ch := float64(p.Channels)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < p.Channels; c++ {
			sum += p.Data[i*p.Channels+c]
		}
		out[i] = sum / ch
	}
	return out
}

// Resample converts x from one sample rate to another with linear interpolation.
func Resample(x []float64, from, to int) []float64 {
	if from <= 0 || to <= 0 || len(x) == 0 {
		return nil
	}
	if from == to {
		out := make([]float64, len(x))
		copy(out, x)
		return out
	}

	n := int(math.Round(float64(len(x)) * float64(to) / float64(from)))
	if n < 1 {
		n = 1
	}
	out := make([]float64, n)
	step := float64(from) / float64(to)
	last := len(x) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = x[last]
			continue
		}
		frac := pos - float64(j)
		out[i] = x[j]*(1-frac) + x[j+1]*frac
	}
	return out
}

// ReduceNoise applies a stationary noise gate. The noise floor is the 10th
// percentile of 20 ms frame RMS; each frame is attenuated by propDecrease
// scaled by how close it sits to that floor. Gains are ramped between frames.
func ReduceNoise(x []float64, sampleRate int, propDecrease float64) []float64 {
	out := make([]float64, len(x))
	copy(out, x)
	if len(x) == 0 || sampleRate <= 0 || propDecrease <= 0 {
		return out
	}
	if propDecrease > 1 {
		propDecrease = 1
	}

	frameLen := sampleRate / 50
	if frameLen < 1 {
		frameLen = 1
	}
	rms := FrameRMS(x, frameLen, frameLen)
	if len(rms) == 0 {
		return out
	}

	sorted := append([]float64(nil), rms...)
	sort.Float64s(sorted)
	floor := sorted[len(sorted)/10]

	gains := make([]float64, len(rms))
	for i, r := range rms {
		if r <= 0 {
			gains[i] = 1 - propDecrease
			continue
		}
		gains[i] = 1 - propDecrease*math.Min(1, floor/r)
	}

	prev := gains[0]
	for f, g := range gains {
		start := f * frameLen
		end := start + frameLen
		if f == len(gains)-1 {
			end = len(out)
		}
		span := float64(end - start)
		for i := start; i < end && i < len(out); i++ {
			t := float64(i-start) / span
			out[i] *= prev + (g-prev)*t
		}
		prev = g
	}
	return out
}

// PeakNormalize scales x so its largest absolute sample is 1. Silence is returned unchanged.
func PeakNormalize(x []float64) []float64 {
	out := make([]float64, len(x))
	copy(out, x)
	var peak float64
	for _, v := range x {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return out
	}
	for i := range out {
		out[i] /= peak
	}
	return out
}

// FrameRMS returns the root-mean-square of each window of frameLen samples
// advanced by hop. A signal shorter than one window yields a single zero-padded frame.
func FrameRMS(x []float64, frameLen, hop int) []float64 {
	if len(x) == 0 || frameLen <= 0 || hop <= 0 {
		return nil
	}
	if len(x) < frameLen {
		var sum float64
		for _, v := range x {
			sum += v * v
		}
		return []float64{math.Sqrt(sum / float64(frameLen))}
	}

	n := 1 + (len(x)-frameLen)/hop
	out := make([]float64, n)
	for f := 0; f < n; f++ {
		var sum float64
		for _, v := range x[f*hop : f*hop+frameLen] {
			sum += v * v
		}
		out[f] = math.Sqrt(sum / float64(frameLen))
	}
	return out
}
