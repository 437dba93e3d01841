package audio

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

type MFCCConfig struct {
	SampleRate int
	NumCoeffs  int
	NumMels    int
	FFTSize    int
	Hop        int
	TopDB      float64
}

func DefaultMFCCConfig(sampleRate, numCoeffs int) MFCCConfig {
	return MFCCConfig{
		SampleRate: sampleRate,
		NumCoeffs:  numCoeffs,
		NumMels:    40,
		FFTSize:    2048,
		Hop:        512,
		TopDB:      80,
	}
}

// MFCC computes cepstral coefficients per frame (frames x NumCoeffs).
// Frames are centered on multiples of Hop with zero padding at the edges.
func MFCC(x []float64, cfg MFCCConfig) [][]float64 {
	if len(x) == 0 || cfg.FFTSize <= 0 || cfg.Hop <= 0 || cfg.NumCoeffs <= 0 || cfg.NumMels < cfg.NumCoeffs {
		return nil
	}

	half := cfg.FFTSize / 2
	padded := make([]float64, len(x)+2*half)
	copy(padded[half:], x)

	window := hann(cfg.FFTSize)
	bank := melFilterBank(cfg.NumMels, cfg.FFTSize, cfg.SampleRate)
	fft := fourier.NewFFT(cfg.FFTSize)

	nFrames := 1 + (len(padded)-cfg.FFTSize)/cfg.Hop
	melDB := make([][]float64, nFrames)
	frame := make([]float64, cfg.FFTSize)
	var coeffs []complex128
	maxDB := math.Inf(-1)

	for f := 0; f < nFrames; f++ {
		floats.MulTo(frame, padded[f*cfg.Hop:f*cfg.Hop+cfg.FFTSize], window)
		coeffs = fft.Coefficients(coeffs, frame)

		power := make([]float64, len(coeffs))
		for i, c := range coeffs {
			power[i] = real(c)*real(c) + imag(c)*imag(c)
		}

		row := make([]float64, cfg.NumMels)
		for m, filt := range bank {
			e := floats.Dot(filt, power)
			row[m] = 10 * math.Log10(math.Max(e, 1e-10))
			if row[m] > maxDB {
				maxDB = row[m]
			}
		}
		melDB[f] = row
	}

	if cfg.TopDB > 0 {
		lo := maxDB - cfg.TopDB
		for _, row := range melDB {
			for i, v := range row {
				if v < lo {
					row[i] = lo
				}
			}
		}
	}

	out := make([][]float64, nFrames)
	for f, row := range melDB {
		out[f] = dct2(row, cfg.NumCoeffs)
	}
	return out
}

// MeanCoefficientVariance is the population variance of each coefficient
// across frames, averaged over coefficients.
func MeanCoefficientVariance(m [][]float64) float64 {
	if len(m) == 0 {
		return 0
	}
	n := len(m[0])
	variances := make([]float64, n)
	col := make([]float64, len(m))
	for c := 0; c < n; c++ {
		for f := range m {
			col[f] = m[f][c]
		}
		_, variances[c] = stat.PopMeanVariance(col, nil)
	}
	return stat.Mean(variances, nil)
}

func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

func hzToMel(f float64) float64 { return 2595 * math.Log10(1+f/700) }
func melToHz(m float64) float64 { return 700 * (math.Pow(10, m/2595) - 1) }

// melFilterBank builds area-normalized triangular filters over the rfft bins.
func melFilterBank(nMels, fftSize, sampleRate int) [][]float64 {
	nBins := fftSize/2 + 1
	points := make([]float64, nMels+2)
	floats.Span(points, hzToMel(0), hzToMel(float64(sampleRate)/2))
	for i, m := range points {
		points[i] = melToHz(m)
	}

	binHz := float64(sampleRate) / float64(fftSize)
	bank := make([][]float64, nMels)
	for m := 0; m < nMels; m++ {
		lo, mid, hi := points[m], points[m+1], points[m+2]
		norm := 2 / (hi - lo)
		filt := make([]float64, nBins)
		for b := 0; b < nBins; b++ {
			f := float64(b) * binHz
			switch {
			case f > lo && f <= mid:
				filt[b] = norm * (f - lo) / (mid - lo)
			case f > mid && f < hi:
				filt[b] = norm * (hi - f) / (hi - mid)
			}
		}
		bank[m] = filt
	}
	return bank
}

// dct2 is the orthonormal type-II DCT truncated to k outputs.
func dct2(x []float64, k int) []float64 {
	n := float64(len(x))
	out := make([]float64, k)
	for i := 0; i < k; i++ {
		var sum float64
		for j, v := range x {
			sum += v * math.Cos(math.Pi/n*(float64(j)+0.5)*float64(i))
		}
		scale := math.Sqrt(2 / n)
		if i == 0 {
			scale = math.Sqrt(1 / n)
		}
		out[i] = sum * scale
	}
	return out
}
