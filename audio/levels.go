package audio

import "math"

const (
	maxSNRDb = 100.0
	minSNRDb = -100.0
)

// Levels summarizes the loudness of a waveform for logging and history.
type Levels struct {
	RMS   float64 `json:"rms"`
	Peak  float64 `json:"peak"`
	SNRDb float64 `json:"snrDb"`
}

// MeasureLevels computes RMS, peak and a rough SNR. The noise floor is the
// RMS of the quietest tenth of the recording, split into equal segments.
func MeasureLevels(samples []float32) Levels {
	if len(samples) == 0 {
		return Levels{}
	}

	var sumSquares, peak float64
	for _, s := range samples {
		v := float64(s)
		sumSquares += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	signalPower := sumSquares / float64(len(samples))

	segment := len(samples) / 10
	if segment < 512 {
		segment = 512
	}
	if segment > len(samples) {
		segment = len(samples)
	}
	noisePower := math.Inf(1)
	for start := 0; start+segment <= len(samples); start += segment {
		if p := meanSquare(samples[start : start+segment]); p < noisePower {
			noisePower = p
		}
	}

	return Levels{
		RMS:   math.Sqrt(signalPower),
		Peak:  peak,
		SNRDb: snrDb(signalPower, noisePower),
	}
}

func meanSquare(samples []float32) float64 {
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return sum / float64(len(samples))
}

func snrDb(signalPower, noisePower float64) float64 {
	if noisePower == 0 || math.IsInf(noisePower, 1) {
		if signalPower == 0 {
			return 0
		}
		return maxSNRDb
	}
	snr := 10 * math.Log10(signalPower/noisePower)
	switch {
	case snr > maxSNRDb:
		return maxSNRDb
	case snr < minSNRDb || signalPower == 0:
		return minSNRDb
	}
	return snr
}
