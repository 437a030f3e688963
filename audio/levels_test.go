package audio

import (
	"math"
	"testing"
)

func TestMeasureLevelsSilence(t *testing.T) {
	t.Parallel()
	lv := MeasureLevels(make([]float32, 2000))
	if lv.RMS != 0 || lv.Peak != 0 || lv.SNRDb != 0 {
		t.Fatalf("silence levels = %+v", lv)
	}
}

func TestMeasureLevelsEmpty(t *testing.T) {
	t.Parallel()
	if lv := MeasureLevels(nil); lv != (Levels{}) {
		t.Fatalf("empty levels = %+v", lv)
	}
}

func TestMeasureLevelsQuietThenLoud(t *testing.T) {
	t.Parallel()

	samples := make([]float32, 16000)
	for i := range samples {
		amp := 0.001
		if i >= 8000 {
			amp = 0.5
		}
		samples[i] = float32(amp * math.Sin(float64(i)/5))
	}

	lv := MeasureLevels(samples)
	if lv.Peak < 0.49 || lv.Peak > 0.5 {
		t.Fatalf("peak = %v", lv.Peak)
	}
	if lv.SNRDb < 30 {
		t.Fatalf("SNR = %v dB, want a clear gap between noise floor and signal", lv.SNRDb)
	}
	if lv.RMS <= 0 || lv.RMS >= lv.Peak {
		t.Fatalf("rms = %v, peak = %v", lv.RMS, lv.Peak)
	}
}

func TestMeasureLevelsConstantTone(t *testing.T) {
	t.Parallel()

	samples := make([]float32, 8000)
	for i := range samples {
		samples[i] = 0.25
	}
	lv := MeasureLevels(samples)
	if math.Abs(lv.RMS-0.25) > 1e-6 {
		t.Fatalf("rms = %v", lv.RMS)
	}
	if math.Abs(lv.SNRDb) > 1e-6 {
		t.Fatalf("SNR of a steady tone = %v, want 0", lv.SNRDb)
	}
}
