package audio

import (
	"math"
	"testing"
)

func TestDownmixToMonoAveragesChannels(t *testing.T) {
	t.Parallel()

	got := DownmixToMono([]float32{1, 0, 0.5, 0.5, -1, 1, 0.2}, 2)
	want := []float32{0.5, 0.5, 0}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d (trailing partial frame dropped)", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("got[%d] = %f, want %f", i, got[i], want[i])
		}
	}
}

func TestDownmixToMonoCopiesMonoInput(t *testing.T) {
	t.Parallel()

	in := []float32{0.1, 0.2}
	out := DownmixToMono(in, 1)
	out[0] = 9
	if in[0] != 0.1 {
		t.Fatalf("DownmixToMono must not alias its input")
	}
}

func TestPadToMinimum(t *testing.T) {
	t.Parallel()

	if got := PadToMinimum(make([]float32, 10), MinSamples); len(got) != MinSamples {
		t.Errorf("len = %d, want %d", len(got), MinSamples)
	}
	long := make([]float32, MinSamples+5)
	if got := PadToMinimum(long, MinSamples); len(got) != len(long) {
		t.Errorf("long input changed length to %d", len(got))
	}
	if got := PadToMinimum(nil, MinSamples); len(got) != MinSamples {
		t.Errorf("nil input padded to %d, want %d", len(got), MinSamples)
	}
}

func TestResampleSameRateIsIdentity(t *testing.T) {
	t.Parallel()

	in := []float32{0.1, 0.2, 0.3}
	out, err := Resample(in, TargetSampleRate, TargetSampleRate)
	if err != nil {
		t.Fatalf("Resample returned error: %v", err)
	}
	if len(out) != len(in) || out[2] != in[2] {
		t.Fatalf("Resample changed samples at equal rates: %v", out)
	}
}

func TestNormalizeRejectsInvalidStream(t *testing.T) {
	t.Parallel()

	if _, err := normalize(&pcm{samples: []float32{0}, sampleRate: 0, channels: 1}, "wav"); err == nil {
		t.Errorf("expected error for zero sample rate")
	}
	if _, err := normalize(&pcm{samples: []float32{0}, sampleRate: 16000, channels: 0}, "wav"); err == nil {
		t.Errorf("expected error for zero channels")
	}
}

func TestWaveformDuration(t *testing.T) {
	t.Parallel()

	wf := &Waveform{Samples: make([]float32, 8000), SampleRate: TargetSampleRate}
	if got := wf.Duration(); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("Duration = %f, want 0.5", got)
	}
	var nilWf *Waveform
	if got := nilWf.Duration(); got != 0 {
		t.Errorf("nil Duration = %f, want 0", got)
	}
}

func TestResampleKeepsFullLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, n, want int
	}{
		{48000, 48000, 16000},
		{44100, 44100, 16000},
		{8000, 4000, 8000},
		{48000, 2400, 800},
	}
	for _, tt := range tests {
		in := make([]float32, tt.n)
		for i := range in {
			in[i] = float32(0.5 * math.Sin(2*math.Pi*200*float64(i)/float64(tt.from)))
		}
		out, err := Resample(in, tt.from, TargetSampleRate)
		if err != nil {
			t.Fatalf("Resample %d Hz: %v", tt.from, err)
		}
		if d := len(out) - tt.want; d < -2 || d > 2 {
			t.Errorf("Resample %d samples at %d Hz: len = %d, want %d", tt.n, tt.from, len(out), tt.want)
		}

		// The second half of the clip must survive, not just the start.
		var tailPeak float64
		for _, s := range out[len(out)/2 : len(out)*3/4] {
			tailPeak = math.Max(tailPeak, math.Abs(float64(s)))
		}
		if tailPeak < 0.3 {
			t.Errorf("Resample %d Hz: tail peak = %f, want the signal through the end", tt.from, tailPeak)
		}
	}
}
