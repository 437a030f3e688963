package audio

import (
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"
)

const (
	// TargetSampleRate is the rate the embedding model expects.
	TargetSampleRate = 16000
	// MinSamples is the shortest waveform handed to the embedding model
	// (0.1 s at TargetSampleRate).
	MinSamples = 1600

	// FormatFFmpeg is the Waveform.Format of signals decoded through the
	// transcoder fallback.
	FormatFFmpeg = "ffmpeg"
)

// Waveform is a normalized mono signal ready for feature extraction.
type Waveform struct {
	Samples    []float32
	SampleRate int

	// Format names the decoder that produced the signal ("wav", "flac",
	// "ogg", "mp3" or "ffmpeg" when the transcoder fallback was used).
	Format string
	// SourceSampleRate and SourceChannels describe the input before
	// normalization.
	SourceSampleRate int
	SourceChannels   int
	// Padded reports whether zeros were appended to reach MinSamples.
	Padded bool
}

// Duration returns the waveform length in seconds.
func (w *Waveform) Duration() float64 {
	if w == nil || w.SampleRate == 0 {
		return 0
	}
	return float64(len(w.Samples)) / float64(w.SampleRate)
}

// pcm is an interleaved float signal straight out of a decoder.
type pcm struct {
	samples    []float32
	sampleRate int
	channels   int
}

// normalize folds p to mono, resamples it to TargetSampleRate and pads it to
// MinSamples.
func normalize(p *pcm, format string) (*Waveform, error) {
	if p.channels < 1 {
		return nil, fmt.Errorf("invalid channel count %d", p.channels)
	}
	if p.sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", p.sampleRate)
	}

	mono := DownmixToMono(p.samples, p.channels)

	resampled, err := Resample(mono, p.sampleRate, TargetSampleRate)
	if err != nil {
		return nil, err
	}

	padded := PadToMinimum(resampled, MinSamples)

	return &Waveform{
		Samples:          padded,
		SampleRate:       TargetSampleRate,
		Format:           format,
		SourceSampleRate: p.sampleRate,
		SourceChannels:   p.channels,
		Padded:           len(padded) != len(resampled),
	}, nil
}

// DownmixToMono averages interleaved channels into a single channel. A
// trailing partial frame is dropped.
func DownmixToMono(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(interleaved))
		copy(out, interleaved)
		return out
	}

	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		base := i * channels
		for ch := 0; ch < channels; ch++ {
			sum += interleaved[base+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts a mono signal between sample rates.
func Resample(samples []float32, fromRate, toRate int) ([]float32, error) {
	if fromRate == toRate || len(samples) == 0 {
		return samples, nil
	}

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(fromRate),
		OutputRate: float64(toRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	input := make([]float64, len(samples))
	for i, s := range samples {
		input[i] = float64(s)
	}

	output, err := r.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample %d->%d Hz: %w", fromRate, toRate, err)
	}
	// The filter holds back its delay line until flushed.
	tail, err := r.Flush()
	if err != nil {
		return nil, fmt.Errorf("flush resampler: %w", err)
	}
	output = append(output, tail...)

	want := int(math.Round(float64(len(samples)) * float64(toRate) / float64(fromRate)))
	if len(output) > want {
		output = output[:want]
	}

	out := make([]float32, len(output))
	for i, s := range output {
		out[i] = float32(s)
	}
	return out, nil
}

// PadToMinimum zero-pads samples to exactly minLen. Longer inputs are
// returned unchanged.
func PadToMinimum(samples []float32, minLen int) []float32 {
	if len(samples) >= minLen {
		return samples
	}
	out := make([]float32, minLen)
	copy(out, samples)
	return out
}
