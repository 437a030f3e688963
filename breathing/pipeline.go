// Package breathing runs the decode, embed and classify pipeline behind a
// readiness gate.
package breathing

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"breathing-analysis/audio"
	"breathing-analysis/classifier"
)

// ErrNotReady is returned while the models are still loading.
var ErrNotReady = errors.New("model not loaded")

// Embedder turns a waveform into one fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, waveform []float32) ([]float64, error)
}

// Classifier maps an embedding to a prediction.
type Classifier interface {
	Predict(features []float64) (classifier.Prediction, error)
}

// WaveformDecoder turns uploaded bytes into a normalized waveform.
type WaveformDecoder interface {
	Decode(ctx context.Context, data []byte, contentType string) (*audio.Waveform, error)
}

// Models bundles the loaded model handles. It is immutable once published.
type Models struct {
	Embedder   Embedder
	Classifier Classifier

	EmbeddingModel     string
	ClassifierFeatures int
}

// Result is the outcome of one pipeline run.
type Result struct {
	Prediction classifier.Prediction
	Waveform   *audio.Waveform
	Embedding  []float64
}

// Pipeline is safe for concurrent use. Models are published once with
// SetModels and read without locking afterwards.
type Pipeline struct {
	decoder WaveformDecoder
	models  atomic.Pointer[Models]
}

func NewPipeline(decoder WaveformDecoder) *Pipeline {
	return &Pipeline{decoder: decoder}
}

// SetModels publishes the loaded models and marks the pipeline ready.
func (p *Pipeline) SetModels(m *Models) error {
	if m == nil || m.Embedder == nil || m.Classifier == nil {
		return errors.New("embedder and classifier are required")
	}
	p.models.Store(m)
	return nil
}

// Ready reports whether both models are loaded.
func (p *Pipeline) Ready() bool {
	return p.models.Load() != nil
}

// Models returns the loaded models, or nil before startup completes.
func (p *Pipeline) Models() *Models {
	return p.models.Load()
}

// Analyze decodes data, extracts its embedding and classifies it. Decode
// failures wrap audio.ErrUnsupportedMedia.
func (p *Pipeline) Analyze(ctx context.Context, data []byte, contentType string) (*Result, error) {
	models := p.models.Load()
	if models == nil {
		return nil, ErrNotReady
	}

	waveform, err := p.decoder.Decode(ctx, data, contentType)
	if err != nil {
		return nil, err
	}

	embedding, err := models.Embedder.Embed(ctx, waveform.Samples)
	if err != nil {
		return nil, fmt.Errorf("extract features: %w", err)
	}

	prediction, err := models.Classifier.Predict(embedding)
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}

	return &Result{
		Prediction: prediction,
		Waveform:   waveform,
		Embedding:  embedding,
	}, nil
}
