package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// YAMNetDimension is the width of one YAMNet embedding frame.
const YAMNetDimension = 1024

// YAMNetClient talks to a TensorFlow Serving compatible REST endpoint that
// hosts the pretrained YAMNet model.
type YAMNetClient struct {
	serviceURL string
	modelName  string
	outputKey  string
	client     *http.Client
}

// ClientConfig configures a YAMNetClient. Zero values pick defaults.
type ClientConfig struct {
	ServiceURL string
	ModelName  string
	OutputKey  string
	Timeout    time.Duration
}

type predictRequest struct {
	Inputs map[string][]float32 `json:"inputs"`
}

// predictResponse covers both TF Serving response shapes: named outputs
// ("outputs": {"embeddings": ...}) and a single unnamed output.
type predictResponse struct {
	Outputs json.RawMessage `json:"outputs"`
	Error   string          `json:"error"`
}

type modelStatusResponse struct {
	ModelVersionStatus []struct {
		Version string `json:"version"`
		State   string `json:"state"`
	} `json:"model_version_status"`
}

// NewYAMNetClient creates a new YAMNet embedding client
func NewYAMNetClient(cfg ClientConfig) *YAMNetClient {
	if cfg.ServiceURL == "" {
		cfg.ServiceURL = "http://localhost:8501"
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "yamnet"
	}
	if cfg.OutputKey == "" {
		cfg.OutputKey = "embeddings"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &YAMNetClient{
		serviceURL: strings.TrimRight(cfg.ServiceURL, "/"),
		modelName:  cfg.ModelName,
		outputKey:  cfg.OutputKey,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// ModelName returns the served model name.
func (yc *YAMNetClient) ModelName() string {
	return yc.modelName
}

// HealthCheck verifies the model is loaded and serving
func (yc *YAMNetClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, yc.serviceURL+"/v1/models/"+yc.modelName, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := yc.client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding service not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding service unhealthy: status %d", resp.StatusCode)
	}

	var status modelStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode model status: %w", err)
	}
	for _, v := range status.ModelVersionStatus {
		if v.State == "AVAILABLE" {
			return nil
		}
	}
	return fmt.Errorf("model %q has no available version", yc.modelName)
}

// Frames runs the model once and returns the per-frame embeddings.
func (yc *YAMNetClient) Frames(ctx context.Context, waveform []float32) ([][]float64, error) {
	if len(waveform) == 0 {
		return nil, errors.New("empty waveform")
	}

	payload, err := json.Marshal(predictRequest{Inputs: map[string][]float32{"waveform": waveform}})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	url := yc.serviceURL + "/v1/models/" + yc.modelName + ":predict"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := yc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	var predResp predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&predResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if predResp.Error != "" {
		return nil, fmt.Errorf("embedding service error: %s", predResp.Error)
	}

	return yc.extractFrames(predResp.Outputs)
}

func (yc *YAMNetClient) extractFrames(raw json.RawMessage) ([][]float64, error) {
	if len(raw) == 0 {
		return nil, errors.New("response has no outputs")
	}

	var named map[string]json.RawMessage
	if err := json.Unmarshal(raw, &named); err == nil {
		out, ok := named[yc.outputKey]
		if !ok {
			return nil, fmt.Errorf("response has no %q output", yc.outputKey)
		}
		raw = out
	}

	var frames [][]float64
	if err := json.Unmarshal(raw, &frames); err != nil {
		return nil, fmt.Errorf("failed to decode embedding frames: %w", err)
	}
	return frames, nil
}

// Embed runs the model and averages the frame embeddings into one vector.
func (yc *YAMNetClient) Embed(ctx context.Context, waveform []float32) ([]float64, error) {
	frames, err := yc.Frames(ctx, waveform)
	if err != nil {
		return nil, err
	}
	return MeanFrames(frames)
}

// MeanFrames averages embeddings across the frame axis.
func MeanFrames(frames [][]float64) ([]float64, error) {
	if len(frames) == 0 {
		return nil, errors.New("received empty embedding")
	}

	dim := len(frames[0])
	if dim == 0 {
		return nil, errors.New("received zero-width embedding")
	}

	mean := make([]float64, dim)
	for i, frame := range frames {
		if len(frame) != dim {
			return nil, fmt.Errorf("frame %d has %d values, expected %d", i, len(frame), dim)
		}
		for j, v := range frame {
			mean[j] += v
		}
	}

	n := float64(len(frames))
	for j := range mean {
		mean[j] /= n
	}
	return mean, nil
}
