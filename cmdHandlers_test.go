package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"

	"breathing-analysis/audio"
	"breathing-analysis/breathing"
	"breathing-analysis/chat"
	"breathing-analysis/classifier"
	"breathing-analysis/detections"
	"breathing-analysis/embedding"
	"breathing-analysis/metrics"
	"breathing-analysis/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, []float32) ([]float64, error) {
	return make([]float64, embedding.YAMNetDimension), nil
}

type stubClassifier struct {
	abnormal float64
	err      error
}

func (s stubClassifier) Predict([]float64) (classifier.Prediction, error) {
	if s.err != nil {
		return classifier.Prediction{}, s.err
	}
	return classifier.NewPrediction(s.abnormal), nil
}

// wavBytes builds a short 16 kHz mono 16-bit WAV file.
func wavBytes(t *testing.T) []byte {
	t.Helper()
	samples := make([]int16, 4000)
	for i := range samples {
		samples[i] = int16(1000 * math.Sin(float64(i)/8))
	}

	dataLen := len(samples) * 2
	var buf bytes.Buffer
	write := func(v any) {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			t.Fatalf("binary.Write: %v", err)
		}
	}
	buf.WriteString("RIFF")
	write(uint32(36 + dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	write(uint32(16))
	write(uint16(1))
	write(uint16(1))
	write(uint32(16000))
	write(uint32(16000 * 2))
	write(uint16(2))
	write(uint16(16))
	buf.WriteString("data")
	write(uint32(dataLen))
	write(samples)
	return buf.Bytes()
}

func newTestApp(t *testing.T, clf breathing.Classifier, history historyStore) *app {
	t.Helper()
	pipeline := breathing.NewPipeline(audio.NewDecoder(nil))
	if clf != nil {
		err := pipeline.SetModels(&breathing.Models{
			Embedder:           stubEmbedder{},
			Classifier:         clf,
			EmbeddingModel:     "yamnet",
			ClassifierFeatures: embedding.YAMNetDimension,
		})
		if err != nil {
			t.Fatalf("SetModels: %v", err)
		}
	}
	return &app{
		pipeline:       pipeline,
		recommender:    chat.NewRecommender(nil, 0),
		history:        history,
		maxUploadBytes: 1 << 20,
	}
}

func uploadRequest(t *testing.T, field, contentType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="breath.wav"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	part.Write(data)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	if resp.Status != statusError {
		t.Fatalf("status field = %q, want %q", resp.Status, statusError)
	}
	return resp
}

func TestPredictBeforeModelsLoaded(t *testing.T) {
	t.Parallel()
	router := newRouter(newTestApp(t, nil, nil), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "audio", "audio/wav", wavBytes(t)))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", rec.Code)
	}
	if msg := decodeError(t, rec).Message; msg != "Model not loaded" {
		t.Fatalf("message = %q", msg)
	}
}

func TestPredictMissingAudioField(t *testing.T) {
	t.Parallel()
	router := newRouter(newTestApp(t, stubClassifier{abnormal: 0.2}, nil), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "file", "audio/wav", wavBytes(t)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
	decodeError(t, rec)
}

func TestPredictUnsupportedMedia(t *testing.T) {
	t.Parallel()
	router := newRouter(newTestApp(t, stubClassifier{abnormal: 0.2}, nil), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "audio", "application/octet-stream", []byte("definitely not audio")))

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("code = %d, want 415", rec.Code)
	}
	if msg := decodeError(t, rec).Message; msg != "Unsupported file type" {
		t.Fatalf("message = %q", msg)
	}
}

func TestPredictUploadTooLarge(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, stubClassifier{abnormal: 0.2}, nil)
	a.maxUploadBytes = 1024
	router := newRouter(a, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "audio", "audio/wav", wavBytes(t)))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("code = %d, want 413", rec.Code)
	}
	if msg := decodeError(t, rec).Message; msg != "upload exceeds 1024 bytes" {
		t.Fatalf("message = %q", msg)
	}
}

// Not parallel: the decode counters are process-wide.
func TestPredictCountsDecodePath(t *testing.T) {
	router := newRouter(newTestApp(t, stubClassifier{abnormal: 0.2}, nil), nil)
	direct := metrics.DecodeTotal.WithLabelValues(metrics.DecodeDirect)
	unsupported := metrics.DecodeTotal.WithLabelValues(metrics.DecodeUnsupported)

	beforeDirect, beforeUnsupported := testutil.ToFloat64(direct), testutil.ToFloat64(unsupported)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "audio", "audio/wav", wavBytes(t)))
	if rec.Code != http.StatusOK {
		t.Fatalf("wav code = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "audio", "audio/aac", []byte("definitely not audio")))
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("garbage code = %d", rec.Code)
	}

	if got := testutil.ToFloat64(direct); got != beforeDirect+1 {
		t.Fatalf("direct = %v, want %v", got, beforeDirect+1)
	}
	if got := testutil.ToFloat64(unsupported); got != beforeUnsupported+1 {
		t.Fatalf("unsupported = %v, want %v", got, beforeUnsupported+1)
	}
}

func TestDecodePath(t *testing.T) {
	t.Parallel()
	if got := decodePath(&audio.Waveform{Format: audio.FormatFFmpeg}); got != metrics.DecodeTranscoded {
		t.Fatalf("ffmpeg waveform path = %q", got)
	}
	if got := decodePath(&audio.Waveform{Format: "flac"}); got != metrics.DecodeDirect {
		t.Fatalf("flac waveform path = %q", got)
	}
}

func TestPredictInternalError(t *testing.T) {
	t.Parallel()
	router := newRouter(newTestApp(t, stubClassifier{err: errors.New("booster exploded")}, nil), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "audio", "audio/wav", wavBytes(t)))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("code = %d, want 500", rec.Code)
	}
	if msg := decodeError(t, rec).Message; !strings.Contains(msg, "booster exploded") {
		t.Fatalf("message = %q, want underlying error", msg)
	}
}

func TestPredictSuccess(t *testing.T) {
	t.Parallel()
	store := detections.NewStore(filepath.Join(t.TempDir(), "history.json"))
	router := newRouter(newTestApp(t, stubClassifier{abnormal: 0.9}, store), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "audio", "audio/wav", wavBytes(t)))

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp models.PredictionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != statusSuccess || resp.Prediction != classifier.LabelAbnormal {
		t.Fatalf("unexpected response %+v", resp)
	}
	if sum := resp.Probabilities.Normal + resp.Probabilities.Abnormal; math.Abs(sum-1) > 1e-9 {
		t.Fatalf("probabilities sum to %v", sum)
	}
	if math.Abs(resp.Confidence-0.9) > 1e-9 {
		t.Fatalf("confidence = %v, want 0.9", resp.Confidence)
	}
	if resp.Recommendation != chat.FallbackRecommendation(0.9) {
		t.Fatalf("recommendation = %q, want fallback", resp.Recommendation)
	}

	records, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 1 || records[0].RecommendationSource != chat.SourceFallback {
		t.Fatalf("history = %+v", records)
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	router := newRouter(newTestApp(t, nil, nil), nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/", nil)
	req.Header.Set("Origin", "http://localhost:8081")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code >= 300 {
		t.Fatalf("preflight code = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestCORSPreflightAllowsEveryMethod(t *testing.T) {
	t.Parallel()
	router := newRouter(newTestApp(t, nil, nil), nil)

	for _, method := range []string{http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead} {
		req := httptest.NewRequest(http.MethodOptions, "/api/history", nil)
		req.Header.Set("Origin", "http://localhost:8081")
		req.Header.Set("Access-Control-Request-Method", method)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Methods"); got != method {
			t.Errorf("%s preflight: Access-Control-Allow-Methods = %q", method, got)
		}
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		clf    breathing.Classifier
		status string
	}{
		{"loading", nil, "loading"},
		{"ready", stubClassifier{}, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(newTestApp(t, tt.clf, nil), nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

			var resp healthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.status || resp.Ready != (tt.clf != nil) {
				t.Fatalf("health = %+v", resp)
			}
		})
	}
}

func TestHistoryDisabled(t *testing.T) {
	t.Parallel()
	router := newRouter(newTestApp(t, nil, nil), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d, want 404", rec.Code)
	}
}

func TestHistoryLimit(t *testing.T) {
	t.Parallel()
	store := detections.NewStore(filepath.Join(t.TempDir(), "history.json"))
	for i := 0; i < 3; i++ {
		if err := store.Save(context.Background(), &models.PredictionRecord{Prediction: "normal"}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	router := newRouter(newTestApp(t, nil, store), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history?limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var records []models.PredictionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len = %d, want 2", len(records))
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history?limit=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit code = %d, want 400", rec.Code)
	}
}

func TestErrorStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
	}{
		{breathing.ErrNotReady, http.StatusServiceUnavailable},
		{errors.Join(errors.New("x"), audio.ErrUnsupportedMedia), http.StatusUnsupportedMediaType},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := errorStatus(tt.err); got != tt.status {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.status)
		}
	}
}
