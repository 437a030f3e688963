package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"breathing-analysis/audio"
	"breathing-analysis/breathing"
	"breathing-analysis/chat"
	"breathing-analysis/classifier"
	"breathing-analysis/config"
	"breathing-analysis/db"
	"breathing-analysis/detections"
	"breathing-analysis/embedding"
	"breathing-analysis/metrics"
	"breathing-analysis/models"
	"breathing-analysis/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mdobak/go-xerrors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	msgModelNotLoaded  = "Model not loaded"
	msgUnsupportedType = "Unsupported file type"

	audioFormField = "audio"
)

// historyStore is implemented by db.SQLiteClient and detections.Store.
type historyStore interface {
	Save(ctx context.Context, rec *models.PredictionRecord) error
	Recent(ctx context.Context, limit int) ([]models.PredictionRecord, error)
	Close() error
}

// app holds everything the HTTP and socket handlers share.
type app struct {
	pipeline       *breathing.Pipeline
	recommender    *chat.Recommender
	history        historyStore
	maxUploadBytes int64
	ffmpeg         bool
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode JSON response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.ErrorResponse{Status: statusError, Message: message})
}

// errorStatus maps a pipeline error to its HTTP status and client message.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, breathing.ErrNotReady):
		return http.StatusServiceUnavailable, msgModelNotLoaded
	case errors.Is(err, audio.ErrUnsupportedMedia):
		return http.StatusUnsupportedMediaType, msgUnsupportedType
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

// decodePath labels whether wf came from a native decoder or from ffmpeg.
func decodePath(wf *audio.Waveform) string {
	if wf.Format == audio.FormatFFmpeg {
		return metrics.DecodeTranscoded
	}
	return metrics.DecodeDirect
}

// analyze runs the full pipeline plus recommendation for one upload.
func (a *app) analyze(ctx context.Context, data []byte, contentType string) (*models.PredictionResponse, error) {
	logger := utils.GetLogger()
	started := time.Now()

	result, err := a.pipeline.Analyze(ctx, data, contentType)
	if err != nil {
		metrics.AnalysisDuration.WithLabelValues("error").Observe(time.Since(started).Seconds())
		if errors.Is(err, audio.ErrUnsupportedMedia) {
			metrics.DecodeTotal.WithLabelValues(metrics.DecodeUnsupported).Inc()
		}
		return nil, err
	}
	metrics.AnalysisDuration.WithLabelValues("success").Observe(time.Since(started).Seconds())
	metrics.DecodeTotal.WithLabelValues(decodePath(result.Waveform)).Inc()
	metrics.PredictionsTotal.WithLabelValues(result.Prediction.Label).Inc()

	p := result.Prediction
	rec := a.recommender.Recommend(ctx, p.Abnormal())

	resp := &models.PredictionResponse{
		Status:     statusSuccess,
		Prediction: p.Label,
		Confidence: p.Confidence(),
		Probabilities: models.Probabilities{
			Normal:   p.Normal(),
			Abnormal: p.Abnormal(),
		},
		Recommendation: rec.Text,
	}

	levels := audio.MeasureLevels(result.Waveform.Samples)
	latency := time.Since(started).Seconds() * 1000
	logger.InfoContext(ctx, "classified recording",
		slog.String("prediction", resp.Prediction),
		slog.Float64("confidence", resp.Confidence),
		slog.String("format", result.Waveform.Format),
		slog.Float64("duration", result.Waveform.Duration()),
		slog.Float64("rms", levels.RMS),
		slog.Float64("snrDb", levels.SNRDb),
		slog.String("recommendationSource", rec.Source),
		slog.Float64("latencyMs", latency),
	)

	if a.history != nil {
		record := &models.PredictionRecord{
			Prediction:           resp.Prediction,
			Confidence:           resp.Confidence,
			Probabilities:        resp.Probabilities,
			Recommendation:       resp.Recommendation,
			RecommendationSource: rec.Source,
			DurationSeconds:      result.Waveform.Duration(),
			ContentType:          contentType,
			DecodedFormat:        result.Waveform.Format,
			SNRDb:                levels.SNRDb,
			LatencyMs:            latency,
		}
		if err := a.history.Save(ctx, record); err != nil {
			err := xerrors.New(err)
			logger.ErrorContext(ctx, "failed to save prediction history", slog.Any("error", err))
		}
	}

	return resp, nil
}

func newPredictHandler(a *app) http.HandlerFunc {
	logger := utils.GetLogger()
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if !a.pipeline.Ready() {
			writeJSONError(w, http.StatusServiceUnavailable, msgModelNotLoaded)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, a.maxUploadBytes)
		file, header, err := r.FormFile(audioFormField)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "upload exceeds "+strconv.FormatInt(maxErr.Limit, 10)+" bytes")
				return
			}
			logger.WarnContext(ctx, "missing audio upload", slog.Any("error", err))
			writeJSONError(w, http.StatusBadRequest, "multipart field \"audio\" is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			err := xerrors.New(err)
			logger.ErrorContext(ctx, "failed to read upload", slog.Any("error", err))
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}

		contentType := header.Header.Get("Content-Type")
		logger.InfoContext(ctx, "received audio upload",
			slog.String("filename", header.Filename),
			slog.String("contentType", contentType),
			slog.Int("bytes", len(data)),
		)

		resp, err := a.analyze(ctx, data, contentType)
		if err != nil {
			status, message := errorStatus(err)
			if status == http.StatusInternalServerError {
				err := xerrors.New(err)
				logger.ErrorContext(ctx, "prediction failed", slog.Any("error", err))
			} else {
				logger.WarnContext(ctx, "prediction rejected",
					slog.Int("status", status),
					slog.String("reason", err.Error()),
				)
			}
			writeJSONError(w, status, message)
			return
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
	FFmpeg bool   `json:"ffmpeg"`
}

func newHealthHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "loading", Ready: a.pipeline.Ready(), FFmpeg: a.ffmpeg}
		if resp.Ready {
			resp.Status = "ok"
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func newHistoryHandler(a *app) http.HandlerFunc {
	logger := utils.GetLogger()
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if a.history == nil {
			writeJSONError(w, http.StatusNotFound, "history is disabled")
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = n
		}

		records, err := a.history.Recent(ctx, limit)
		if err != nil {
			err := xerrors.New(err)
			logger.ErrorContext(ctx, "failed to load history", slog.Any("error", err))
			writeJSONError(w, http.StatusInternalServerError, "failed to load history")
			return
		}

		writeJSON(w, http.StatusOK, records)
	}
}

// newRouter wires the API routes. socketServer may be nil.
func newRouter(a *app, socketServer http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(metrics.InstrumentHandler)

		predict := newPredictHandler(a)
		r.Post("/api/", predict)
		r.Post("/api", predict)
		r.Get("/api/health", newHealthHandler(a))
		r.Get("/api/history", newHistoryHandler(a))
		r.Handle("/metrics", promhttp.Handler())
	})

	// The websocket transport hijacks the connection, so it stays outside
	// the instrumented group.
	if socketServer != nil {
		r.Handle("/socket.io/*", socketServer)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}

func openHistory(cfg *config.Config) (historyStore, error) {
	switch cfg.HistoryBackend {
	case config.HistorySQLite:
		client, err := db.NewSQLiteClient(cfg.HistoryDBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite history: %w", err)
		}
		return client, nil
	case config.HistoryJSON:
		return detections.NewStore(cfg.HistoryJSONPath), nil
	default:
		return nil, nil
	}
}

func newRecommender(ctx context.Context, cfg *config.Config) *chat.Recommender {
	logger := utils.GetLogger()

	var generator chat.Generator
	if key := cfg.GeminiAPIKey(); key != "" {
		client, err := chat.NewGeminiClient(ctx, key, cfg.GeminiModel)
		if err != nil {
			err := xerrors.New(err)
			logger.ErrorContext(ctx, "failed to create Gemini client, using fallback recommendations", slog.Any("error", err))
		} else {
			generator = client
			log.Printf("Gemini recommendations enabled (model %s)", client.Model())
		}
	} else {
		log.Println("API_KEY not set, recommendations will use fallback text")
	}

	rec := chat.NewRecommender(generator, cfg.LLMTimeout)
	rec.OnResult(func(source string) {
		metrics.RecommendationsTotal.WithLabelValues(source).Inc()
	})
	return rec
}

// loadModels loads the classifier from disk and waits for the embedding
// service to report the model as available.
func loadModels(ctx context.Context, cfg *config.Config) (*breathing.Models, error) {
	xgb, err := classifier.LoadXGBoost(cfg.ClassifierModelPath)
	if err != nil {
		return nil, err
	}
	if n := xgb.NFeatures(); n != embedding.YAMNetDimension {
		return nil, fmt.Errorf("classifier %s expects %d features, embeddings have %d", xgb.Path(), n, embedding.YAMNetDimension)
	}
	log.Printf("Classifier loaded successfully from %s", xgb.Path())

	yamnet := embedding.NewYAMNetClient(embedding.ClientConfig{
		ServiceURL: cfg.EmbeddingServiceURL,
		ModelName:  cfg.EmbeddingModelName,
		OutputKey:  cfg.EmbeddingOutputKey,
		Timeout:    cfg.EmbeddingTimeout,
	})
	if err := yamnet.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("embedding service: %w", err)
	}
	log.Printf("Embedding model %s available at %s", yamnet.ModelName(), cfg.EmbeddingServiceURL)

	return &breathing.Models{
		Embedder:           yamnet,
		Classifier:         xgb,
		EmbeddingModel:     yamnet.ModelName(),
		ClassifierFeatures: xgb.NFeatures(),
	}, nil
}

func serve(cfg *config.Config, protocol string) {
	logger := utils.GetLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if protocol == "https" {
		if err := cfg.ValidateTLS(); err != nil {
			log.Fatalf("Missing cert: %v", err)
		}
	}

	history, err := openHistory(cfg)
	if err != nil {
		log.Fatalf("failed to open history store: %v", err)
	}
	if history != nil {
		defer history.Close()
		log.Printf("Prediction history enabled (%s)", cfg.HistoryBackend)
	}

	a := &app{
		pipeline:       breathing.NewPipeline(audio.NewDecoder(audio.NewFFmpegTranscoder(cfg.TmpDir))),
		recommender:    newRecommender(ctx, cfg),
		history:        history,
		maxUploadBytes: cfg.MaxUploadBytes,
		ffmpeg:         audio.CheckFFmpegAvailable() == nil,
	}

	socketServer := newSocketServer(newSocketController(a))
	go func() {
		if err := socketServer.Serve(); err != nil {
			log.Fatalf("socketio listen error: %s\n", err)
		}
	}()
	defer socketServer.Close()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(a, socketServer),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if protocol == "https" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	ln, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", httpServer.Addr, err)
	}

	// Requests that arrive before this finishes get 503.
	go func() {
		loaded, err := loadModels(ctx, cfg)
		if err == nil {
			err = a.pipeline.SetModels(loaded)
		}
		if err != nil {
			err := xerrors.New(err)
			logger.ErrorContext(ctx, "failed to load models", slog.Any("error", err))
			os.Exit(1)
		}
		logger.InfoContext(ctx, "models loaded, accepting predictions")
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown: %v", err)
		}
	}()

	if protocol == "https" {
		log.Printf("Starting HTTPS server on %s", httpServer.Addr)
		err = httpServer.ServeTLS(ln, cfg.CertFile, cfg.CertKey)
	} else {
		log.Printf("Starting HTTP server on port %v", cfg.Port)
		err = httpServer.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("HTTP server: %v", err)
	}
}
