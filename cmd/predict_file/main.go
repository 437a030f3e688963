package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"breathing-analysis/audio"
	"breathing-analysis/breathing"
	"breathing-analysis/chat"
	"breathing-analysis/classifier"
	"breathing-analysis/config"
	"breathing-analysis/embedding"
)

// TestConfig holds command line options
type TestConfig struct {
	TestDataDir   string
	File          string
	OutputCSV     string
	OutputJSON    string
	EnvFile       string
	WithRecommend bool
	Verbose       bool
}

// FilePrediction stores the result for a single file
type FilePrediction struct {
	Filename       string  `json:"filename"`
	Expected       string  `json:"expected,omitempty"`
	Prediction     string  `json:"prediction"`
	Confidence     float64 `json:"confidence"`
	Normal         float64 `json:"normal"`
	Abnormal       float64 `json:"abnormal"`
	Recommendation string  `json:"recommendation,omitempty"`
	Format         string  `json:"format"`
	Duration       float64 `json:"duration_seconds"`
	ProcessingTime float64 `json:"processing_time_ms"`
	Error          string  `json:"error,omitempty"`
}

// TestReport contains all results
type TestReport struct {
	Timestamp     time.Time        `json:"timestamp"`
	ModelPath     string           `json:"model_path"`
	TotalSamples  int              `json:"total_samples"`
	Failed        int              `json:"failed"`
	Labeled       int              `json:"labeled"`
	Correct       int              `json:"correct"`
	Accuracy      float64          `json:"accuracy,omitempty"`
	AvgProcessing float64          `json:"avg_processing_ms"`
	Predictions   []FilePrediction `json:"predictions"`
}

var audioExtensions = map[string]bool{
	".wav": true, ".flac": true, ".ogg": true, ".mp3": true,
	".m4a": true, ".aac": true, ".webm": true, ".3gp": true,
}

func main() {
	opts := parseFlags()
	log.SetFlags(log.Ldate | log.Ltime)

	cfg, err := config.Load(config.Overrides{EnvFile: opts.EnvFile})
	if err != nil {
		log.Fatalf("ERROR: invalid configuration: %v", err)
	}

	ctx := context.Background()

	log.Println("=== Breathing Prediction ===")
	log.Printf("Classifier: %s\n", cfg.ClassifierModelPath)
	log.Printf("Embedding service: %s (%s)\n", cfg.EmbeddingServiceURL, cfg.EmbeddingModelName)

	xgb, err := classifier.LoadXGBoost(cfg.ClassifierModelPath)
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}
	yamnet := embedding.NewYAMNetClient(embedding.ClientConfig{
		ServiceURL: cfg.EmbeddingServiceURL,
		ModelName:  cfg.EmbeddingModelName,
		OutputKey:  cfg.EmbeddingOutputKey,
		Timeout:    cfg.EmbeddingTimeout,
	})
	if err := yamnet.HealthCheck(ctx); err != nil {
		log.Fatalf("ERROR: embedding service unavailable: %v", err)
	}

	pipeline := breathing.NewPipeline(audio.NewDecoder(audio.NewFFmpegTranscoder(cfg.TmpDir)))
	if err := pipeline.SetModels(&breathing.Models{
		Embedder:           yamnet,
		Classifier:         xgb,
		EmbeddingModel:     yamnet.ModelName(),
		ClassifierFeatures: xgb.NFeatures(),
	}); err != nil {
		log.Fatalf("ERROR: %v", err)
	}

	var recommender *chat.Recommender
	if opts.WithRecommend {
		var gen chat.Generator
		if key := cfg.GeminiAPIKey(); key != "" {
			client, err := chat.NewGeminiClient(ctx, key, cfg.GeminiModel)
			if err != nil {
				log.Printf("WARNING: Gemini unavailable, using fallback text: %v\n", err)
			} else {
				gen = client
			}
		}
		recommender = chat.NewRecommender(gen, cfg.LLMTimeout)
	}

	files, err := collectFiles(opts)
	if err != nil {
		log.Fatalf("ERROR: Failed to read test data: %v", err)
	}
	if len(files) == 0 {
		log.Fatalf("ERROR: No audio files found")
	}
	log.Printf("Found %d file(s)\n\n", len(files))

	report := TestReport{Timestamp: time.Now(), ModelPath: cfg.ClassifierModelPath}
	totalProcessing := 0.0
	for i, path := range files {
		pred := predictFile(ctx, pipeline, recommender, path)
		if opts.Verbose || pred.Error != "" {
			log.Printf("[%d/%d] %s\n", i+1, len(files), summarize(pred))
		}
		report.Predictions = append(report.Predictions, pred)
		totalProcessing += pred.ProcessingTime
		if pred.Error != "" {
			report.Failed++
			continue
		}
		if pred.Expected != "" {
			report.Labeled++
			if pred.Expected == pred.Prediction {
				report.Correct++
			}
		}
	}

	report.TotalSamples = len(files)
	report.AvgProcessing = totalProcessing / float64(report.TotalSamples)
	if report.Labeled > 0 {
		report.Accuracy = float64(report.Correct) / float64(report.Labeled)
	}

	printReport(report)

	if opts.OutputCSV != "" {
		if err := saveCSV(report, opts.OutputCSV); err != nil {
			log.Printf("WARNING: Failed to save CSV: %v\n", err)
		} else {
			log.Printf("CSV results saved to: %s\n", opts.OutputCSV)
		}
	}
	if opts.OutputJSON != "" {
		if err := saveJSON(report, opts.OutputJSON); err != nil {
			log.Printf("WARNING: Failed to save JSON: %v\n", err)
		} else {
			log.Printf("JSON results saved to: %s\n", opts.OutputJSON)
		}
	}
}

func parseFlags() TestConfig {
	opts := TestConfig{}
	flag.StringVar(&opts.TestDataDir, "dir", "test_data",
		"Directory of recordings; files under normal/ or abnormal/ subfolders are scored for accuracy")
	flag.StringVar(&opts.File, "file", "", "Single recording to classify (overrides -dir)")
	flag.StringVar(&opts.OutputCSV, "output-csv", "", "Path to save predictions as CSV")
	flag.StringVar(&opts.OutputJSON, "output-json", "", "Path to save predictions as JSON")
	flag.StringVar(&opts.EnvFile, "env", ".env", "Path to .env file")
	flag.BoolVar(&opts.WithRecommend, "recommend", false, "Also generate a recommendation for each file")
	flag.BoolVar(&opts.Verbose, "verbose", false, "Print every prediction")
	flag.Parse()
	return opts
}

func collectFiles(opts TestConfig) ([]string, error) {
	if opts.File != "" {
		return []string{opts.File}, nil
	}

	var files []string
	err := filepath.WalkDir(opts.TestDataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if audioExtensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// expectedLabel reads the ground truth from the parent folder name.
func expectedLabel(path string) string {
	switch strings.ToLower(filepath.Base(filepath.Dir(path))) {
	case classifier.LabelNormal:
		return classifier.LabelNormal
	case classifier.LabelAbnormal:
		return classifier.LabelAbnormal
	}
	return ""
}

func predictFile(ctx context.Context, pipeline *breathing.Pipeline, recommender *chat.Recommender, path string) FilePrediction {
	started := time.Now()
	pred := FilePrediction{Filename: path, Expected: expectedLabel(path)}

	data, err := os.ReadFile(path)
	if err != nil {
		pred.Error = err.Error()
		return pred
	}

	result, err := pipeline.Analyze(ctx, data, "")
	if err != nil {
		pred.Error = err.Error()
		pred.ProcessingTime = time.Since(started).Seconds() * 1000
		return pred
	}

	p := result.Prediction
	pred.Prediction = p.Label
	pred.Confidence = p.Confidence()
	pred.Normal = p.Normal()
	pred.Abnormal = p.Abnormal()
	pred.Format = result.Waveform.Format
	pred.Duration = result.Waveform.Duration()
	if recommender != nil {
		pred.Recommendation = recommender.Recommend(ctx, p.Abnormal()).Text
	}
	pred.ProcessingTime = time.Since(started).Seconds() * 1000
	return pred
}

func summarize(pred FilePrediction) string {
	if pred.Error != "" {
		return fmt.Sprintf("%s: ERROR %s", pred.Filename, pred.Error)
	}
	line := fmt.Sprintf("%s: %s (%.1f%%)", pred.Filename, pred.Prediction, pred.Confidence*100)
	if pred.Expected != "" && pred.Expected != pred.Prediction {
		line += " expected " + pred.Expected
	}
	return line
}

func printReport(report TestReport) {
	log.Println(strings.Repeat("=", 80))
	log.Println("RESULTS")
	log.Println(strings.Repeat("=", 80))
	log.Printf("Total files: %d (failed: %d)\n", report.TotalSamples, report.Failed)
	log.Printf("Average processing time: %.2f ms/file\n", report.AvgProcessing)

	counts := map[string]int{}
	for _, pred := range report.Predictions {
		if pred.Error == "" {
			counts[pred.Prediction]++
		}
	}
	log.Printf("  %-10s: %d\n", classifier.LabelNormal, counts[classifier.LabelNormal])
	log.Printf("  %-10s: %d\n", classifier.LabelAbnormal, counts[classifier.LabelAbnormal])

	if report.Labeled > 0 {
		log.Printf("Accuracy on %d labeled files: %.2f%%\n", report.Labeled, report.Accuracy*100)
	}
}

func saveCSV(report TestReport, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{
		"filename", "expected", "prediction", "confidence",
		"normal", "abnormal", "format", "duration_seconds",
		"processing_time_ms", "error",
	}); err != nil {
		return err
	}

	for _, pred := range report.Predictions {
		if err := writer.Write([]string{
			pred.Filename,
			pred.Expected,
			pred.Prediction,
			fmt.Sprintf("%.4f", pred.Confidence),
			fmt.Sprintf("%.4f", pred.Normal),
			fmt.Sprintf("%.4f", pred.Abnormal),
			pred.Format,
			fmt.Sprintf("%.2f", pred.Duration),
			fmt.Sprintf("%.2f", pred.ProcessingTime),
			pred.Error,
		}); err != nil {
			return err
		}
	}
	return nil
}

func saveJSON(report TestReport, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
