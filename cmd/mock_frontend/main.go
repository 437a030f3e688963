package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"breathing-analysis/models"
	"breathing-analysis/utils"
)

var uploadExtensions = map[string]bool{
	".wav": true, ".mp3": true, ".m4a": true, ".aac": true,
	".ogg": true, ".flac": true, ".webm": true, ".3gp": true,
}

func main() {
	dir := flag.String("dir", "test_data", "Directory containing recordings to upload (ignored if -file is set)")
	file := flag.String("file", "", "Single recording to upload (overrides -dir)")
	endpoint := flag.String("url", utils.GetEnv("PREDICT_URL", "http://localhost:8000/api/"), "Prediction endpoint (default from PREDICT_URL)")
	contentType := flag.String("type", "", "Content type to send (default: guessed from the extension)")
	delay := flag.Duration("delay", 2*time.Second, "Delay between uploads when using -dir")
	flag.Parse()

	files, err := resolveFiles(*file, *dir)
	if err != nil {
		log.Fatalf("failed to resolve files: %v", err)
	}
	if len(files) == 0 {
		log.Fatalf("no recordings found (file=%s dir=%s)", *file, *dir)
	}

	client := &http.Client{Timeout: 2 * time.Minute}

	fmt.Printf("Uploading %d recording(s) to %s\n\n", len(files), *endpoint)
	for idx, path := range files {
		if err := uploadRecording(client, path, *endpoint, *contentType); err != nil {
			log.Printf("upload failed for %s: %v\n", path, err)
		}

		if idx < len(files)-1 && *delay > 0 {
			time.Sleep(*delay)
		}
	}
}

func resolveFiles(single, dir string) ([]string, error) {
	if single != "" {
		return []string{single}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !uploadExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	return files, nil
}

func guessContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return "audio/wav"
	case ".m4a":
		return "audio/m4a"
	case ".3gp":
		return "audio/3gpp"
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func uploadRecording(client *http.Client, path, endpoint, contentType string) error {
	fmt.Printf("→ %s\n", filepath.Base(path))

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read recording: %w", err)
	}
	if contentType == "" {
		contentType = guessContentType(path)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, filepath.Base(path)))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create form part: %w", err)
	}
	if _, err := part.Write(raw); err != nil {
		return fmt.Errorf("write form part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, &body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post prediction request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr models.ErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(respBody))
	}

	var prediction models.PredictionResponse
	if err := json.Unmarshal(respBody, &prediction); err != nil {
		return fmt.Errorf("decode prediction response: %w", err)
	}

	fmt.Printf("   %s (%.1f%%) normal=%.3f abnormal=%.3f in %s\n",
		prediction.Prediction, prediction.Confidence*100,
		prediction.Probabilities.Normal, prediction.Probabilities.Abnormal,
		time.Since(started).Round(time.Millisecond))
	fmt.Printf("   %s\n", prediction.Recommendation)

	return nil
}
