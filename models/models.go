package models

import "time"

// RecordData is the socket payload for a recording captured by the app.
type RecordData struct {
	Audio    string `json:"audio"` // base64
	MimeType string `json:"mimeType,omitempty"`
}

type Probabilities struct {
	Normal   float64 `json:"normal"`
	Abnormal float64 `json:"abnormal"`
}

// PredictionResponse is the success body of POST /api/.
type PredictionResponse struct {
	Status         string        `json:"status"`
	Prediction     string        `json:"prediction"`
	Confidence     float64       `json:"confidence"`
	Probabilities  Probabilities `json:"probabilities"`
	Recommendation string        `json:"recommendation"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// PredictionRecord is a stored prediction for the history endpoint.
type PredictionRecord struct {
	ID                   int64         `json:"id"`
	Timestamp            time.Time     `json:"timestamp"`
	Prediction           string        `json:"prediction"`
	Confidence           float64       `json:"confidence"`
	Probabilities        Probabilities `json:"probabilities"`
	Recommendation       string        `json:"recommendation"`
	RecommendationSource string        `json:"recommendationSource"`
	DurationSeconds      float64       `json:"durationSeconds"`
	ContentType          string        `json:"contentType,omitempty"`
	DecodedFormat        string        `json:"decodedFormat,omitempty"`
	SNRDb                float64       `json:"snrDb"`
	LatencyMs            float64       `json:"latencyMs"`
}
