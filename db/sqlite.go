package db

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"breathing-analysis/models"
	"breathing-analysis/utils"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration
)

// DefaultRecentLimit is used when Recent is called with a non-positive limit.
const DefaultRecentLimit = 50

type SQLiteClient struct {
	db *sql.DB
}

func NewSQLiteClient(dataSourceName string) (*SQLiteClient, error) {
	// Extract the file path before query parameters
	dbPath := dataSourceName
	if idx := strings.Index(dataSourceName, "?"); idx != -1 {
		dbPath = dataSourceName[:idx]
	}

	dbDir := filepath.Dir(dbPath)
	if dbDir != "." && dbDir != "" && !strings.HasPrefix(dbPath, ":memory:") {
		if err := utils.CreateFolder(dbDir); err != nil {
			return nil, fmt.Errorf("error creating database directory: %w", err)
		}
	}

	// Add busy timeout param to DSN (milliseconds)
	if !strings.Contains(dataSourceName, "_busy_timeout") {
		if strings.Contains(dataSourceName, "?") {
			dataSourceName += "&_busy_timeout=5000"
		} else {
			dataSourceName += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("error connecting to SQLite: %w", err)
	}
	// sqlite serialises writers anyway; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating tables: %w", err)
	}

	return &SQLiteClient{db: db}, nil
}

func createTables(db *sql.DB) error {
	createPredictionsTable := `
    CREATE TABLE IF NOT EXISTS predictions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp DATETIME NOT NULL,
        prediction TEXT NOT NULL,
        confidence REAL NOT NULL,
        prob_normal REAL NOT NULL,
        prob_abnormal REAL NOT NULL,
        recommendation TEXT NOT NULL,
        recommendation_source TEXT NOT NULL,
        duration_seconds REAL NOT NULL DEFAULT 0,
        content_type TEXT,
        decoded_format TEXT,
        snr_db REAL,
        latency_ms REAL NOT NULL DEFAULT 0
    );
    CREATE INDEX IF NOT EXISTS idx_predictions_timestamp ON predictions(timestamp);
    `

	if _, err := db.Exec(createPredictionsTable); err != nil {
		return fmt.Errorf("error creating predictions table: %w", err)
	}
	return nil
}

func (db *SQLiteClient) Close() error {
	if db.db != nil {
		return db.db.Close()
	}
	return nil
}

// Save stores a prediction and fills in its ID (and Timestamp when unset).
func (db *SQLiteClient) Save(ctx context.Context, rec *models.PredictionRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	res, err := db.db.ExecContext(ctx, `
		INSERT INTO predictions (
			timestamp, prediction, confidence, prob_normal, prob_abnormal,
			recommendation, recommendation_source, duration_seconds,
			content_type, decoded_format, snr_db, latency_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp,
		rec.Prediction,
		rec.Confidence,
		rec.Probabilities.Normal,
		rec.Probabilities.Abnormal,
		rec.Recommendation,
		rec.RecommendationSource,
		rec.DurationSeconds,
		rec.ContentType,
		rec.DecodedFormat,
		rec.SNRDb,
		rec.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("error storing prediction: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("error reading prediction id: %w", err)
	}
	rec.ID = id
	return nil
}

// Recent returns up to limit predictions, newest first.
func (db *SQLiteClient) Recent(ctx context.Context, limit int) ([]models.PredictionRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	rows, err := db.db.QueryContext(ctx, `
		SELECT id, timestamp, prediction, confidence, prob_normal, prob_abnormal,
		       recommendation, recommendation_source, duration_seconds,
		       content_type, decoded_format, snr_db, latency_ms
		FROM predictions
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying predictions: %w", err)
	}
	defer rows.Close()

	records := []models.PredictionRecord{}
	for rows.Next() {
		var r models.PredictionRecord
		var contentType, decodedFormat sql.NullString
		var snr sql.NullFloat64
		err := rows.Scan(
			&r.ID,
			&r.Timestamp,
			&r.Prediction,
			&r.Confidence,
			&r.Probabilities.Normal,
			&r.Probabilities.Abnormal,
			&r.Recommendation,
			&r.RecommendationSource,
			&r.DurationSeconds,
			&contentType,
			&decodedFormat,
			&snr,
			&r.LatencyMs,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning prediction: %w", err)
		}
		r.ContentType = contentType.String
		r.DecodedFormat = decodedFormat.String
		r.SNRDb = snr.Float64
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating predictions: %w", err)
	}

	return records, nil
}
