package detections

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"breathing-analysis/models"
	"breathing-analysis/utils"
)

const defaultRecentLimit = 50

// Store keeps prediction history in a single JSON file.
type Store struct {
	path string
	mu   sync.RWMutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// load reads all records from disk. Callers hold the lock.
func (s *Store) load() ([]models.PredictionRecord, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return []models.PredictionRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading history file: %w", err)
	}
	if len(data) == 0 {
		return []models.PredictionRecord{}, nil
	}

	var records []models.PredictionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("error unmarshaling history: %w", err)
	}
	return records, nil
}

// Save appends rec to the file, assigning ID and Timestamp when unset.
func (s *Store) Save(ctx context.Context, rec *models.PredictionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.ID == 0 {
		var maxID int64
		for _, r := range records {
			if r.ID > maxID {
				maxID = r.ID
			}
		}
		rec.ID = maxID + 1
	}
	records = append(records, *rec)

	dir := filepath.Dir(s.path)
	if dir != "." && dir != "" {
		if err := utils.CreateFolder(dir); err != nil {
			return fmt.Errorf("error creating directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling history: %w", err)
	}

	// write-then-rename
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("error writing history file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("error replacing history file: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]models.PredictionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	s.mu.RLock()
	records, err := s.load()
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].ID > records[j].ID
		}
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *Store) Close() error { return nil }
