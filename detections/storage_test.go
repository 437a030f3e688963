package detections

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"breathing-analysis/models"
)

func TestRecentMissingFile(t *testing.T) {
	t.Parallel()
	store := NewStore(filepath.Join(t.TempDir(), "history.json"))

	got, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no records, got %d", len(got))
	}
}

func TestSaveAndRecent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "data", "history.json")
	store := NewStore(path)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := &models.PredictionRecord{
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			Prediction: "normal",
		}
		if err := store.Save(ctx, rec); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
		if rec.ID != int64(i+1) {
			t.Fatalf("ID = %d, want %d", rec.ID, i+1)
		}
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("history file not written: %v", err)
	}

	got, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].ID != 3 || got[1].ID != 2 {
		t.Fatalf("unexpected order: %+v", got)
	}

	reopened := NewStore(path)
	all, err := reopened.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent after reopen: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
}

func TestConcurrentSaves(t *testing.T) {
	t.Parallel()
	store := NewStore(filepath.Join(t.TempDir(), "history.json"))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Save(ctx, &models.PredictionRecord{Prediction: "abnormal"}); err != nil {
				t.Errorf("Save: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.Recent(ctx, 100)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("len = %d, want 10", len(got))
	}
}

func TestCorruptFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewStore(path).Recent(context.Background(), 5); err == nil {
		t.Fatalf("expected error for corrupt file")
	}
}
