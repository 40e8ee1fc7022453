package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/dealdesk/leadscraper/internal/scrape"
)

func TestSessionStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewSessionStore()
	ctx := context.Background()
	towns := []string{"Springs", "Benoni"}

	created, err := store.Create(ctx, "s-1", "owner", towns, []string{"Plumbers"}, scrape.DefaultConfig())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.Status != scrape.StatusPending || created.Progress.TotalTowns != 2 {
		t.Fatalf("unexpected created session: %+v", created)
	}
	if _, err := store.Create(ctx, "s-1", "owner", towns, nil, scrape.Config{}); !errors.Is(err, scrape.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	towns[0] = "mutated"

	if err := store.UpdateStatus(ctx, "s-1", scrape.StatusRunning); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if err := store.AppendBusinesses(ctx, "s-1", []scrape.Business{{Name: "A"}, {Name: "B"}}); err != nil {
		t.Fatalf("AppendBusinesses() error = %v", err)
	}
	progress, err := store.UpdateProgress(ctx, "s-1", scrape.ProgressDelta{Towns: 5, Businesses: 2})
	if err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}
	if progress.CompletedTowns != 2 || progress.TotalBusinesses != 2 {
		t.Fatalf("expected clamped progress, got %+v", progress)
	}

	if err := store.UpdateStatus(ctx, "s-1", scrape.StatusCompleted); err != nil {
		t.Fatalf("UpdateStatus(completed) error = %v", err)
	}
	if err := store.UpdateStatus(ctx, "s-1", scrape.StatusRunning); !errors.Is(err, scrape.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, err := store.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Towns[0] != "Springs" {
		t.Fatal("expected Create to copy towns")
	}
	got.Results[0].Name = "modified"
	again, _ := store.Get(ctx, "s-1")
	if again.Results[0].Name != "A" {
		t.Fatal("expected Get to return a copy")
	}
}

func TestSessionStoreNotFound(t *testing.T) {
	t.Parallel()

	store := NewSessionStore()
	ctx := context.Background()
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, scrape.ErrNotFound) {
		t.Fatalf("Get() expected ErrNotFound, got %v", err)
	}
	if err := store.AppendLog(ctx, "missing", scrape.LogEntry{}); !errors.Is(err, scrape.ErrNotFound) {
		t.Fatalf("AppendLog() expected ErrNotFound, got %v", err)
	}
	if _, err := store.UpdateProgress(ctx, "missing", scrape.ProgressDelta{}); !errors.Is(err, scrape.ErrNotFound) {
		t.Fatalf("UpdateProgress() expected ErrNotFound, got %v", err)
	}
}

func TestSessionStoreConcurrentAppends(t *testing.T) {
	t.Parallel()

	store := NewSessionStore()
	ctx := context.Background()
	if _, err := store.Create(ctx, "s-1", "owner", []string{"Springs"}, []string{"Plumbers"}, scrape.Config{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.AppendLog(ctx, "s-1", scrape.LogEntry{Message: fmt.Sprintf("log %d", i), Level: scrape.LevelInfo})
			_ = store.AppendBusinesses(ctx, "s-1", []scrape.Business{{Name: fmt.Sprintf("biz %d", i)}})
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Logs) != 50 || len(got.Results) != 50 {
		t.Fatalf("expected 50 logs and results, got %d/%d", len(got.Logs), len(got.Results))
	}
	for _, entry := range got.Logs {
		if entry.Timestamp.IsZero() {
			t.Fatal("expected AppendLog to stamp entries")
		}
	}
}
