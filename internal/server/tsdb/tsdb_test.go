package tsdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestAppendAndRange(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	samples := []Sample{
		{ComputeID: "h1", Stream: "cpu_usage", Point: Point{Timestamp: 3000, Value: 0.3}},
		{ComputeID: "h1", Stream: "cpu_usage", Point: Point{Timestamp: 1000, Value: 0.1}},
		{ComputeID: "h1", Stream: "cpu_usage", Point: Point{Timestamp: 2000, Value: 0.2}},
		{ComputeID: "h1", Stream: "cpu_usage_peak", Point: Point{Timestamp: 1500, Value: 9}},
		{ComputeID: "h10", Stream: "cpu_usage", Point: Point{Timestamp: 1500, Value: 7}},
	}
	if err := store.Append(ctx, samples...); err != nil {
		t.Fatalf("append: %v", err)
	}

	points, err := store.Range(ctx, "h1", "cpu_usage", 0, 3000)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(points) != 2 || points[0].Timestamp != 1000 || points[1].Value != 0.2 {
		t.Fatalf("unexpected range %+v", points)
	}

	latest, err := store.Latest(ctx, "h1", "cpu_usage")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.Timestamp != 3000 || latest.Value != 0.3 {
		t.Fatalf("unexpected latest %+v", latest)
	}
}

func TestLatestOnEmptyStream(t *testing.T) {
	store := openTestStore(t)
	p, err := store.Latest(context.Background(), "h1", "memory_usage")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if p != nil {
		t.Fatalf("expected no point, got %+v", p)
	}
}

func TestRejectsInvalidStream(t *testing.T) {
	store := openTestStore(t)
	err := store.Append(context.Background(), Sample{ComputeID: "h1", Stream: "a/b"})
	if !errors.Is(err, ErrInvalidStream) {
		t.Fatalf("expected ErrInvalidStream, got %v", err)
	}
}

func TestNegativeTimestampsSortFirst(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if err := store.Append(ctx,
		Sample{ComputeID: "h1", Stream: "s", Point: Point{Timestamp: 5, Value: 1}},
		Sample{ComputeID: "h1", Stream: "s", Point: Point{Timestamp: -5, Value: 2}},
	); err != nil {
		t.Fatalf("append: %v", err)
	}
	points, err := store.Range(ctx, "h1", "s", -10, 10)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(points) != 2 || points[0].Timestamp != -5 {
		t.Fatalf("unexpected order %+v", points)
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "metrics"))
	if err != nil {
		t.Fatalf("open tsdb: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
