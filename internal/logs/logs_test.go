package logs

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestAppendAndQuery(t *testing.T) {
	s := NewStore(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.AppendAt("greet", "INFO", "started", base)
	s.AppendAt("greet", "ERROR", "boom", base.Add(time.Second))

	entries := s.Query("greet", 0, time.Time{})
	if len(entries) != 2 {
		t.Fatalf("entries: %d", len(entries))
	}
	if entries[0].Message != "started" || entries[1].Message != "boom" {
		t.Errorf("order: %+v", entries)
	}
	if entries[1].Level != "ERROR" {
		t.Errorf("level: %s", entries[1].Level)
	}
}

func TestQueryUnknownFunction(t *testing.T) {
	s := NewStore(10)
	entries := s.Query("nope", 0, time.Time{})
	if entries == nil || len(entries) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", entries)
	}
}

func TestRingEvictsOldest(t *testing.T) {
	s := NewStore(3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.AppendAt("fn", "INFO", string(rune('a'+i)), base.Add(time.Duration(i)*time.Second))
	}

	entries := s.Query("fn", 0, time.Time{})
	if len(entries) != 3 {
		t.Fatalf("entries: %d", len(entries))
	}
	if entries[0].Message != "c" || entries[2].Message != "e" {
		t.Errorf("expected oldest evicted: %+v", entries)
	}
}

func TestQueryLimitKeepsNewest(t *testing.T) {
	s := NewStore(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.AppendAt("fn", "INFO", string(rune('a'+i)), base.Add(time.Duration(i)*time.Second))
	}

	entries := s.Query("fn", 2, time.Time{})
	if len(entries) != 2 {
		t.Fatalf("entries: %d", len(entries))
	}
	if entries[0].Message != "d" || entries[1].Message != "e" {
		t.Errorf("limit should keep newest: %+v", entries)
	}
}

func TestQuerySince(t *testing.T) {
	s := NewStore(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.AppendAt("fn", "INFO", string(rune('a'+i)), base.Add(time.Duration(i)*time.Second))
	}

	entries := s.Query("fn", 0, base.Add(2*time.Second))
	if len(entries) != 2 {
		t.Fatalf("entries: %d", len(entries))
	}
	if entries[0].Message != "d" {
		t.Errorf("since filter: %+v", entries)
	}
}

func TestFunctionsIsolated(t *testing.T) {
	s := NewStore(10)
	s.Append("a", "INFO", "for a")
	s.Append("b", "INFO", "for b")

	if entries := s.Query("a", 0, time.Time{}); len(entries) != 1 || entries[0].Message != "for a" {
		t.Errorf("function a entries: %+v", entries)
	}
}

func TestHandlerCapturesFunctionScopedRecords(t *testing.T) {
	store := NewStore(10)
	base := slog.NewTextHandler(io.Discard, nil)
	logger := slog.New(NewHandler(base, store))

	logger.Info("deploy complete", "function_id", "greet", "version", "v1")
	logger.Info("unscoped line")

	entries := store.Query("greet", 0, time.Time{})
	if len(entries) != 1 {
		t.Fatalf("entries: %d", len(entries))
	}
	if entries[0].Message != "deploy complete" || entries[0].Level != "INFO" {
		t.Errorf("entry: %+v", entries[0])
	}
}

func TestHandlerWithAttrs(t *testing.T) {
	store := NewStore(10)
	base := slog.NewTextHandler(io.Discard, nil)
	logger := slog.New(NewHandler(base, store)).With("function_id", "greet")

	logger.Warn("slow invocation")

	entries := store.Query("greet", 0, time.Time{})
	if len(entries) != 1 || entries[0].Level != "WARN" {
		t.Fatalf("entries: %+v", entries)
	}
}
