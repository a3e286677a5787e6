// Package logs keeps a bounded in-memory log tail per function for the
// log-retrieval endpoint.
package logs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultCapacity is the per-function ring size.
const DefaultCapacity = 1000

// Entry is one retained log record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// ring is a fixed-size circular buffer of entries.
type ring struct {
	entries []Entry
	next    int
	full    bool
}

func (r *ring) append(entry Entry) {
	r.entries[r.next] = entry
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// ordered returns entries oldest first.
func (r *ring) ordered() []Entry {
	if !r.full {
		out := make([]Entry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

// Store holds one ring per function. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	rings    map[string]*ring
	capacity int
}

// NewStore creates a log store. capacity <= 0 uses DefaultCapacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{rings: make(map[string]*ring), capacity: capacity}
}

// Append records a log line for functionID.
func (s *Store) Append(functionID, level, message string) {
	s.AppendAt(functionID, level, message, time.Now().UTC())
}

// AppendAt records a log line with an explicit timestamp.
func (s *Store) AppendAt(functionID, level, message string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[functionID]
	if !ok {
		r = &ring{entries: make([]Entry, s.capacity)}
		s.rings[functionID] = r
	}
	r.append(Entry{Timestamp: at, Level: level, Message: message})
}

// Query returns retained entries for functionID in timestamp order.
// since filters out entries at or before the given time; limit > 0
// keeps only the newest limit entries after filtering.
func (s *Store) Query(functionID string, limit int, since time.Time) []Entry {
	s.mu.RLock()
	r, ok := s.rings[functionID]
	var all []Entry
	if ok {
		all = r.ordered()
	}
	s.mu.RUnlock()

	if !since.IsZero() {
		filtered := all[:0:0]
		for _, entry := range all {
			if entry.Timestamp.After(since) {
				filtered = append(filtered, entry)
			}
		}
		all = filtered
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	if all == nil {
		all = []Entry{}
	}
	return all
}

// Handler tees slog records carrying a function_id attribute into the
// store while delegating to the wrapped handler.
type Handler struct {
	inner slog.Handler
	store *Store
	attrs []slog.Attr
}

// NewHandler wraps inner so function-scoped records are retained.
func NewHandler(inner slog.Handler, store *Store) *Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	return &Handler{inner: inner, store: store}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	functionID := ""
	for _, attr := range h.attrs {
		if attr.Key == "function_id" {
			functionID = attr.Value.String()
		}
	}
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == "function_id" {
			functionID = attr.Value.String()
		}
		return true
	})
	if functionID != "" && h.store != nil {
		h.store.AppendAt(functionID, record.Level.String(), record.Message, record.Time.UTC())
	}
	return h.inner.Handle(ctx, record)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	combined := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	combined = append(combined, h.attrs...)
	combined = append(combined, attrs...)
	return &Handler{inner: h.inner.WithAttrs(attrs), store: h.store, attrs: combined}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name), store: h.store, attrs: h.attrs}
}
