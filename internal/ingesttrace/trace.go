package ingesttrace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"
)

// Stage is a step of the per-event ingestion state machine.
type Stage string

const (
	StageReceived         Stage = "received"
	StageIdentified       Stage = "identified"
	StagePersisted        Stage = "persisted"
	StageAlreadyDelivered Stage = "already_delivered"
	StageDelivered        Stage = "delivered"
	StageDeliveryFailed   Stage = "delivery_failed"

	StageDroppedPrefix = "dropped_"
)

const maxSnippetRunes = 64

// StageDropped creates a Stage for an event dropped for the given reason.
func StageDropped(reason string) Stage {
	return Stage(fmt.Sprintf("%s%s", StageDroppedPrefix, reason))
}

// IsDropped reports whether s is a dropped_* stage.
func (s Stage) IsDropped() bool {
	return strings.HasPrefix(string(s), StageDroppedPrefix)
}

// EventTrace records which stages a single feed event went through.
type EventTrace struct {
	Session  string
	EventID  string
	AuthorID string
	Snippet  string
	TraceID  string

	mu       sync.Mutex
	path     []Stage
	counters map[Stage]int64
}

// NewEventTrace starts a trace for an event received in session and marks
// it received.
func NewEventTrace(session, eventID, authorID, text string) *EventTrace {
	snippet := truncate(text, maxSnippetRunes)
	trace := &EventTrace{
		Session:  session,
		EventID:  eventID,
		AuthorID: authorID,
		Snippet:  snippet,
		TraceID:  computeTraceID(session, eventID, authorID, snippet),
		counters: make(map[Stage]int64),
	}
	trace.Mark(StageReceived)
	return trace
}

// Mark records stage and returns how many times it has been reached.
func (t *EventTrace) Mark(stage Stage) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.path = append(t.path, stage)
	t.counters[stage]++
	return t.counters[stage]
}

// Path returns the stages in the order they were marked.
func (t *EventTrace) Path() []Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Stage(nil), t.path...)
}

// Last returns the most recently marked stage.
func (t *EventTrace) Last() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.path) == 0 {
		return ""
	}
	return t.path[len(t.path)-1]
}

// LogTrace emits the trace. Deliveries log at info, failures and drops other
// than anonymous events at warn, everything else at debug.
func (t *EventTrace) LogTrace(logger *slog.Logger, msg string) {
	if logger == nil {
		logger = slog.Default()
	}

	level := slog.LevelDebug
	switch last := t.Last(); {
	case last == StageDelivered:
		level = slog.LevelInfo
	case last == StageDeliveryFailed:
		level = slog.LevelWarn
	case last.IsDropped() && last != StageDropped("no_identity"):
		level = slog.LevelWarn
	}

	logger.Log(context.Background(), level, msg,
		"trace_id", t.TraceID,
		"session", t.Session,
		"event_id", t.EventID,
		"author_id", t.AuthorID,
		"snippet", t.Snippet,
		"path", t.Path(),
	)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

func computeTraceID(session, eventID, authorID, snippet string) string {
	digest := sha256.Sum256([]byte(session + "\x1f" + eventID + "\x1f" + authorID + "\x1f" + snippet))
	return hex.EncodeToString(digest[:8])
}
