// Package ui notifies a presentation layer about conversation turns. The
// core pushes one-way updates and never waits on the UI — a slow or absent
// frontend must not backpressure the performance pipeline.
package ui

import (
	"log/slog"
	"sync"
)

// ConversationTurn is one displayed unit of the performance: the source text
// that was dispatched and the translation accumulated while it was spoken.
type ConversationTurn struct {
	ID          string
	SourceText  string
	Translation string
	IsFinal     bool
}

// TurnUpdate is a partial mutation applied to an existing turn. Nil fields
// leave the current value untouched.
type TurnUpdate struct {
	Translation *string
	IsFinal     *bool
}

// Sink receives turn notifications. Implementations must be safe for
// concurrent use and must not block.
type Sink interface {
	AddTurn(turn ConversationTurn)
	UpdateTurn(id string, update TurnUpdate)
}

// LogSink is a Sink that records turns to structured logs and keeps the
// latest state of each turn in memory. It stands in for a real frontend and
// doubles as an inspection point in tests.
type LogSink struct {
	log *slog.Logger

	mu    sync.Mutex
	turns map[string]ConversationTurn
	order []string
}

var _ Sink = (*LogSink)(nil)

// NewLogSink creates a LogSink writing through log.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{
		log:   log,
		turns: make(map[string]ConversationTurn),
	}
}

// AddTurn registers a new turn. Re-adding an existing id overwrites it.
func (s *LogSink) AddTurn(turn ConversationTurn) {
	s.mu.Lock()
	if _, exists := s.turns[turn.ID]; !exists {
		s.order = append(s.order, turn.ID)
	}
	s.turns[turn.ID] = turn
	s.mu.Unlock()

	s.log.Info("turn added",
		slog.String("turn_id", turn.ID),
		slog.String("source_text", turn.SourceText))
}

// UpdateTurn applies a partial update. Updates for unknown ids are dropped.
func (s *LogSink) UpdateTurn(id string, update TurnUpdate) {
	s.mu.Lock()
	turn, ok := s.turns[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if update.Translation != nil {
		turn.Translation = *update.Translation
	}
	if update.IsFinal != nil {
		turn.IsFinal = *update.IsFinal
	}
	s.turns[id] = turn
	s.mu.Unlock()

	s.log.Debug("turn updated",
		slog.String("turn_id", id),
		slog.Bool("final", turn.IsFinal))
}

// Turn returns the current state of a turn by id.
func (s *LogSink) Turn(id string) (ConversationTurn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[id]
	return t, ok
}

// Turns returns all turns in insertion order.
func (s *LogSink) Turns() []ConversationTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConversationTurn, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.turns[id])
	}
	return out
}
