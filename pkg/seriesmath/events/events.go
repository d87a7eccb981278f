package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	SeriesEvaluated EventType = "series_evaluated"
	SeriesFailed    EventType = "series_failed"
	PanelSkipped    EventType = "panel_skipped"
)

// Event describes the outcome of evaluating one math series or panel.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	PanelID    string    `json:"panel_id"`
	SeriesID   string    `json:"series_id,omitempty"`
	Message    string    `json:"message,omitempty"`
	Points     int       `json:"points,omitempty"`
	NullPoints int       `json:"null_points,omitempty"`
}

type Handler interface {
	Handle(event Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(event Event) error

func (f HandlerFunc) Handle(event Event) error { return f(event) }

type LogHandler struct {
	logger *slog.Logger
}

func NewLogHandler(logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{logger: logger}
}

func (h *LogHandler) Handle(event Event) error {
	attrs := []any{
		slog.String("panel", event.PanelID),
		slog.String("series", event.SeriesID),
	}
	switch event.Type {
	case SeriesFailed:
		h.logger.Warn("math series failed", append(attrs, slog.String("error", event.Message))...)
	case PanelSkipped:
		h.logger.Debug("panel skipped", append(attrs, slog.String("reason", event.Message))...)
	default:
		h.logger.Debug("math series evaluated",
			append(attrs, slog.Int("points", event.Points), slog.Int("nulls", event.NullPoints))...)
	}
	return nil
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[EventType][]Handler),
	}
}

func (r *Registry) RegisterHandler(eventType EventType, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = append(r.handlers[eventType], handler)
}

// RegisterAll registers handler for every event type.
func (r *Registry) RegisterAll(handler Handler) {
	for _, t := range []EventType{SeriesEvaluated, SeriesFailed, PanelSkipped} {
		r.RegisterHandler(t, handler)
	}
}

// Dispatch runs every handler registered for the event's type. An event with
// no handlers is dropped.
func (r *Registry) Dispatch(event Event) error {
	r.mu.RLock()
	handlers := make([]Handler, len(r.handlers[event.Type]))
	copy(handlers, r.handlers[event.Type])
	r.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler.Handle(event); err != nil {
			return fmt.Errorf("handler error for %s: %w", event.Type, err)
		}
	}
	return nil
}

func NewEvent(eventType EventType, panelID, seriesID, message string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		PanelID:   panelID,
		SeriesID:  seriesID,
		Message:   message,
	}
}
