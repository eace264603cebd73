package eventbus

import (
	"context"
	"encoding/json"
	"log"
)

// Handler processes events from the bus.
type Handler interface {
	// ID uniquely identifies the handler for logging.
	ID() string
	// Handles reports whether this handler wants the event type.
	Handles(EventType) bool
	// Priority orders handlers; lower runs first.
	Priority() int
	// Handle processes one event. Errors are logged, not fatal.
	Handle(ctx context.Context, event *Event) error
}

// LogHandler writes every event as a single structured log line. It is the
// default sink so that observation and reflection always leave a trace.
type LogHandler struct{}

// ID implements Handler.
func (LogHandler) ID() string { return "log" }

// Handles implements Handler; the log handler takes everything.
func (LogHandler) Handles(EventType) bool { return true }

// Priority implements Handler; logging runs last.
func (LogHandler) Priority() int { return 100 }

// Handle implements Handler.
func (LogHandler) Handle(_ context.Context, event *Event) error {
	fields, err := json.Marshal(event.Fields)
	if err != nil {
		fields = []byte("{}")
	}
	log.Printf("event=%s %s", event.Type, fields)
	return nil
}

// FuncHandler adapts a function into a Handler for a fixed set of types.
type FuncHandler struct {
	Name     string
	Types    []EventType
	Prio     int
	HandleFn func(ctx context.Context, event *Event) error
}

// ID implements Handler.
func (f *FuncHandler) ID() string { return f.Name }

// Handles implements Handler. An empty Types list matches everything.
func (f *FuncHandler) Handles(t EventType) bool {
	if len(f.Types) == 0 {
		return true
	}
	for _, ht := range f.Types {
		if ht == t {
			return true
		}
	}
	return false
}

// Priority implements Handler.
func (f *FuncHandler) Priority() int { return f.Prio }

// Handle implements Handler.
func (f *FuncHandler) Handle(ctx context.Context, event *Event) error {
	return f.HandleFn(ctx, event)
}
