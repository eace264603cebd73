package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishDispatchesByType(t *testing.T) {
	bus := New()
	var got []EventType
	bus.Register(&FuncHandler{
		Name:  "earned-only",
		Types: []EventType{EventSalienceEarned},
		HandleFn: func(_ context.Context, e *Event) error {
			got = append(got, e.Type)
			return nil
		},
	})

	bus.Publish(NewEvent(EventSalienceEarned, map[string]any{"topic": "user:alice"}))
	bus.Publish(NewEvent(EventDecayApplied, nil))

	assert.Equal(t, []EventType{EventSalienceEarned}, got)
}

func TestPublishOrdersByPriorityAndSurvivesErrors(t *testing.T) {
	bus := New()
	var order []string
	bus.Register(&FuncHandler{
		Name: "second", Prio: 10,
		HandleFn: func(context.Context, *Event) error {
			order = append(order, "second")
			return nil
		},
	})
	bus.Register(&FuncHandler{
		Name: "first", Prio: 1,
		HandleFn: func(context.Context, *Event) error {
			order = append(order, "first")
			return errors.New("boom")
		},
	})

	bus.Publish(NewEvent(EventInsightStored, nil))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPublishNilEventIsNoop(t *testing.T) {
	bus := New()
	called := false
	bus.Register(&FuncHandler{
		Name:     "any",
		HandleFn: func(context.Context, *Event) error { called = true; return nil },
	})
	bus.Publish(nil)
	assert.False(t, called)
}
