package main

import (
	"context"

	"github.com/zos-ai/zos/internal/eventbus"
	"github.com/zos-ai/zos/internal/executor"
	"github.com/zos-ai/zos/internal/insight"
	"github.com/zos-ai/zos/internal/layer"
	"github.com/zos-ai/zos/internal/ledger"
	"github.com/zos-ai/zos/internal/model"
	"github.com/zos-ai/zos/internal/prompt"
	"github.com/zos-ai/zos/internal/scheduler"
	"github.com/zos-ai/zos/internal/storage/sqlite"
)

// stack is the full reflection pipeline, wired once and shared by the
// commands that run layers.
type stack struct {
	store     *sqlite.Store
	bus       *eventbus.Bus
	ledger    *ledger.Ledger
	retriever *insight.Retriever
	registry  *layer.Registry
	sched     *scheduler.Scheduler
}

func buildStack(ctx context.Context) (*stack, error) {
	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	bus.Register(eventbus.LogHandler{})

	led := ledger.New(store, cfg, bus)
	retr := insight.NewRetriever(store)

	client, err := model.NewAnthropic(cfg.Models, store, bus)
	if err != nil {
		store.Close()
		return nil, err
	}

	registry := layer.NewRegistry(cfg.LayersDir)
	if err := registry.Load(); err != nil {
		store.Close()
		return nil, err
	}

	renderer := prompt.NewRenderer(cfg.PromptsDir)
	selfConcept := prompt.NewSelfConcept(cfg.SelfConcept)

	exec := executor.New(store, led, retr, client, renderer, selfConcept, cfg, bus)
	sched := scheduler.New(store, led, registry, exec, cfg, bus)

	return &stack{
		store:     store,
		bus:       bus,
		ledger:    led,
		retriever: retr,
		registry:  registry,
		sched:     sched,
	}, nil
}

func (s *stack) Close() {
	s.store.Close()
}
