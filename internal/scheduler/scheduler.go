// Package scheduler activates reflection layers: on cron schedules, on
// insight-count thresholds, and on manual trigger. All three paths funnel
// through Activate, which holds a per-layer lock so one layer never runs
// twice concurrently.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zos-ai/zos/internal/config"
	"github.com/zos-ai/zos/internal/eventbus"
	"github.com/zos-ai/zos/internal/executor"
	"github.com/zos-ai/zos/internal/layer"
	"github.com/zos-ai/zos/internal/ledger"
	"github.com/zos-ai/zos/internal/storage"
	"github.com/zos-ai/zos/internal/topic"
	"github.com/zos-ai/zos/internal/types"
)

// ErrAlreadyRunning is returned when a layer activation overlaps a running
// one; the new activation is dropped, not queued.
var ErrAlreadyRunning = errors.New("layer is already running")

// ErrUnknownLayer is returned for trigger requests naming no loaded layer.
var ErrUnknownLayer = errors.New("unknown layer")

// Scheduler drives layer activations.
type Scheduler struct {
	store    storage.Storage
	led      *ledger.Ledger
	registry *layer.Registry
	exec     *executor.Executor
	cfg      *config.Config
	bus      *eventbus.Bus

	cron *cron.Cron

	mu      sync.Mutex
	running map[string]bool
	entries map[string]cron.EntryID

	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New builds a Scheduler.
func New(store storage.Storage, led *ledger.Ledger, registry *layer.Registry,
	exec *executor.Executor, cfg *config.Config, bus *eventbus.Bus) *Scheduler {
	return &Scheduler{
		store:    store,
		led:      led,
		registry: registry,
		exec:     exec,
		cfg:      cfg,
		bus:      bus,
		running:  map[string]bool{},
		entries:  map[string]cron.EntryID{},
	}
}

// Start schedules every loaded layer and begins firing. Missed schedules
// within the misfire grace window are activated immediately. Returns after
// setup; activations run on the cron goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithLocation(time.UTC))

	if err := s.reschedule(); err != nil {
		return err
	}
	s.registry.OnReload(func() {
		if err := s.reschedule(); err != nil {
			s.publish(eventbus.EventLayerRunFailed, map[string]any{"error": err.Error()})
		}
	})

	if s.bus != nil {
		s.bus.Register(&eventbus.FuncHandler{
			Name:  "scheduler-thresholds",
			Types: []eventbus.EventType{eventbus.EventInsightStored},
			Prio:  50,
			HandleFn: func(ctx context.Context, _ *eventbus.Event) error {
				s.checkThresholds(ctx)
				return nil
			},
		})
	}

	s.recoverMisfires()
	s.checkThresholds(s.baseCtx)
	s.cron.Start()
	return nil
}

// Stop stops firing new activations and waits for in-flight ones to
// finish; running layers complete rather than being cut off mid-target.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
	if s.cancel != nil {
		s.cancel()
	}
}

// reschedule rebuilds the cron entries from the registry. Layers removed
// from the directory lose their entry and bookkeeping row.
func (s *Scheduler) reschedule() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	for _, l := range s.registry.List() {
		seen[l.Name] = true
		if id, ok := s.entries[l.Name]; ok {
			s.cron.Remove(id)
			delete(s.entries, l.Name)
		}
		if l.Schedule == "" {
			continue
		}
		name := l.Name
		id, err := s.cron.AddFunc(l.Schedule, func() { s.fire(name) })
		if err != nil {
			return fmt.Errorf("schedule layer %s: %w", name, err)
		}
		s.entries[l.Name] = id
		s.recordJob(l, nil)
	}
	for name, id := range s.entries {
		if !seen[name] {
			s.cron.Remove(id)
			delete(s.entries, name)
			_ = s.store.DeleteSchedulerJob(context.Background(), name)
		}
	}
	return nil
}

func (s *Scheduler) recordJob(l *layer.Layer, fired *time.Time) {
	j := &types.SchedulerJob{LayerName: l.Name, Schedule: l.Schedule, LastFiredAt: fired}
	if l.Schedule != "" {
		if sched, err := cron.ParseStandard(l.Schedule); err == nil {
			next := sched.Next(time.Now().UTC())
			j.NextFireAt = &next
		}
	}
	_ = s.store.UpsertSchedulerJob(context.Background(), j)
}

// fire runs a scheduled activation on the cron goroutine.
func (s *Scheduler) fire(layerName string) {
	l, ok := s.registry.Get(layerName)
	if !ok {
		return
	}
	now := time.Now().UTC()
	s.recordJob(l, &now)
	if _, err := s.Activate(s.baseCtx, l); err != nil && !errors.Is(err, ErrAlreadyRunning) {
		s.publish(eventbus.EventLayerRunFailed, map[string]any{
			"layer": layerName, "error": err.Error(),
		})
	}
}

// recoverMisfires activates layers whose most recent scheduled fire fell
// within the misfire grace window but never ran.
func (s *Scheduler) recoverMisfires() {
	grace := s.cfg.Scheduler.MisfireGrace
	if grace <= 0 {
		return
	}
	now := time.Now().UTC()
	for _, l := range s.registry.List() {
		if l.Schedule == "" {
			continue
		}
		sched, err := cron.ParseStandard(l.Schedule)
		if err != nil {
			continue
		}
		due := sched.Next(now.Add(-grace))
		if due.After(now) {
			continue
		}
		last, err := s.store.LastRunAt(context.Background(), l.Name)
		if err != nil || !last.Before(due) {
			continue
		}
		name := l.Name
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fire(name)
		}()
	}
}

// checkThresholds activates threshold layers whose insight count since
// their last run has reached the trigger.
func (s *Scheduler) checkThresholds(ctx context.Context) {
	for _, l := range s.registry.List() {
		if l.TriggerThreshold <= 0 {
			continue
		}
		last, err := s.store.LastRunAt(ctx, l.Name)
		if err != nil {
			continue
		}
		pattern := l.TargetFilter
		if pattern == "" {
			pattern = "%"
		}
		n, err := s.store.CountInsightsSince(ctx, pattern, last, l.Name)
		if err != nil || n < l.TriggerThreshold {
			continue
		}
		name := l.Name
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fire(name)
		}()
	}
}

// Trigger manually activates a layer by name; the same selection and
// locking as a scheduled fire.
func (s *Scheduler) Trigger(ctx context.Context, layerName string) (*types.RunRecord, error) {
	l, ok := s.registry.Get(layerName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, layerName)
	}
	return s.Activate(ctx, l)
}

// Activate selects targets under the budget and executes the layer. An
// activation overlapping a running one for the same layer returns
// ErrAlreadyRunning. An empty selection still records a dry run.
func (s *Scheduler) Activate(ctx context.Context, l *layer.Layer) (*types.RunRecord, error) {
	if !s.acquire(l.Name) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, l.Name)
	}
	defer s.release(l.Name)

	s.publish(eventbus.EventLayerTriggered, map[string]any{"layer": l.Name})

	targets, err := s.selectTargets(ctx, l)
	if err != nil {
		return nil, err
	}
	return s.exec.Execute(ctx, l, targets)
}

// Running reports whether the named layer has an activation in flight.
func (s *Scheduler) Running(layerName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[layerName]
}

// Jobs returns the persisted bookkeeping rows.
func (s *Scheduler) Jobs(ctx context.Context) ([]*types.SchedulerJob, error) {
	return s.store.ListSchedulerJobs(ctx)
}

func (s *Scheduler) selectTargets(ctx context.Context, l *layer.Layer) ([]string, error) {
	var picked []ledger.Target
	var err error
	if g, ok := l.TargetGroup(); ok {
		budget := s.groupBudget(g)
		picked, err = s.led.SelectInGroup(ctx, g, budget, l.MaxTargets)
	} else {
		picked, err = s.led.SelectTargets(ctx, s.cfg.Budget.Total, l.MaxTargets)
	}
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, t := range picked {
		if l.TargetFilter != "" && !matchLike(l.TargetFilter, t.Key) {
			continue
		}
		if cat := topicCategory(l.TargetCategory); cat != "" {
			k, err := topic.Parse(t.Key)
			if err != nil || k.Category != cat {
				continue
			}
		}
		keys = append(keys, t.Key)
	}
	return keys, nil
}

func (s *Scheduler) groupBudget(g topic.Group) float64 {
	if g == topic.GroupSelf {
		return s.cfg.Budget.SelfPool
	}
	return s.cfg.Budget.Total * s.cfg.Budget.Allocations[string(g)]
}

// topicCategory returns the concrete category when the target_category
// names one, empty when it names a whole group.
func topicCategory(targetCategory string) topic.Category {
	switch c := topic.Category(targetCategory); c {
	case topic.CategoryUser, topic.CategoryDyad, topic.CategoryChannel, topic.CategoryThread,
		topic.CategoryRole, topic.CategoryUserInChannel, topic.CategoryDyadInChannel,
		topic.CategorySubject, topic.CategoryEmoji, topic.CategorySelf:
		return c
	}
	return ""
}

func (s *Scheduler) acquire(layerName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[layerName] {
		return false
	}
	s.running[layerName] = true
	return true
}

func (s *Scheduler) release(layerName string) {
	s.mu.Lock()
	delete(s.running, layerName)
	s.mu.Unlock()
}

func (s *Scheduler) publish(t eventbus.EventType, fields map[string]any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.NewEvent(t, fields))
	}
}

// matchLike matches s against a SQL LIKE pattern with % wildcards only.
func matchLike(pattern, s string) bool {
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}
