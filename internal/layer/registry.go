package layer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Registry holds the loaded layers and keeps them fresh while the process
// runs. A file that fails to parse is skipped with a warning; the rest of
// the directory still loads.
type Registry struct {
	dir string

	mu       sync.RWMutex
	layers   map[string]*Layer
	warnings []string
	onReload func()
}

// NewRegistry builds a registry over the layers directory.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, layers: map[string]*Layer{}}
}

// Load reads every *.yaml / *.yml file in the directory.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read layers dir %s: %w", r.dir, err)
	}

	layers := map[string]*Layer{}
	var warnings []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", e.Name(), err))
			continue
		}
		l, err := Parse(raw)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", e.Name(), err))
			continue
		}
		l.Path = path
		if prev, ok := layers[l.Name]; ok {
			warnings = append(warnings, fmt.Sprintf("%s: duplicate layer name %q (already defined in %s)", e.Name(), l.Name, filepath.Base(prev.Path)))
			continue
		}
		for _, w := range l.Warnings() {
			warnings = append(warnings, fmt.Sprintf("%s: %s", e.Name(), w))
		}
		layers[l.Name] = l
	}

	r.mu.Lock()
	r.layers = layers
	r.warnings = warnings
	cb := r.onReload
	r.mu.Unlock()

	if cb != nil {
		cb()
	}
	return nil
}

// Get returns a layer by name.
func (r *Registry) Get(name string) (*Layer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.layers[name]
	return l, ok
}

// List returns every loaded layer sorted by name.
func (r *Registry) List() []*Layer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Layer, 0, len(r.layers))
	for _, l := range r.layers {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Warnings returns the warnings collected by the last Load.
func (r *Registry) Warnings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.warnings...)
}

// OnReload registers a callback invoked after every successful Load,
// including reloads triggered by file changes.
func (r *Registry) OnReload(fn func()) {
	r.mu.Lock()
	r.onReload = fn
	r.mu.Unlock()
}

// Watch reloads the registry when files in the layers directory change.
// Blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch layers dir: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watch layers dir %s: %w", r.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			ext := strings.ToLower(filepath.Ext(ev.Name))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			_ = r.Load()
		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}
