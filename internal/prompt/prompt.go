// Package prompt renders layer prompt templates and manages the
// self-concept document.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// Renderer renders named templates from the prompts directory. Templates are
// parsed fresh on every render so that operator edits take effect without a
// restart.
type Renderer struct {
	dir string
}

// NewRenderer builds a renderer over the given directory.
func NewRenderer(dir string) *Renderer {
	return &Renderer{dir: dir}
}

// Path resolves a template name to its file path. Absolute names are used
// as-is.
func (r *Renderer) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(r.dir, name)
}

// Render executes the named template with the given context map.
func (r *Renderer) Render(name string, data map[string]any) (string, error) {
	path := r.Path(name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read template %s: %w", name, err)
	}
	tmpl, err := template.New(filepath.Base(path)).Option("missingkey=zero").Parse(string(raw))
	if err != nil {
		return "", fmt.Errorf("parse template %s: %w", name, err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return sb.String(), nil
}

// Check parses the named template without executing it.
func (r *Renderer) Check(name string) error {
	raw, err := os.ReadFile(r.Path(name))
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if _, err := template.New(name).Parse(string(raw)); err != nil {
		return fmt.Errorf("parse template %s: %w", name, err)
	}
	return nil
}

// SelfConcept is the one piece of process-wide mutable state the core
// touches: a document on disk, read fresh on every render that needs it.
type SelfConcept struct {
	path string
}

// NewSelfConcept builds a handle on the document at path.
func NewSelfConcept(path string) *SelfConcept {
	return &SelfConcept{path: path}
}

// Path returns the document's location.
func (s *SelfConcept) Path() string { return s.path }

// Read returns the current document text; a missing file reads as empty.
func (s *SelfConcept) Read() (string, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read self concept: %w", err)
	}
	return string(raw), nil
}

// Write replaces the document atomically (temp file plus rename), so a
// concurrent Read never sees a torn document.
func (s *SelfConcept) Write(text string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("write self concept: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".self-concept-*")
	if err != nil {
		return fmt.Errorf("write self concept: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(text); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write self concept: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write self concept: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write self concept: %w", err)
	}
	return nil
}
