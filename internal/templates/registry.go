// Package templates holds the condition templates strategies build their
// entry conditions from. Templates load from YAML, are checked against their
// JSON schema, and hot-reload when the file changes.
package templates

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"signalcartel/internal/logger"
)

//go:embed defaults.yaml
var defaultTemplatesYAML []byte

// FileConfig maps the condition_templates document.
type FileConfig struct {
	Templates map[string]Template `yaml:"condition_templates"`
}

// Snapshot is an immutable view of the loaded templates.
type Snapshot struct {
	Version   int64
	LoadedAt  time.Time
	Source    string
	Templates map[string]Template
}

// IDs lists template ids, sorted.
func (s Snapshot) IDs() []string {
	out := make([]string, 0, len(s.Templates))
	for id := range s.Templates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ChangeListener fires after a successful reload.
type ChangeListener func(Snapshot)

type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry loads templates from path and watches it. An empty path uses
// the compiled-in defaults and never reloads.
func NewRegistry(path string) (*Registry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewDefaultRegistry()
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read condition templates failed: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.Reload(); err != nil {
			logger.Errorf("condition template reload failed, keeping version %d: %v", r.Snapshot().Version, err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// NewDefaultRegistry serves the compiled-in templates.
func NewDefaultRegistry() (*Registry, error) {
	templates, err := parseTemplates(defaultTemplatesYAML)
	if err != nil {
		return nil, fmt.Errorf("default condition templates: %w", err)
	}
	return &Registry{snapshot: Snapshot{
		Version:   1,
		LoadedAt:  time.Now(),
		Source:    "builtin",
		Templates: templates,
	}}, nil
}

// DefaultTemplates returns the compiled-in template set.
func DefaultTemplates() map[string]Template {
	out, err := parseTemplates(defaultTemplatesYAML)
	if err != nil {
		panic(fmt.Sprintf("default condition templates: %v", err))
	}
	return out
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

func (r *Registry) Template(id string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.snapshot.Templates[strings.ToLower(strings.TrimSpace(id))]
	return tpl, ok
}

// Subscribe registers fn for reloads.
func (r *Registry) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Validate checks params for the named template.
func (r *Registry) Validate(id string, params map[string]float64) (Template, error) {
	tpl, ok := r.Template(id)
	if !ok {
		return Template{}, fmt.Errorf("unknown condition template: %s", id)
	}
	if err := tpl.Validate(params); err != nil {
		return Template{}, err
	}
	return tpl, nil
}

// Reload re-reads the file. On failure the current snapshot is kept.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read condition templates failed: %w", err)
	}
	templates, err := parseTemplates(raw)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:   r.snapshot.Version + 1,
		LoadedAt:  time.Now(),
		Source:    filepath.Base(r.path),
		Templates: templates,
	}
	version := r.snapshot.Version
	r.mu.Unlock()
	logger.Infof("Condition template registry v%d loaded %d templates from %s", version, len(templates), filepath.Base(r.path))
	return nil
}

func parseTemplates(raw []byte) (map[string]Template, error) {
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse condition templates failed: %w", err)
	}
	if len(cfg.Templates) == 0 {
		return nil, fmt.Errorf("no condition templates defined")
	}
	out := make(map[string]Template, len(cfg.Templates))
	for name, tpl := range cfg.Templates {
		norm, err := normalizeTemplate(name, tpl)
		if err != nil {
			return nil, err
		}
		out[norm.ID] = norm
	}
	return out, nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("condition template listener panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := src
	dst.Templates = make(map[string]Template, len(src.Templates))
	for id, tpl := range src.Templates {
		dst.Templates[id] = tpl
	}
	return dst
}
