package config

import (
	"fmt"
	"strings"
	"sync"

	"signalcartel/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeListener is invoked with each newly accepted configuration.
type ChangeListener func(*Config)

// Source holds the current configuration and swaps it on file change.
// A reload that fails to parse or validate keeps the previous version.
type Source struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	current   *Config
	listeners []ChangeListener
}

// NewSource loads path and starts watching it.
func NewSource(path string) (*Source, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config source requires path")
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.Version = 1
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config failed: %w", err)
	}
	src := &Source{path: path, v: v, current: cfg}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := src.Reload(); err != nil {
			logger.Errorf("config reload failed (%s): %v", evt.Name, err)
		}
	})
	v.WatchConfig()
	return src, nil
}

// StaticSource wraps a fixed configuration; Reload is a no-op.
func StaticSource(cfg *Config) *Source {
	if cfg == nil {
		cfg = Default()
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	return &Source{current: cfg}
}

// Current returns the active configuration. Callers must not mutate it.
func (s *Source) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Version is the number of accepted loads so far.
func (s *Source) Version() int64 {
	return s.Current().Version
}

// Reload re-reads the file and, on success, publishes a new version.
func (s *Source) Reload() error {
	if s.path == "" {
		return nil
	}
	next, err := Load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	next.Version = s.current.Version + 1
	s.current = next
	listeners := append([]ChangeListener(nil), s.listeners...)
	s.mu.Unlock()
	logger.Infof("config reloaded: version=%d instruments=%d", next.Version, len(next.Instruments))
	for _, fn := range listeners {
		s.dispatch(fn, next)
	}
	return nil
}

// Subscribe registers fn for future reloads.
func (s *Source) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Source) dispatch(fn ChangeListener, cfg *Config) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("config listener panic: %v", r)
			}
		}()
		fn(cfg)
	}()
}

// Validate runs the same checks Load applies.
func Validate(c *Config) error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	return validate(c)
}
