package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Runtime holds the switches an operator may flip without restarting.
type Runtime struct {
	SendingEnabled bool
	LogLevel       string
}

type runtimeDoc struct {
	SendingEnabled *bool  `yaml:"sending_enabled"`
	LogLevel       string `yaml:"log_level"`
}

// RuntimeFile re-reads a YAML switch file whenever its modification time
// changes. A missing file yields the defaults.
type RuntimeFile struct {
	path     string
	defaults Runtime

	mu      sync.Mutex
	modTime time.Time
	size    int64
	current Runtime
}

// NewRuntimeFile returns a reader for path falling back to defaults.
func NewRuntimeFile(path string, defaults Runtime) *RuntimeFile {
	return &RuntimeFile{path: path, defaults: defaults, current: defaults}
}

// Path returns the watched file.
func (r *RuntimeFile) Path() string { return r.path }

// Current returns the effective switches. On a read or parse error the
// previous value is kept and the error returned alongside it.
func (r *RuntimeFile) Current() (Runtime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := os.Stat(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		r.modTime, r.size = time.Time{}, 0
		r.current = r.defaults
		return r.current, nil
	}
	if err != nil {
		return r.current, fmt.Errorf("stat runtime file: %w", err)
	}
	if info.ModTime().Equal(r.modTime) && info.Size() == r.size {
		return r.current, nil
	}

	data, err := os.ReadFile(r.path) // #nosec G304 - path is from config
	if err != nil {
		return r.current, fmt.Errorf("read runtime file: %w", err)
	}
	var doc runtimeDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return r.current, fmt.Errorf("parse runtime file %s: %w", r.path, err)
	}

	next := r.defaults
	if doc.SendingEnabled != nil {
		next.SendingEnabled = *doc.SendingEnabled
	}
	if doc.LogLevel != "" {
		next.LogLevel = doc.LogLevel
	}
	r.current = next
	r.modTime, r.size = info.ModTime(), info.Size()
	return r.current, nil
}
