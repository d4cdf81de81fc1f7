// Package persistconf stores driver configuration as a key/value map whose
// every revision is kept in a timestamp-keyed TOML history file. Opening a
// config loads the latest revision; defaults fill missing keys and overrides
// replace saved values.
package persistconf

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pelletier/go-toml/v2"
)

// History keys sort lexically in time order.
const keyFormat = "2006-01-02T15:04:05.000000000Z"

const DefaultMaxHistory = 10000

var (
	ErrLocked   = errors.New("config is locked")
	ErrNotFound = errors.New("config key not found")
	ErrNilValue = errors.New("config values cannot be null")
)

type Options struct {
	Defaults   map[string]any
	Overrides  map[string]any
	MaxHistory int
	// ReadOnly skips writing the history file.
	ReadOnly bool
}

type fileFormat struct {
	History map[string]map[string]any `toml:"history"`
}

// Config is safe for concurrent use.
type Config struct {
	mu         sync.RWMutex
	path       string
	fileLock   *flock.Flock
	values     map[string]any
	history    map[string]map[string]any
	maxHistory int
	readOnly   bool
	locked     bool
	now        func() time.Time
}

// Open loads path if it exists, applies defaults and overrides, and writes a
// new revision when anything changed.
func Open(path string, opts Options) (*Config, error) {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	c := &Config{
		path:       path,
		fileLock:   flock.New(path + ".lock"),
		values:     map[string]any{},
		history:    map[string]map[string]any{},
		maxHistory: opts.MaxHistory,
		readOnly:   opts.ReadOnly,
		now:        time.Now,
	}

	if err := c.load(); err != nil {
		return nil, err
	}

	changed := len(c.history) == 0
	for k, v := range opts.Defaults {
		if v == nil {
			return nil, fmt.Errorf("default %s: %w", k, ErrNilValue)
		}
		if _, ok := c.values[k]; !ok {
			c.values[k] = v
			changed = true
		}
	}
	for k, v := range opts.Overrides {
		if v == nil {
			return nil, fmt.Errorf("override %s: %w", k, ErrNilValue)
		}
		c.values[k] = v
		changed = true
	}
	if changed {
		if err := c.commit(c.values); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Config) load() error {
	if err := c.fileLock.RLock(); err != nil {
		return fmt.Errorf("lock config: %w", err)
	}
	defer c.fileLock.Unlock()

	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var f fileFormat
	if err := toml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config %s: %w", c.path, err)
	}
	if len(f.History) == 0 {
		return nil
	}
	c.history = f.History
	keys := c.sortedKeys()
	c.values = maps.Clone(c.history[keys[len(keys)-1]])
	if c.values == nil {
		c.values = map[string]any{}
	}
	return nil
}

func (c *Config) sortedKeys() []string {
	return slices.Sorted(maps.Keys(c.history))
}

// commit records values as a new revision and makes them current once the
// file is written; on error the config is unchanged. Callers hold c.mu for
// writing (or own c exclusively during Open).
func (c *Config) commit(values map[string]any) error {
	history := maps.Clone(c.history)
	if history == nil {
		history = map[string]map[string]any{}
	}
	key := c.now().UTC().Format(keyFormat)
	for {
		if _, exists := history[key]; !exists {
			break
		}
		// same-nanosecond revisions still need distinct keys
		key += "+"
	}
	history[key] = maps.Clone(values)

	keys := slices.Sorted(maps.Keys(history))
	for len(keys) > c.maxHistory {
		delete(history, keys[0])
		keys = keys[1:]
	}
	if !c.readOnly {
		if err := c.write(history); err != nil {
			return err
		}
	}
	c.history, c.values = history, values
	return nil
}

func (c *Config) write(history map[string]map[string]any) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(fileFormat{History: history}); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := c.fileLock.Lock(); err != nil {
		return fmt.Errorf("lock config: %w", err)
	}
	defer c.fileLock.Unlock()

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

func (c *Config) Get(key string) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

// All returns a copy of the current values.
func (c *Config) All() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.values)
}

func (c *Config) Set(key string, value any) error {
	return c.Update(map[string]any{key: value})
}

// Update applies values as a single revision.
func (c *Config) Update(values map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locked {
		return ErrLocked
	}
	for k, v := range values {
		if v == nil {
			return fmt.Errorf("%s: %w", k, ErrNilValue)
		}
	}
	next := maps.Clone(c.values)
	maps.Copy(next, values)
	return c.commit(next)
}

// Lock makes the config read-only until Unlock.
func (c *Config) Lock() {
	c.mu.Lock()
	c.locked = true
	c.mu.Unlock()
}

func (c *Config) Unlock() {
	c.mu.Lock()
	c.locked = false
	c.mu.Unlock()
}

// Revisions reports how many revisions are retained.
func (c *Config) Revisions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.history)
}

func (c *Config) Path() string { return c.path }
