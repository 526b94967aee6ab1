// Package config provides configuration management for Kestrel.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/fsnotify/fsnotify"
)

// ByteSize is a byte count that unmarshals from either a JSON number or a
// human-readable string such as "128mb". 0 means unlimited.
type ByteSize int64

// UnmarshalJSON accepts 1048576 and "1mb".
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := units.RAMInBytes(s)
		if err != nil {
			return fmt.Errorf("config: invalid size %q: %w", s, err)
		}
		*b = ByteSize(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// MarshalJSON renders the size as a human-readable string.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(units.BytesSize(float64(b)))
}

// Duration unmarshals from either nanoseconds or a string such as "30s".
type Duration time.Duration

// UnmarshalJSON accepts 5000000000 and "5s".
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// QueueConfig holds per-queue limits. Zero values mean unlimited.
type QueueConfig struct {
	MaxItems           int      `json:"max_items"`
	MaxSize            ByteSize `json:"max_size"`
	MaxItemSize        ByteSize `json:"max_item_size"`
	MaxAge             Duration `json:"max_age"`
	MaxMemorySize      ByteSize `json:"max_memory_size"`
	MaxJournalSize     ByteSize `json:"max_journal_size"`
	DiscardOldWhenFull bool     `json:"discard_old_when_full"`
	KeepJournal        bool     `json:"keep_journal"`
}

// Config holds the Kestrel server configuration.
type Config struct {
	// Server settings
	Addr    string `json:"addr"`
	WebAddr string `json:"web_addr"`
	DataDir string `json:"data_dir"`

	// Logging
	LogLevel string `json:"log_level"`

	// Performance
	MaxClients    int      `json:"max_clients"`
	ClientTimeout Duration `json:"client_timeout"`

	// Web API token (shared secret for HTTP endpoints, empty = no auth).
	APIToken string `json:"api_token"`

	// Queue limits: defaults plus named overrides.
	DefaultQueue QueueConfig            `json:"default_queue"`
	Queues       map[string]QueueConfig `json:"queues"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:          ":22133",
		WebAddr:       ":2223",
		DataDir:       "data",
		LogLevel:      "info",
		MaxClients:    10000,
		ClientTimeout: 0, // No timeout
		DefaultQueue: QueueConfig{
			MaxMemorySize:  128 * 1024 * 1024,
			MaxJournalSize: 16 * 1024 * 1024,
			KeepJournal:    true,
		},
	}
}

// rawConfig defers per-queue blocks so each can be decoded on top of a copy
// of the defaults: fields a block leaves out inherit, fields it sets (even
// explicit zeros) override.
type rawConfig struct {
	Config
	Queues map[string]json.RawMessage `json:"queues"`
}

// Load loads configuration from a JSON file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	raw := rawConfig{Config: *cfg}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	out := raw.Config
	out.Queues = make(map[string]QueueConfig, len(raw.Queues))
	for name, block := range raw.Queues {
		qc := out.DefaultQueue
		if err := json.Unmarshal(block, &qc); err != nil {
			return nil, fmt.Errorf("config: failed to parse queue %q: %w", name, err)
		}
		out.Queues[name] = qc
	}
	return &out, nil
}

// Save saves the configuration to a JSON file.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// QueueConfig returns the effective limits for a named queue.
func (c *Config) QueueConfig(name string) QueueConfig {
	if qc, ok := c.Queues[name]; ok {
		return qc
	}
	return c.DefaultQueue
}

// Watch reloads path whenever it changes and hands the fresh Config to
// apply. The returned stop function releases the watcher. Reload errors are
// logged and the previous configuration stays in effect.
func Watch(path string, apply func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: failed to create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: failed to watch %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Printf("config: reload of %s failed: %v", path, err)
					continue
				}
				log.Printf("config: reloaded %s", path)
				apply(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config: watcher error: %v", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
