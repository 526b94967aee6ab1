package queue

import (
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/strategist922/kestrel/internal/config"
	"github.com/strategist922/kestrel/internal/fanout"
	"github.com/strategist922/kestrel/internal/journal"
)

// ErrBadQueueName is returned for names the journal cannot store safely.
var ErrBadQueueName = errors.New("queue: invalid queue name")

// validName keeps queue names usable as file names. '+' marks a fanout
// child, '.' is reserved for rotation backups.
var validName = regexp.MustCompile(`^[A-Za-z0-9_~+-]+$`)

// Collection owns every live queue, creating them on demand and routing
// fanout adds from parents to children.
type Collection struct {
	mu       sync.RWMutex
	dataDir  string
	cfg      *config.Config
	queues   map[string]*Queue
	fanout   *fanout.Registry
	shutdown bool
}

// NewCollection creates a collection rooted at dataDir.
func NewCollection(dataDir string, cfg *config.Config) (*Collection, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("queue: failed to create data directory: %w", err)
	}
	return &Collection{
		dataDir: dataDir,
		cfg:     cfg,
		queues:  make(map[string]*Queue),
		fanout:  fanout.NewRegistry(),
	}, nil
}

// LoadQueues opens every queue that left a journal in the data directory.
// Rotation backups found here mean a crash mid-rotation; each queue's setup
// logs and deletes them.
func (c *Collection) LoadQueues() error {
	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		return fmt.Errorf("queue: failed to read data directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.Contains(name, ".") {
			// rotation backup; the owning queue cleans it up
			continue
		}
		if !validName.MatchString(name) {
			log.Printf("queue: ignoring unrecognized file %q in %s", name, c.dataDir)
			continue
		}
		if _, err := c.Queue(name); err != nil {
			return err
		}
	}
	return nil
}

// Queue returns the named queue, creating it on first reference.
func (c *Collection) Queue(name string) (*Queue, error) {
	c.mu.RLock()
	q, ok := c.queues[name]
	shutdown := c.shutdown
	c.mu.RUnlock()
	if ok {
		return q, nil
	}
	if shutdown {
		return nil, ErrQueueClosed
	}
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrBadQueueName, name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[name]; ok {
		return q, nil
	}
	if c.shutdown {
		return nil, ErrQueueClosed
	}

	q, err := NewQueue(name, c.dataDir, c.cfg.QueueConfig(name))
	if err != nil {
		return nil, err
	}
	c.queues[name] = q
	c.fanout.Register(name)
	return q, nil
}

// Add enqueues data on the named queue and copies it to any fanout
// children.
func (c *Collection) Add(name string, data []byte, expiry time.Duration) error {
	q, err := c.Queue(name)
	if err != nil {
		return err
	}
	if err := q.Add(data, expiry); err != nil {
		return err
	}
	for _, child := range c.fanout.Children(name) {
		cq, err := c.Queue(child)
		if err != nil {
			log.Printf("queue: fanout to %q failed: %v", child, err)
			continue
		}
		if err := cq.Add(data, expiry); err != nil {
			log.Printf("queue: fanout to %q failed: %v", child, err)
		}
	}
	return nil
}

// Remove dequeues from the named queue, waiting up to timeout when
// positive.
func (c *Collection) Remove(name string, timeout time.Duration, transactional bool) (*journal.Item, error) {
	q, err := c.Queue(name)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		return q.RemoveWait(timeout, transactional)
	}
	return q.Remove(transactional)
}

// ConfirmRemove completes an open read on the named queue.
func (c *Collection) ConfirmRemove(name string, xid uint32) error {
	q, err := c.Queue(name)
	if err != nil {
		return err
	}
	return q.ConfirmRemove(xid)
}

// Unremove aborts an open read on the named queue.
func (c *Collection) Unremove(name string, xid uint32) error {
	q, err := c.Queue(name)
	if err != nil {
		return err
	}
	return q.Unremove(xid)
}

// Peek returns the head of the named queue without consuming it.
func (c *Collection) Peek(name string) (*journal.Item, error) {
	q, err := c.Queue(name)
	if err != nil {
		return nil, err
	}
	return q.Peek()
}

// Flush drains the named queue.
func (c *Collection) Flush(name string) error {
	q, err := c.Queue(name)
	if err != nil {
		return err
	}
	return q.Flush()
}

// FlushAll drains every queue.
func (c *Collection) FlushAll() error {
	for _, q := range c.snapshot() {
		if err := q.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the named queue and its journal files.
func (c *Collection) Delete(name string) error {
	c.mu.Lock()
	q, ok := c.queues[name]
	if ok {
		delete(c.queues, name)
	}
	c.fanout.Unregister(name)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return q.Erase()
}

// Names returns the queue names, sorted.
func (c *Collection) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.queues))
	for name := range c.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns per-queue statistics keyed by queue name.
func (c *Collection) Stats() map[string]Stats {
	stats := make(map[string]Stats)
	for _, q := range c.snapshot() {
		stats[q.Name()] = q.Stats()
	}
	return stats
}

// SetConfig applies a freshly loaded configuration to every live queue;
// used by the reload command and the config file watcher.
func (c *Collection) SetConfig(cfg *config.Config) {
	c.mu.Lock()
	c.cfg = cfg
	queues := make([]*Queue, 0, len(c.queues))
	for _, q := range c.queues {
		queues = append(queues, q)
	}
	c.mu.Unlock()

	for _, q := range queues {
		q.SetConfig(cfg.QueueConfig(q.Name()))
	}
}

// snapshot returns the live queues without holding the collection lock
// across per-queue operations.
func (c *Collection) snapshot() []*Queue {
	c.mu.RLock()
	defer c.mu.RUnlock()

	queues := make([]*Queue, 0, len(c.queues))
	for _, q := range c.queues {
		queues = append(queues, q)
	}
	return queues
}

// Close shuts down every queue. Further lookups of queues not yet created
// fail with ErrQueueClosed; queues that already exist are still returned and
// reject operations as closed.
func (c *Collection) Close() error {
	c.mu.Lock()
	c.shutdown = true
	queues := make([]*Queue, 0, len(c.queues))
	for _, q := range c.queues {
		queues = append(queues, q)
	}
	c.mu.Unlock()

	var firstErr error
	for _, q := range queues {
		if err := q.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
