// Package queue provides the durable FIFO queues that sit on top of the
// write-ahead journal. All write operations follow the pattern: journal
// append -> apply in memory -> respond. On startup the journal is replayed
// to rebuild items, counters and the open-transaction map.
package queue

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/strategist922/kestrel/internal/config"
	"github.com/strategist922/kestrel/internal/journal"
)

var (
	// ErrQueueClosed is returned for operations on a closed queue.
	ErrQueueClosed = errors.New("queue: closed")
	// ErrQueueFull is returned when a queue at capacity rejects an add.
	ErrQueueFull = errors.New("queue: full")
	// ErrItemTooLarge is returned when an item exceeds the per-item limit.
	ErrItemTooLarge = errors.New("queue: item too large")
	// ErrUnknownXid is returned when a confirm/abort names no open read.
	ErrUnknownXid = errors.New("queue: unknown transaction id")
)

// Stats is a point-in-time view of one queue.
type Stats struct {
	Items            int64 `json:"items"`
	Bytes            int64 `json:"bytes"`
	MemoryItems      int   `json:"memory_items"`
	MemoryBytes      int64 `json:"memory_bytes"`
	JournalBytes     int64 `json:"journal_bytes"`
	OpenTransactions int   `json:"open_transactions"`
	TotalItems       int64 `json:"total_items"`
	TotalExpired     int64 `json:"total_expired"`
	TotalDiscarded   int64 `json:"total_discarded"`
	CurrentAgeMillis int64 `json:"current_age_msec"`
	InReadBehind     bool  `json:"in_read_behind"`
}

// Queue is one durable FIFO. The journal performs no locking of its own, so
// every method serializes through the queue mutex before touching it.
type Queue struct {
	mu      sync.Mutex
	name    string
	cfg     config.QueueConfig
	journal *journal.Journal

	// in-memory window from the head; the tail may live only in the
	// journal while read-behind is active
	items       []*journal.Item
	memoryBytes int64

	// totals including items not currently in memory
	length int64
	bytes  int64

	xidCounter       uint32
	openTransactions map[uint32]*journal.Item

	totalItems     int64
	totalExpired   int64
	totalDiscarded int64
	currentAge     time.Duration

	waiters []chan struct{}
	closed  bool
}

// NewQueue opens (or creates) the named queue inside dataDir, replaying its
// journal to rebuild state.
func NewQueue(name, dataDir string, cfg config.QueueConfig) (*Queue, error) {
	q := &Queue{
		name:             name,
		cfg:              cfg,
		journal:          journal.New(filepath.Join(dataDir, name)),
		openTransactions: make(map[uint32]*journal.Item),
	}

	if !cfg.KeepJournal {
		return q, nil
	}

	q.journal.EraseStaleBackups()
	if err := q.journal.Replay(name, q.replay); err != nil {
		return nil, fmt.Errorf("queue: failed to replay %q: %w", name, err)
	}
	if err := q.journal.Open(); err != nil {
		return nil, fmt.Errorf("queue: failed to open journal for %q: %w", name, err)
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// replay applies one journal record during startup. Replayed tentative
// removes are assigned fresh xids; the save-xid checkpoint keeps the counter
// ahead of any xid referenced later in the same journal.
func (q *Queue) replay(rec journal.Record) {
	switch rec.Type {
	case journal.OpAdd:
		q.length++
		q.bytes += int64(len(rec.Item.Data))
		if !q.journal.InReadBehind() {
			q.items = append(q.items, rec.Item)
			q.memoryBytes += int64(len(rec.Item.Data))
			if q.overMemoryBudget() {
				if err := q.journal.StartReadBehind(); err != nil {
					log.Printf("queue: failed to start read-behind for %q: %v", q.name, err)
				}
			}
		}
	case journal.OpRemove:
		q.replayRemove(false)
	case journal.OpRemoveTentative:
		q.replayRemove(true)
	case journal.OpSaveXid:
		q.xidCounter = rec.Xid
	case journal.OpUnremove:
		if item, ok := q.openTransactions[rec.Xid]; ok {
			delete(q.openTransactions, rec.Xid)
			q.items = append([]*journal.Item{item}, q.items...)
			q.memoryBytes += int64(len(item.Data))
			q.length++
			q.bytes += int64(len(item.Data))
		}
	case journal.OpConfirmRemove:
		delete(q.openTransactions, rec.Xid)
	case journal.OpEOF:
	}
}

func (q *Queue) replayRemove(tentative bool) {
	if len(q.items) == 0 {
		q.fillReadBehind()
	}
	if len(q.items) == 0 {
		// remove with nothing queued: journal written by a newer state
		// than we could rebuild; nothing to do
		return
	}
	item := q.popHead()
	if tentative {
		q.xidCounter++
		item.Xid = q.xidCounter
		q.openTransactions[item.Xid] = item
	}
	q.fillReadBehind()
}

// overMemoryBudget reports whether in-memory bytes exceed the configured
// window.
func (q *Queue) overMemoryBudget() bool {
	return q.cfg.MaxMemorySize > 0 && q.memoryBytes > int64(q.cfg.MaxMemorySize)
}

// popHead removes the head item from memory and the queue totals.
func (q *Queue) popHead() *journal.Item {
	item := q.items[0]
	q.items = q.items[1:]
	q.memoryBytes -= int64(len(item.Data))
	q.length--
	q.bytes -= int64(len(item.Data))
	return item
}

// fillReadBehind re-materializes journaled items until the memory window is
// respected again or the cursor catches the writer.
func (q *Queue) fillReadBehind() {
	for q.journal.InReadBehind() && (q.cfg.MaxMemorySize == 0 || q.memoryBytes < int64(q.cfg.MaxMemorySize)) {
		err := q.journal.FillReadBehind(func(item *journal.Item) {
			q.items = append(q.items, item)
			q.memoryBytes += int64(len(item.Data))
		})
		if err != nil {
			log.Printf("queue: read-behind failed for %q: %v", q.name, err)
			return
		}
	}
}

// adjustExpiry clamps an item's expiry to the queue's max age.
func (q *Queue) adjustExpiry(now int64, expiry int64) int64 {
	if q.cfg.MaxAge > 0 {
		maxExpiry := now + time.Duration(q.cfg.MaxAge).Milliseconds()
		if expiry == 0 || expiry > maxExpiry {
			return maxExpiry
		}
	}
	return expiry
}

// isFull reports whether adding another item of the given size would exceed
// the queue's configured capacity.
func (q *Queue) isFull(dataLen int) bool {
	if q.cfg.MaxItems > 0 && q.length >= int64(q.cfg.MaxItems) {
		return true
	}
	if q.cfg.MaxSize > 0 && q.bytes+int64(dataLen) > int64(q.cfg.MaxSize) {
		return true
	}
	return false
}

// Add enqueues data with an optional relative expiry (0 = never expires).
// The operation is journaled before being applied in memory.
func (q *Queue) Add(data []byte, expiry time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.cfg.MaxItemSize > 0 && int64(len(data)) > int64(q.cfg.MaxItemSize) {
		return ErrItemTooLarge
	}

	for q.isFull(len(data)) {
		if !q.cfg.DiscardOldWhenFull {
			return ErrQueueFull
		}
		before := q.length
		if err := q.discardHead(); err != nil {
			return err
		}
		if q.length == before {
			// nothing left to discard, and the item still does not fit
			return ErrQueueFull
		}
	}

	now := time.Now().UnixMilli()
	item := &journal.Item{
		AddTime: now,
		Data:    append([]byte(nil), data...),
	}
	if expiry > 0 {
		item.Expiry = now + expiry.Milliseconds()
	}
	item.Expiry = q.adjustExpiry(now, item.Expiry)

	if q.journaled() {
		if err := q.journal.Add(item); err != nil {
			return fmt.Errorf("queue: failed to journal add on %q: %w", q.name, err)
		}
	}

	q.length++
	q.bytes += int64(len(item.Data))
	q.totalItems++
	if !q.journal.InReadBehind() {
		q.items = append(q.items, item)
		q.memoryBytes += int64(len(item.Data))
		if q.journaled() && q.overMemoryBudget() {
			if err := q.journal.StartReadBehind(); err != nil {
				log.Printf("queue: failed to start read-behind for %q: %v", q.name, err)
			}
		}
	}

	q.notifyWaiters()
	return nil
}

// discardHead drops the oldest item to make room, journaling the remove.
func (q *Queue) discardHead() error {
	if len(q.items) == 0 {
		q.fillReadBehind()
	}
	if len(q.items) == 0 {
		return nil
	}
	if q.journaled() {
		if err := q.journal.Remove(); err != nil {
			return fmt.Errorf("queue: failed to journal discard on %q: %w", q.name, err)
		}
	}
	q.popHead()
	q.totalDiscarded++
	return nil
}

// discardExpired drops expired head items, journaling each remove.
func (q *Queue) discardExpired(now int64) {
	for {
		if len(q.items) == 0 {
			if !q.journal.InReadBehind() {
				return
			}
			q.fillReadBehind()
			if len(q.items) == 0 {
				return
			}
		}
		head := q.items[0]
		if head.Expiry == 0 || head.Expiry > now {
			return
		}
		if q.journaled() {
			if err := q.journal.Remove(); err != nil {
				log.Printf("queue: failed to journal expiry on %q: %v", q.name, err)
				return
			}
		}
		q.popHead()
		q.totalExpired++
	}
}

// Remove dequeues the head item. A transactional remove journals a tentative
// record and parks the item in the open-transaction map under a fresh xid
// until it is confirmed or aborted. Returns nil when the queue is empty.
func (q *Queue) Remove(transactional bool) (*journal.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(transactional)
}

func (q *Queue) removeLocked(transactional bool) (*journal.Item, error) {
	if q.closed {
		return nil, ErrQueueClosed
	}

	now := time.Now().UnixMilli()
	q.discardExpired(now)

	if q.length == 0 {
		return nil, nil
	}
	if len(q.items) == 0 {
		q.fillReadBehind()
		if len(q.items) == 0 {
			return nil, nil
		}
	}

	if q.journaled() {
		var err error
		if transactional {
			err = q.journal.RemoveTentative()
		} else {
			err = q.journal.Remove()
		}
		if err != nil {
			return nil, fmt.Errorf("queue: failed to journal remove on %q: %w", q.name, err)
		}
	}

	item := q.popHead()
	q.currentAge = time.Duration(now-item.AddTime) * time.Millisecond
	if transactional {
		q.xidCounter++
		item.Xid = q.xidCounter
		q.openTransactions[item.Xid] = item
	}

	q.fillReadBehind()
	q.maybeRoll()
	return item, nil
}

// RemoveWait dequeues the head item, waiting up to timeout for one to
// arrive. A timeout (or zero wait on an empty queue) returns nil, nil.
func (q *Queue) RemoveWait(timeout time.Duration, transactional bool) (*journal.Item, error) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		item, err := q.removeLocked(transactional)
		if item != nil || err != nil || timeout <= 0 {
			q.mu.Unlock()
			return item, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			q.mu.Unlock()
			return nil, nil
		}
		wake := make(chan struct{})
		q.waiters = append(q.waiters, wake)
		q.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

// ConfirmRemove completes a tentative remove; the item is gone for good.
func (q *Queue) ConfirmRemove(xid uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if _, ok := q.openTransactions[xid]; !ok {
		return ErrUnknownXid
	}
	if q.journaled() {
		if err := q.journal.ConfirmRemove(xid); err != nil {
			return fmt.Errorf("queue: failed to journal confirm on %q: %w", q.name, err)
		}
	}
	delete(q.openTransactions, xid)
	q.maybeRoll()
	return nil
}

// Unremove aborts a tentative remove; the item returns to the head of the
// queue.
func (q *Queue) Unremove(xid uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	item, ok := q.openTransactions[xid]
	if !ok {
		return ErrUnknownXid
	}
	if q.journaled() {
		if err := q.journal.Unremove(xid); err != nil {
			return fmt.Errorf("queue: failed to journal unremove on %q: %w", q.name, err)
		}
	}
	delete(q.openTransactions, xid)
	item.Xid = 0
	q.items = append([]*journal.Item{item}, q.items...)
	q.memoryBytes += int64(len(item.Data))
	q.length++
	q.bytes += int64(len(item.Data))
	q.notifyWaiters()
	return nil
}

// Peek returns the head item without consuming it, or nil when empty.
func (q *Queue) Peek() (*journal.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	q.discardExpired(time.Now().UnixMilli())
	if len(q.items) == 0 {
		q.fillReadBehind()
		if len(q.items) == 0 {
			return nil, nil
		}
	}
	return q.items[0], nil
}

// Flush drains every item, journaling the removes, then gives rotation a
// chance to reclaim the file.
func (q *Queue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		item, err := q.removeLocked(false)
		if err != nil {
			return err
		}
		if item == nil {
			return nil
		}
	}
}

// maybeRoll rotates the journal once it outgrows its budget and the queue is
// completely quiescent: nothing queued, nothing tentatively removed, no
// read-behind in flight. The xid counter is checkpointed into the fresh
// journal so replayed tentative removes keep their numbering.
func (q *Queue) maybeRoll() {
	if !q.journaled() || q.cfg.MaxJournalSize <= 0 {
		return
	}
	if q.journal.Size() <= int64(q.cfg.MaxJournalSize) {
		return
	}
	if q.length != 0 || len(q.openTransactions) != 0 || q.journal.InReadBehind() {
		return
	}
	if err := q.journal.Roll(); err != nil {
		log.Printf("queue: failed to roll journal for %q: %v", q.name, err)
		return
	}
	if err := q.journal.SaveXid(q.xidCounter); err != nil {
		log.Printf("queue: failed to checkpoint xid for %q: %v", q.name, err)
	}
}

// journaled reports whether this queue persists operations.
func (q *Queue) journaled() bool {
	return q.cfg.KeepJournal
}

func (q *Queue) notifyWaiters() {
	for _, ch := range q.waiters {
		close(ch)
	}
	q.waiters = nil
}

// Stats returns a point-in-time view of the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Items:            q.length,
		Bytes:            q.bytes,
		MemoryItems:      len(q.items),
		MemoryBytes:      q.memoryBytes,
		JournalBytes:     q.journal.Size(),
		OpenTransactions: len(q.openTransactions),
		TotalItems:       q.totalItems,
		TotalExpired:     q.totalExpired,
		TotalDiscarded:   q.totalDiscarded,
		CurrentAgeMillis: q.currentAge.Milliseconds(),
		InReadBehind:     q.journal.InReadBehind(),
	}
}

// Len returns the number of queued items, including any journaled tail not
// currently in memory.
func (q *Queue) Len() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// SetConfig swaps the queue's limits; used by config hot reload. The new
// limits apply to subsequent operations.
func (q *Queue) SetConfig(cfg config.QueueConfig) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cfg.KeepJournal = q.cfg.KeepJournal // journaling mode is fixed at open
	q.cfg = cfg
}

// Close releases the queue. Blocked readers are woken and observe the
// closed state.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	q.notifyWaiters()
	return q.journal.Close()
}

// Erase closes the queue and deletes its journal files.
func (q *Queue) Erase() error {
	if err := q.Close(); err != nil {
		return err
	}
	return q.journal.Erase()
}
