package workqueue

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/Iron-Ham/armada/internal/event"
	"github.com/Iron-Ham/armada/internal/logging"
)

// Default bounds.
const (
	DefaultMaxPending     = 50
	DefaultHistorySize    = 25
	DefaultRecentSize     = 8
	MaxResultBytes        = 500
	defaultListenerBuffer = 1
)

// Queue is the shared, mutually-exclusive-claim work list.
// All methods are safe for concurrent use.
type Queue struct {
	mu             sync.Mutex
	items          []*Item // active items in insertion order
	history        []Item  // completed items, oldest first
	totalCompleted int
	nextID         int64
	seq            uint64 // bumped per notification

	maxPending  int
	historySize int
	recentSize  int

	lmu          sync.RWMutex // guards listeners
	listeners    map[int]chan Snapshot
	nextListener int
	dropped      atomic.Int64

	dmu       sync.Mutex // serializes listener delivery
	delivered uint64     // seq of the newest snapshot handed to listeners

	bus    *event.Bus
	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxPending sets the pending-item ceiling.
func WithMaxPending(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxPending = n
		}
	}
}

// WithHistorySize sets the size of the completed-history ring.
func WithHistorySize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.historySize = n
		}
	}
}

// WithRecentSize sets how many completed items a Snapshot carries.
func WithRecentSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.recentSize = n
		}
	}
}

// WithBus publishes a QueueChangedEvent after every mutation.
func WithBus(bus *event.Bus) Option {
	return func(q *Queue) {
		q.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

// New creates an empty Queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		maxPending:  DefaultMaxPending,
		historySize: DefaultHistorySize,
		recentSize:  DefaultRecentSize,
		listeners:   make(map[int]chan Snapshot),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = logging.OrNop(q.logger).WithComponent("workqueue")
	return q
}

// AddMany appends each non-blank command as a pending item and returns the
// number accepted. If the pending count then exceeds the ceiling, the
// oldest pending items are evicted.
func (q *Queue) AddMany(commands []string) int {
	q.mu.Lock()
	now := q.now()
	added := 0
	for _, c := range commands {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		q.nextID++
		q.items = append(q.items, &Item{
			ID:      q.nextID,
			Command: c,
			Status:  StatusPending,
			AddedAt: now,
		})
		added++
	}
	evicted := q.trimPendingLocked()
	n := q.notifyLocked()
	q.mu.Unlock()

	if evicted > 0 {
		q.logger.Warn("pending ceiling reached, evicted oldest items",
			"evicted", evicted, "max_pending", q.maxPending)
	}
	if added > 0 {
		q.publish(n, "add", 0)
	}
	return added
}

// trimPendingLocked evicts the oldest pending items until the pending count
// is within the ceiling. Executing items are never touched.
func (q *Queue) trimPendingLocked() int {
	pending := 0
	for _, it := range q.items {
		if it.Status == StatusPending {
			pending++
		}
	}
	excess := pending - q.maxPending
	if excess <= 0 {
		return 0
	}

	kept := q.items[:0]
	evicted := 0
	for _, it := range q.items {
		if it.Status == StatusPending && evicted < excess {
			evicted++
			continue
		}
		kept = append(kept, it)
	}
	clearTail(q.items, len(kept))
	q.items = kept
	return evicted
}

// ClaimNext flips the first pending item to executing on behalf of
// workerID and returns a copy. ok is false when nothing is pending.
func (q *Queue) ClaimNext(workerID string) (item Item, ok bool) {
	if workerID == "" {
		return Item{}, false
	}

	q.mu.Lock()
	var claimed *Item
	for _, it := range q.items {
		if it.Status == StatusPending {
			claimed = it
			break
		}
	}
	if claimed == nil {
		q.mu.Unlock()
		return Item{}, false
	}

	now := q.now()
	claimed.Status = StatusExecuting
	claimed.ClaimedBy = workerID
	claimed.StartedAt = &now
	cp := *claimed
	n := q.notifyLocked()
	q.mu.Unlock()

	q.publish(n, "claim", cp.ID)
	return cp, true
}

// Complete finishes an executing item claimed by workerID and moves it into
// the completed history. Returns false if the item is unknown, not
// executing, or claimed by another worker.
func (q *Queue) Complete(id int64, workerID, result string) bool {
	q.mu.Lock()
	idx, it := q.findLocked(id)
	if it == nil || it.Status != StatusExecuting || it.ClaimedBy != workerID {
		q.mu.Unlock()
		q.logger.Debug("complete rejected", "item_id", id, "worker_id", workerID)
		return false
	}

	now := q.now()
	it.Status = StatusCompleted
	it.CompletedAt = &now
	it.Result = truncate(result, MaxResultBytes)

	q.items = append(q.items[:idx], q.items[idx+1:]...)
	q.history = append(q.history, *it)
	if over := len(q.history) - q.historySize; over > 0 {
		q.history = append([]Item(nil), q.history[over:]...)
	}
	q.totalCompleted++
	n := q.notifyLocked()
	q.mu.Unlock()

	q.publish(n, "complete", id)
	return true
}

// Fail returns an executing item claimed by workerID to pending and records
// errMsg. The item keeps its queue position and can be claimed by any
// worker. Returns false on a claim mismatch.
func (q *Queue) Fail(id int64, workerID, errMsg string) bool {
	q.mu.Lock()
	_, it := q.findLocked(id)
	if it == nil || it.Status != StatusExecuting || it.ClaimedBy != workerID {
		q.mu.Unlock()
		q.logger.Debug("fail rejected", "item_id", id, "worker_id", workerID)
		return false
	}

	it.Status = StatusPending
	it.ClaimedBy = ""
	it.StartedAt = nil
	it.Error = errMsg
	n := q.notifyLocked()
	q.mu.Unlock()

	q.publish(n, "fail", id)
	return true
}

// Edit replaces the command of a pending item. Blank commands are rejected.
func (q *Queue) Edit(id int64, command string) bool {
	command = strings.TrimSpace(command)
	if command == "" {
		return false
	}

	q.mu.Lock()
	_, it := q.findLocked(id)
	if it == nil || it.Status != StatusPending {
		q.mu.Unlock()
		return false
	}
	it.Command = command
	n := q.notifyLocked()
	q.mu.Unlock()

	q.publish(n, "edit", id)
	return true
}

// Remove deletes a pending item. Executing items cannot be removed; their
// claimant still owns them.
func (q *Queue) Remove(id int64) bool {
	q.mu.Lock()
	idx, it := q.findLocked(id)
	if it == nil || it.Status != StatusPending {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	n := q.notifyLocked()
	q.mu.Unlock()

	q.publish(n, "remove", id)
	return true
}

// Clear drops every pending item and returns how many were dropped.
// Executing items are preserved.
func (q *Queue) Clear() int {
	q.mu.Lock()
	kept := q.items[:0]
	dropped := 0
	for _, it := range q.items {
		if it.Status == StatusPending {
			dropped++
			continue
		}
		kept = append(kept, it)
	}
	clearTail(q.items, len(kept))
	q.items = kept
	n := q.notifyLocked()
	q.mu.Unlock()

	if dropped > 0 {
		q.publish(n, "clear", 0)
	}
	return dropped
}

// Get returns a copy of an active item.
func (q *Queue) Get(id int64) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, it := q.findLocked(id)
	if it == nil {
		return Item{}, false
	}
	return *it, true
}

// Items returns copies of all active items in insertion order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, len(q.items))
	for i, it := range q.items {
		out[i] = *it
	}
	return out
}

// History returns the completed-history ring, oldest first.
func (q *Queue) History() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.history...)
}

// Snapshot returns a read-only copy of the queue state.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() Snapshot {
	s := Snapshot{
		Pending:        []Item{},
		Executing:      []Item{},
		TotalCompleted: q.totalCompleted,
	}
	for _, it := range q.items {
		switch it.Status {
		case StatusPending:
			s.Pending = append(s.Pending, *it)
		case StatusExecuting:
			s.Executing = append(s.Executing, *it)
		}
	}
	start := len(q.history) - q.recentSize
	if start < 0 {
		start = 0
	}
	s.RecentCompleted = append([]Item{}, q.history[start:]...)
	return s
}

func (q *Queue) findLocked(id int64) (int, *Item) {
	for i, it := range q.items {
		if it.ID == id {
			return i, it
		}
	}
	return -1, nil
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// clearTail nils out pointers past n so evicted items can be collected.
func clearTail(items []*Item, n int) {
	for i := n; i < len(items); i++ {
		items[i] = nil
	}
}
