// Package observer pushes fleet snapshots to operator-facing sinks.
//
// An Observer takes a snapshot when the queue or a worker changes and on a
// fixed interval, and forwards it only when its content differs from the
// last one pushed. Every sink is fed from its own bounded buffer by its own
// goroutine, so a slow or failing sink never blocks the workers or the
// other sinks. A full buffer drops the snapshot for that sink.
package observer

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/armada/internal/event"
	"github.com/Iron-Ham/armada/internal/fleet"
	"github.com/Iron-Ham/armada/internal/logging"
)

// Defaults.
const (
	DefaultInterval   = 2 * time.Second
	DefaultBufferSize = 4
)

// Source produces snapshots. *fleet.Fleet implements it.
type Source interface {
	Snapshot() fleet.Snapshot
}

var _ Source = (*fleet.Fleet)(nil)

// Sink receives snapshots. Send is called from a single goroutine per sink.
type Sink interface {
	Name() string
	Send(ctx context.Context, snap fleet.Snapshot) error
	Close() error
}

// Stats counts observer activity.
type Stats struct {
	Pushed    int            `json:"pushed"`
	Unchanged int            `json:"unchanged"`
	Dropped   map[string]int `json:"dropped"`
	Failed    map[string]int `json:"failed"`
}

// Option configures an Observer.
type Option func(*Observer)

// WithInterval sets the periodic snapshot interval.
func WithInterval(d time.Duration) Option {
	return func(o *Observer) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithBufferSize sets the per-sink buffer length.
func WithBufferSize(n int) Option {
	return func(o *Observer) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithSink adds a sink.
func WithSink(s Sink) Option {
	return func(o *Observer) {
		if s != nil {
			o.sinks = append(o.sinks, s)
		}
	}
}

// WithBus subscribes the observer to queue and worker status events.
func WithBus(bus *event.Bus) Option {
	return func(o *Observer) { o.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Observer) { o.logger = l }
}

// Observer fans snapshots out to sinks.
type Observer struct {
	src        Source
	sinks      []Sink
	bus        *event.Bus
	interval   time.Duration
	bufferSize int
	logger     *logging.Logger

	nudge chan struct{}

	mu       sync.Mutex
	lastHash uint64
	hashed   bool
	stats    Stats
}

// New creates an Observer over src.
func New(src Source, opts ...Option) *Observer {
	if src == nil {
		panic("observer: Source is required")
	}
	o := &Observer{
		src:        src,
		interval:   DefaultInterval,
		bufferSize: DefaultBufferSize,
		nudge:      make(chan struct{}, 1),
		stats: Stats{
			Dropped: make(map[string]int),
			Failed:  make(map[string]int),
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.OrNop(o.logger).WithComponent("observer")
	return o
}

type feed struct {
	sink Sink
	ch   chan fleet.Snapshot
}

// Run pushes snapshots until ctx is done, then sends a final snapshot,
// drains the sink buffers, and closes every sink.
func (o *Observer) Run(ctx context.Context) {
	if o.bus != nil {
		notify := func(event.Event) { o.Notify() }
		ids := []string{
			o.bus.Subscribe(event.TypeQueueChanged, notify),
			o.bus.Subscribe(event.TypeWorkerStatus, notify),
			o.bus.Subscribe(event.TypeMissionFinished, notify),
		}
		defer func() {
			for _, id := range ids {
				o.bus.Unsubscribe(id)
			}
		}()
	}

	feeds := make([]feed, len(o.sinks))
	wg := conc.NewWaitGroup()
	// Sinks outlive ctx long enough to deliver the final snapshot.
	sendCtx := context.WithoutCancel(ctx)
	for i, s := range o.sinks {
		feeds[i] = feed{sink: s, ch: make(chan fleet.Snapshot, o.bufferSize)}
		f := feeds[i]
		wg.Go(func() { o.drain(sendCtx, f) })
	}

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.push(feeds)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		case <-o.nudge:
		}
		o.push(feeds)
	}

	o.push(feeds)
	for _, f := range feeds {
		close(f.ch)
	}
	wg.Wait()
	for _, s := range o.sinks {
		if err := s.Close(); err != nil {
			o.logger.Warn("close sink failed", "sink", s.Name(), "error", err)
		}
	}
}

// Notify requests a snapshot. It never blocks; requests made while one is
// already pending are merged.
func (o *Observer) Notify() {
	select {
	case o.nudge <- struct{}{}:
	default:
	}
}

func (o *Observer) push(feeds []feed) {
	snap := o.src.Snapshot()
	h, err := digest(snap)
	if err != nil {
		o.logger.Warn("hash snapshot failed", "error", err)
		return
	}

	o.mu.Lock()
	if o.hashed && h == o.lastHash {
		o.stats.Unchanged++
		o.mu.Unlock()
		return
	}
	o.hashed = true
	o.lastHash = h
	o.stats.Pushed++
	o.mu.Unlock()

	for _, f := range feeds {
		select {
		case f.ch <- snap:
		default:
			o.mu.Lock()
			o.stats.Dropped[f.sink.Name()]++
			o.mu.Unlock()
			o.logger.Debug("sink buffer full, snapshot dropped", "sink", f.sink.Name())
		}
	}
}

func (o *Observer) drain(ctx context.Context, f feed) {
	for snap := range f.ch {
		if err := f.sink.Send(ctx, snap); err != nil {
			o.mu.Lock()
			o.stats.Failed[f.sink.Name()]++
			o.mu.Unlock()
			o.logger.Warn("sink send failed", "sink", f.sink.Name(), "error", err)
		}
	}
}

// Stats returns a copy of the observer counters.
func (o *Observer) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := Stats{
		Pushed:    o.stats.Pushed,
		Unchanged: o.stats.Unchanged,
		Dropped:   make(map[string]int, len(o.stats.Dropped)),
		Failed:    make(map[string]int, len(o.stats.Failed)),
	}
	for k, v := range o.stats.Dropped {
		out.Dropped[k] = v
	}
	for k, v := range o.stats.Failed {
		out.Failed[k] = v
	}
	return out
}

// digest hashes the snapshot content, ignoring when it was taken.
func digest(snap fleet.Snapshot) (uint64, error) {
	snap.At = time.Time{}
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, err
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64(), nil
}
