package workqueue

import "github.com/Iron-Ham/armada/internal/event"

// notification carries post-mutation state from inside the queue lock to
// delivery after it is released.
type notification struct {
	snap  Snapshot
	seq   uint64
	ready bool
}

func (q *Queue) notifyLocked() notification {
	q.lmu.RLock()
	listening := len(q.listeners) > 0
	q.lmu.RUnlock()

	if !listening && q.bus == nil {
		return notification{}
	}
	q.seq++
	return notification{snap: q.snapshotLocked(), seq: q.seq, ready: true}
}

// publish fans a snapshot out to listeners and the event bus. Must be
// called without q.mu held.
func (q *Queue) publish(n notification, op string, id int64) {
	if !n.ready {
		return
	}

	q.deliverAll(n)

	if q.bus != nil {
		q.bus.Publish(event.NewQueueChangedEvent(op, id,
			len(n.snap.Pending), len(n.snap.Executing), n.snap.TotalCompleted))
	}
}

// deliverAll hands n to every listener unless a newer snapshot already
// went out. Snapshots are taken under q.mu but delivered after it is
// released, so two mutations can race here in either order.
func (q *Queue) deliverAll(n notification) {
	q.dmu.Lock()
	defer q.dmu.Unlock()
	if n.seq <= q.delivered {
		return
	}
	q.delivered = n.seq

	q.lmu.RLock()
	for _, ch := range q.listeners {
		q.deliver(ch, n.snap)
	}
	q.lmu.RUnlock()
}

// deliver never blocks. A listener whose buffer is full loses its oldest
// queued snapshot in favor of the new one.
func (q *Queue) deliver(ch chan Snapshot, s Snapshot) {
	select {
	case ch <- s:
		return
	default:
	}

	q.dropped.Add(1)
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// Subscribe registers a listener for post-mutation snapshots. buffer <= 0
// uses a buffer of one. The returned cancel function unregisters the
// listener and closes the channel; it is safe to call more than once.
func (q *Queue) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer <= 0 {
		buffer = defaultListenerBuffer
	}
	ch := make(chan Snapshot, buffer)

	q.lmu.Lock()
	id := q.nextListener
	q.nextListener++
	q.listeners[id] = ch
	q.lmu.Unlock()

	cancel := func() {
		q.lmu.Lock()
		defer q.lmu.Unlock()
		if _, ok := q.listeners[id]; ok {
			delete(q.listeners, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Dropped returns how many snapshots were displaced from full listener
// buffers.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}
