package observer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"

	"github.com/Iron-Ham/armada/internal/event"
	"github.com/Iron-Ham/armada/internal/fleet"
	"github.com/Iron-Ham/armada/internal/logging"
	"github.com/Iron-Ham/armada/internal/testutil"
	"github.com/Iron-Ham/armada/internal/worker"
	"github.com/Iron-Ham/armada/internal/workqueue"
)

type fakeSource struct {
	mu   sync.Mutex
	snap fleet.Snapshot
}

func (s *fakeSource) Snapshot() fleet.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	snap.At = time.Now()
	return snap
}

func (s *fakeSource) complete(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Queue.TotalCompleted = n
}

type fakeSink struct {
	name   string
	mu     sync.Mutex
	got    []fleet.Snapshot
	closed bool
	err    error
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Send(_ context.Context, snap fleet.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, snap)
	return s.err
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func sampleSnapshot() fleet.Snapshot {
	return fleet.Snapshot{
		MissionID: "mission-1",
		At:        time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
		Queue: workqueue.Snapshot{
			Pending:        []workqueue.Item{{ID: 3, Command: "RUN dig example.com"}},
			TotalCompleted: 2,
		},
		Workers: []worker.Status{
			{ID: "agent-1", State: worker.StateExecuting, LastCommand: "RUN nmap -sV 10.0.0.1", Iteration: 2, Executed: 1, Findings: 3},
			{ID: "agent-2", State: worker.StateCompleted, Reason: "mission completed", Findings: 1},
		},
	}
}

func TestObserver_PushesOnlyChanges(t *testing.T) {
	src := &fakeSource{snap: fleet.Snapshot{MissionID: "m"}}
	sink := &fakeSink{name: "fake"}
	o := New(src, WithSink(sink), WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	testutil.WaitFor(t, 0, "first snapshot", func() bool { return sink.count() == 1 })
	testutil.WaitFor(t, 0, "unchanged ticks", func() bool { return o.Stats().Unchanged >= 3 })
	if got := sink.count(); got != 1 {
		t.Fatalf("sink received %d snapshots for identical content, want 1", got)
	}

	src.complete(1)
	testutil.WaitFor(t, 0, "changed snapshot", func() bool { return sink.count() == 2 })

	cancel()
	<-done

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if !sink.closed {
		t.Error("sink not closed after Run returned")
	}
	if got := sink.got[1].Queue.TotalCompleted; got != 1 {
		t.Errorf("TotalCompleted = %d, want 1", got)
	}
}

func TestObserver_BusEventTriggersSnapshot(t *testing.T) {
	src := &fakeSource{}
	sink := &fakeSink{name: "fake"}
	bus := event.NewBus()
	o := New(src, WithSink(sink), WithBus(bus), WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	testutil.WaitFor(t, 0, "initial snapshot", func() bool { return sink.count() == 1 })
	testutil.WaitFor(t, 0, "subscriptions", func() bool { return bus.SubscriptionCount() == 3 })

	src.complete(5)
	bus.Publish(event.NewWorkerStatusEvent("agent-1", "running", "idle", "", 1))
	testutil.WaitFor(t, 0, "event-driven snapshot", func() bool { return sink.count() == 2 })
}

func TestObserver_FullBufferDrops(t *testing.T) {
	src := &fakeSource{}
	sink := &fakeSink{name: "slow"}
	o := New(src, WithSink(sink))
	feeds := []feed{{sink: sink, ch: make(chan fleet.Snapshot, 1)}}

	o.push(feeds)
	src.complete(1)
	o.push(feeds)

	st := o.Stats()
	if st.Pushed != 2 {
		t.Errorf("Pushed = %d, want 2", st.Pushed)
	}
	if st.Dropped["slow"] != 1 {
		t.Errorf("Dropped = %v, want slow:1", st.Dropped)
	}
	if got := (<-feeds[0].ch).Queue.TotalCompleted; got != 0 {
		t.Errorf("buffered snapshot TotalCompleted = %d, want 0", got)
	}
}

func TestObserver_FailedSendIsCounted(t *testing.T) {
	sink := &fakeSink{name: "broken", err: errors.New("boom")}
	o := New(&fakeSource{}, WithSink(sink))

	ch := make(chan fleet.Snapshot, 1)
	ch <- fleet.Snapshot{}
	close(ch)
	o.drain(context.Background(), feed{sink: sink, ch: ch})

	if got := o.Stats().Failed["broken"]; got != 1 {
		t.Errorf("Failed = %d, want 1", got)
	}
}

func TestDigest_IgnoresTimestamp(t *testing.T) {
	a := sampleSnapshot()
	b := a
	b.At = a.At.Add(time.Minute)

	ha, err := digest(a)
	if err != nil {
		t.Fatalf("digest() error = %v", err)
	}
	hb, _ := digest(b)
	if ha != hb {
		t.Error("digest differs for snapshots that differ only in At")
	}

	b.Queue.TotalCompleted++
	if hc, _ := digest(b); hc == ha {
		t.Error("digest unchanged after content change")
	}
}

func TestRender(t *testing.T) {
	out := Render(sampleSnapshot())
	for _, want := range []string{
		"mission mission-1",
		"1 pending, 0 executing, 2 completed",
		"findings: 4",
		"agent-1",
		"executing",
		"RUN nmap -sV 10.0.0.1",
		"mission completed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Render() missing %q in:\n%s", want, out)
		}
	}
}

func TestConsoleSink_Send(t *testing.T) {
	var buf bytes.Buffer
	s := NewConsoleSink(&buf)
	if err := s.Send(context.Background(), sampleSnapshot()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !strings.HasSuffix(buf.String(), "\n") || !strings.Contains(buf.String(), "agent-2") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestLogSink_Send(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(logging.NewWriterLogger(&buf, "INFO"))
	if err := s.Send(context.Background(), sampleSnapshot()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log entry is not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "mission status" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["findings"] != float64(4) {
		t.Errorf("findings = %v, want 4", entry["findings"])
	}
}

func TestWebSocketSink(t *testing.T) {
	sink := NewWebSocketSink(nil)
	srv := httptest.NewServer(sink)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	testutil.WaitFor(t, 0, "client registration", func() bool { return sink.Clients() == 1 })

	if err := sink.Send(context.Background(), sampleSnapshot()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	read := func(c *websocket.Conn) wsMessage {
		t.Helper()
		_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		return msg
	}

	if msg := read(conn); msg.Type != "snapshot" || msg.Payload.MissionID != "mission-1" {
		t.Errorf("message = %+v", msg)
	}

	// A late client is primed with the last snapshot.
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer late.Close()
	if msg := read(late); len(msg.Payload.Workers) != 2 {
		t.Errorf("late client workers = %d, want 2", len(msg.Payload.Workers))
	}

	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := sink.Clients(); got != 0 {
		t.Errorf("Clients() after Close = %d, want 0", got)
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink(t *testing.T) {
	fw := &fakeWriter{}
	s := &KafkaSink{w: fw, topic: "armada.snapshots"}

	if err := s.Send(context.Background(), sampleSnapshot()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(fw.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(fw.msgs))
	}
	msg := fw.msgs[0]
	if string(msg.Key) != "mission-1" {
		t.Errorf("Key = %q, want mission-1", msg.Key)
	}
	var snap fleet.Snapshot
	if err := json.Unmarshal(msg.Value, &snap); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if snap.Queue.TotalCompleted != 2 {
		t.Errorf("TotalCompleted = %d, want 2", snap.Queue.TotalCompleted)
	}

	fw.err = errors.New("leader not available")
	if err := s.Send(context.Background(), sampleSnapshot()); err == nil || !strings.Contains(err.Error(), "armada.snapshots") {
		t.Errorf("Send() error = %v, want wrapped produce error", err)
	}

	if err := s.Close(); err != nil || !fw.closed {
		t.Errorf("Close() = %v, closed = %v", err, fw.closed)
	}
}

func TestNewKafkaSink_Validation(t *testing.T) {
	tests := []struct {
		name    string
		brokers string
		topic   string
		wantErr bool
	}{
		{name: "ok", brokers: "localhost:9092,localhost:9093", topic: "t"},
		{name: "no brokers", brokers: " ", topic: "t", wantErr: true},
		{name: "no topic", brokers: "localhost:9092", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewKafkaSink(tt.brokers, tt.topic)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewKafkaSink() error = %v, wantErr %v", err, tt.wantErr)
			}
			if s != nil {
				_ = s.Close()
			}
		})
	}
}
