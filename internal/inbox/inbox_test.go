package inbox

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/armada/internal/event"
	"github.com/Iron-Ham/armada/internal/testutil"
	"github.com/Iron-Ham/armada/internal/workqueue"
)

type recordingQueue struct {
	mu       sync.Mutex
	commands []string
}

func (q *recordingQueue) AddMany(commands []string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.commands = append(q.commands, commands...)
	return len(commands)
}

func (q *recordingQueue) Commands() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.commands...)
}

func TestParseLines(t *testing.T) {
	got := ParseLines([]byte("# recon\nnmap -sV 10.0.0.1\n\n  RUN whois example.com  \n#skip\nRUN   \n"))
	want := []string{"RUN nmap -sV 10.0.0.1", "RUN whois example.com"}
	if !slices.Equal(got, want) {
		t.Errorf("ParseLines() = %q, want %q", got, want)
	}
}

func TestParseYAML(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{
			name:  "list",
			input: "commands:\n  - nmap -p- 10.0.0.1\n  - RUN nikto -h 10.0.0.1\n  - ''\n",
			want:  []string{"RUN nmap -p- 10.0.0.1", "RUN nikto -h 10.0.0.1"},
		},
		{name: "flow style", input: `commands: ["dig example.com"]`, want: []string{"RUN dig example.com"}},
		{name: "no commands key", input: "other: 1\n", want: []string{}},
		{name: "malformed", input: "commands: [unterminated\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseYAML([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseYAML() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !slices.Equal(got, tt.want) {
				t.Errorf("ParseYAML() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAccepts(t *testing.T) {
	tests := map[string]bool{
		"a.txt":      true,
		"b.YAML":     true,
		"c.yml":      true,
		"a.txt.done": false,
		"notes.md":   false,
		"noext":      false,
	}
	for name, want := range tests {
		if got := Accepts(name); got != want {
			t.Errorf("Accepts(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestWatcher_ProcessFile(t *testing.T) {
	dir := t.TempDir()
	q := workqueue.New()
	bus := event.NewBus()

	var got []event.InboxAcceptedEvent
	bus.Subscribe(event.TypeInboxAccepted, func(e event.Event) {
		got = append(got, e.(event.InboxAcceptedEvent))
	})

	w, err := New(dir, q, WithBus(bus))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.watcher.Close()

	path := filepath.Join(dir, "seed.txt")
	testutil.WriteFile(t, dir, "seed.txt", "nmap -sV 10.0.0.1\nnikto -h 10.0.0.1\n")

	n, err := w.ProcessFile(path)
	if err != nil {
		t.Fatalf("ProcessFile() error = %v", err)
	}
	if n != 2 {
		t.Errorf("ProcessFile() = %d, want 2", n)
	}
	if pending := q.Snapshot().Pending; len(pending) != 2 || pending[0].Command != "RUN nmap -sV 10.0.0.1" {
		t.Errorf("pending = %+v", pending)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("original file still present: %v", err)
	}
	if _, err := os.Stat(path + DoneSuffix); err != nil {
		t.Errorf("done file missing: %v", err)
	}
	if len(got) != 1 || got[0].Source != "seed.txt" || got[0].Count != 2 {
		t.Errorf("events = %+v", got)
	}
	if files, cmds := w.Accepted(); files != 1 || cmds != 2 {
		t.Errorf("Accepted() = %d, %d", files, cmds)
	}
}

func TestWatcher_MalformedFileIsLeftInPlace(t *testing.T) {
	dir := t.TempDir()
	q := &recordingQueue{}
	w, err := New(dir, q)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.watcher.Close()

	path := filepath.Join(dir, "bad.yaml")
	testutil.WriteFile(t, dir, "bad.yaml", "commands: [oops\n")
	if _, err := w.ProcessFile(path); err == nil {
		t.Fatal("ProcessFile() error = nil, want parse error")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("malformed file moved: %v", err)
	}
	if len(q.Commands()) != 0 {
		t.Errorf("queued %v from a malformed file", q.Commands())
	}
}

func TestWatcher_Run(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "early.txt", "whois example.com\n")

	q := &recordingQueue{}
	w, err := New(dir, q, WithDebounce(5*time.Millisecond))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	testutil.WaitFor(t, 0, "seeded command", func() bool { return len(q.Commands()) == 1 })

	testutil.WriteFile(t, dir, "late.yaml", "commands:\n  - dig example.com\n")
	testutil.WriteFile(t, dir, "ignored.md", "nmap x\n")
	testutil.WaitFor(t, 0, "new inbox file", func() bool { return len(q.Commands()) == 2 })

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}

	want := []string{"RUN whois example.com", "RUN dig example.com"}
	if got := q.Commands(); !slices.Equal(got, want) {
		t.Errorf("queued = %q, want %q", got, want)
	}
	if _, err := os.Stat(filepath.Join(dir, "ignored.md")); err != nil {
		t.Errorf("non-inbox file touched: %v", err)
	}
}
