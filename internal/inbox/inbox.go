// Package inbox lets an operator feed commands into a running mission by
// dropping files into a watched directory.
//
// Each *.txt file contributes one command per non-blank line; lines
// starting with # are comments. Each *.yaml or *.yml file holds a
// top-level "commands" list. Commands are appended to the shared queue in
// file order and the file is renamed with a ".done" suffix, so rewriting
// a file under its original name submits it again.
package inbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/armada/internal/batch"
	"github.com/Iron-Ham/armada/internal/event"
	"github.com/Iron-Ham/armada/internal/logging"
)

// DoneSuffix is appended to processed files.
const DoneSuffix = ".done"

// DefaultDebounce collapses bursts of writes to one file.
const DefaultDebounce = 50 * time.Millisecond

// Enqueuer accepts commands. *workqueue.Queue implements it.
type Enqueuer interface {
	AddMany(commands []string) int
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithBus publishes an InboxAcceptedEvent for every processed file.
func WithBus(bus *event.Bus) Option {
	return func(w *Watcher) { w.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets how long the watcher waits after the last write to a
// file before reading it.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// Watcher moves commands from files in a directory into a queue.
type Watcher struct {
	dir      string
	queue    Enqueuer
	bus      *event.Bus
	logger   *logging.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher

	mu       sync.Mutex
	accepted int
	files    int
}

// New creates the directory if needed and starts watching it.
func New(dir string, queue Enqueuer, opts ...Option) (*Watcher, error) {
	if queue == nil {
		panic("inbox: Enqueuer is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create inbox dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		dir:      dir,
		queue:    queue,
		debounce: DefaultDebounce,
		watcher:  fw,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.OrNop(w.logger).WithComponent("inbox")
	return w, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string { return w.dir }

// Run processes files already present, then watches for new or rewritten
// files until ctx is done. The underlying watcher is closed on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	if err := w.scan(); err != nil {
		w.logger.Warn("initial scan failed", "error", err)
	}

	timer := time.NewTimer(0)
	<-timer.C
	pending := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 || !Accepts(ev.Name) {
				continue
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(w.debounce)

		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			clear(pending)
			sort.Strings(paths)
			for _, p := range paths {
				w.process(p)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) scan() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !Accepts(e.Name()) {
			continue
		}
		w.process(filepath.Join(w.dir, e.Name()))
	}
	return nil
}

func (w *Watcher) process(path string) {
	n, err := w.ProcessFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		w.logger.Warn("inbox file rejected", "file", filepath.Base(path), "error", err)
		return
	}
	w.logger.Info("inbox file accepted", "file", filepath.Base(path), "commands", n)
}

// ProcessFile parses path, appends its commands to the queue, and renames
// it with DoneSuffix. It returns the number of commands the queue accepted.
// A file that fails to parse is left in place.
func (w *Watcher) ProcessFile(path string) (int, error) {
	commands, err := ParseFile(path)
	if err != nil {
		return 0, err
	}
	n := w.queue.AddMany(commands)
	if err := os.Rename(path, path+DoneSuffix); err != nil {
		return n, fmt.Errorf("mark processed: %w", err)
	}

	w.mu.Lock()
	w.files++
	w.accepted += n
	w.mu.Unlock()

	w.bus.Publish(event.NewInboxAcceptedEvent(filepath.Base(path), n))
	return n, nil
}

// Accepted returns how many files and commands have been taken in.
func (w *Watcher) Accepted() (files, commands int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.files, w.accepted
}

// Accepts reports whether name has an inbox file extension.
func Accepts(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".yaml", ".yml":
		return true
	}
	return false
}

// ParseFile reads commands from an inbox file.
func ParseFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseLines(data), nil
	}
}

// ParseLines returns one RUN-prefixed command per non-blank, non-comment
// line.
func ParseLines(data []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if cmd := batch.WithPrefix(line); cmd != "" {
			out = append(out, cmd)
		}
	}
	return out
}

type seedFile struct {
	Commands []string `yaml:"commands"`
}

// ParseYAML reads a document of the form "commands: [...]".
func ParseYAML(data []byte) ([]string, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	out := make([]string, 0, len(f.Commands))
	for _, c := range f.Commands {
		if cmd := batch.WithPrefix(c); cmd != "" {
			out = append(out, cmd)
		}
	}
	return out, nil
}
