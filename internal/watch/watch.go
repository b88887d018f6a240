package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/recognition"
	"github.com/loqalabs/loqa-scribe/internal/service"
	"github.com/loqalabs/loqa-scribe/internal/store"
)

// defaultSettle is how long a file must stay quiet before it is processed.
const defaultSettle = 500 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	Dir        string
	Method     recognition.Method
	Language   string
	Extensions []string
	Settle     time.Duration
}

// Watcher feeds audio files dropped into a directory through the service,
// one at a time, each at most once per process.
type Watcher struct {
	opts       Options
	svc        *service.Service
	extensions map[string]bool
	logger     *slog.Logger

	mu      sync.Mutex
	seen    map[string]bool
	pending map[string]*time.Timer
	queue   chan string
	done    <-chan struct{}

	// onDone observes each processed file.
	onDone func(path string, report *pipeline.Report, err error)
}

func New(opts Options, svc *service.Service, logger *slog.Logger) *Watcher {
	if opts.Settle <= 0 {
		opts.Settle = defaultSettle
	}
	if opts.Method == "" {
		opts.Method = recognition.MethodBoth
	}
	exts := make(map[string]bool, len(opts.Extensions))
	for _, ext := range opts.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}
	return &Watcher{
		opts:       opts,
		svc:        svc,
		extensions: exts,
		logger:     logger.With(slog.String("component", "watch"), slog.String("dir", opts.Dir)),
		seen:       make(map[string]bool),
		pending:    make(map[string]*time.Timer),
		queue:      make(chan string, 64),
	}
}

// Run watches until ctx is cancelled. Files already present are queued
// first.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fsw.Close()
	w.done = ctx.Done()
	if err := fsw.Add(w.opts.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.opts.Dir, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.drain(ctx)
	}()
	defer wg.Wait()

	entries, err := os.ReadDir(w.opts.Dir)
	if err != nil {
		return fmt.Errorf("scan %s: %w", w.opts.Dir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.schedule(filepath.Join(w.opts.Dir, entry.Name()))
		}
	}
	w.logger.Info("watching for audio")

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.schedule(event.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", slogError(err))
		}
	}
}

func (w *Watcher) accepts(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	return w.extensions[strings.ToLower(filepath.Ext(name))]
}

// schedule (re)arms the settle timer for path.
func (w *Watcher) schedule(path string) {
	if !w.accepts(path) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen[path] {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Reset(w.opts.Settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.opts.Settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		if w.seen[path] {
			w.mu.Unlock()
			return
		}
		w.seen[path] = true
		w.mu.Unlock()
		select {
		case w.queue <- path:
		case <-w.done:
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-w.queue:
			report, err := w.process(ctx, path)
			if w.onDone != nil {
				w.onDone(path, report, err)
			}
		}
	}
}

func (w *Watcher) process(ctx context.Context, path string) (*pipeline.Report, error) {
	log := w.logger.With(slog.String("file", filepath.Base(path)))
	run, err := w.svc.Artifacts().Begin(path)
	if err != nil {
		log.Error("failed to prepare run folder", slogError(err))
		return nil, err
	}
	report, err := w.svc.Recognize(ctx, service.Job{
		Source:   store.SourceWatch,
		Path:     path,
		Method:   w.opts.Method,
		Language: w.opts.Language,
		Run:      run,
	})
	if err != nil {
		log.Warn("file rejected", slog.String("kind", pipeline.Kind(err)), slogError(err))
		return nil, err
	}
	for _, entry := range report.Result.Entries() {
		log.Info("recognized", slog.String("backend", entry.Backend), slog.String("outcome", entry.Outcome.String()))
	}
	return report, nil
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
