package rules

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloaderConfig tunes the hot-reload watcher.
type ReloaderConfig struct {
	PollInterval         time.Duration // pure-poll interval when fsnotify is unavailable (default 10s)
	FallbackPollInterval time.Duration // safety-net poll alongside fsnotify (default 60s)

	// OnSwap is called after a valid document replaces the active engine.
	OnSwap func(doc *Document, res *Result)
	// OnReject is called when a candidate document fails validation or
	// parsing; the previous engine stays active.
	OnReject func(res *Result)
}

// Reloader keeps an Engine built from a rules file and atomically swaps in a
// new one whenever the file changes and passes validation. A bad edit never
// disturbs the running engine.
type Reloader struct {
	path    string
	cfg     ReloaderConfig
	engine  atomic.Pointer[Engine]
	doc     atomic.Pointer[Document]
	lastMod atomic.Int64 // unix nanos of the last file mtime we loaded
}

// NewReloader loads path once and returns a Reloader holding the resulting
// engine. The initial document must be valid.
func NewReloader(path string, cfg ReloaderConfig) (*Reloader, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.FallbackPollInterval <= 0 {
		cfg.FallbackPollInterval = 60 * time.Second
	}
	r := &Reloader{path: path, cfg: cfg}
	if err := r.load(true); err != nil {
		return nil, err
	}
	return r, nil
}

// Engine returns the currently active engine snapshot. Callers hold the
// returned pointer for the duration of one match pass; later swaps do not
// affect it.
func (r *Reloader) Engine() *Engine { return r.engine.Load() }

// Document returns the currently active document.
func (r *Reloader) Document() *Document { return r.doc.Load() }

// Run watches the rules file until ctx is cancelled. It prefers fsnotify on
// the containing directory (editors replace files rather than rewrite them)
// with a periodic poll as a safety net.
func (r *Reloader) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.runPoll(ctx)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		r.runPoll(ctx)
		return
	}

	fallbackTicker := time.NewTicker(r.cfg.FallbackPollInterval)
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-watcher.Events:
			if filepath.Clean(ev.Name) == filepath.Clean(r.path) {
				_ = r.load(false)
			}
		case <-watcher.Errors:
			// Keep running; the fallback ticker covers missed events.
		case <-fallbackTicker.C:
			_ = r.load(false)
		}
	}
}

// runPoll is the pure-polling loop when fsnotify is unavailable.
func (r *Reloader) runPoll(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.load(false)
		}
	}
}

// load validates and parses the file, swapping the active engine only when
// the candidate is valid. With initial set, a failure is returned to the
// caller instead of reported through OnReject.
func (r *Reloader) load(initial bool) error {
	if !initial && !r.changed() {
		return nil
	}

	res := ValidateFile(r.path)
	if !res.Valid() {
		return r.reject(initial, res)
	}

	doc, err := Load(r.path)
	if err != nil {
		res.errorf("", "%v", err)
		return r.reject(initial, res)
	}

	eng := &Engine{Rules: doc.Rules, Schedules: doc.Schedules}
	r.engine.Store(eng)
	r.doc.Store(doc)
	if r.cfg.OnSwap != nil {
		r.cfg.OnSwap(doc, res)
	}
	return nil
}

func (r *Reloader) reject(initial bool, res *Result) error {
	if initial {
		return &InvalidDocumentError{Result: res}
	}
	if r.cfg.OnReject != nil {
		r.cfg.OnReject(res)
	}
	return &InvalidDocumentError{Result: res}
}

// changed reports whether the file's mtime differs from the last load, and
// records the new mtime. A stat failure counts as changed so load surfaces
// the real error.
func (r *Reloader) changed() bool {
	info, err := os.Stat(r.path)
	if err != nil {
		return true
	}
	mod := info.ModTime().UnixNano()
	if mod == r.lastMod.Load() {
		return false
	}
	r.lastMod.Store(mod)
	return true
}

// InvalidDocumentError wraps a failed validation pass.
type InvalidDocumentError struct {
	Result *Result
}

func (e *InvalidDocumentError) Error() string {
	errs := e.Result.Errors()
	if len(errs) == 0 {
		return "invalid rules document"
	}
	return "invalid rules document: " + errs[0].Message
}
