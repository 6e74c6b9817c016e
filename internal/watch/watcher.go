// Package watch rebuilds kernels when their sources or includes change.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/kernelforge/internal/logfields"
)

// DefaultExtensions are the file types whose changes trigger a rebuild.
var DefaultExtensions = []string{".cu", ".cuh", ".h", ".hpp"}

// BuildFunc runs one build and returns the inputs it depended on. Inputs are
// still returned when the build fails, so a fix to a broken source is seen.
type BuildFunc func(ctx context.Context) (inputs []string, err error)

// Options configures a Watcher.
type Options struct {
	Build    BuildFunc
	Debounce time.Duration
	// PollInterval, when positive, also compares input modification times on
	// a schedule, for filesystems where change notifications are unreliable.
	PollInterval time.Duration
	Extensions   []string
	// Roots are watched recursively, so sources that no build has reported
	// yet are still seen. A missing root is watched through its nearest
	// existing parent until it appears.
	Roots []string
	// Exclude lists directory trees that are never watched, such as the
	// output directory the build writes into.
	Exclude []string
}

// Watcher runs Build once, then again whenever a watched input changes.
type Watcher struct {
	build    BuildFunc
	debounce time.Duration
	poll     time.Duration
	exts     []string
	roots    []string
	exclude  []string

	mu     sync.Mutex
	inputs []string
	dirs   map[string]struct{}
	snap   Snapshot
}

// New creates a Watcher.
func New(opts Options) *Watcher {
	w := &Watcher{
		build:    opts.Build,
		debounce: opts.Debounce,
		poll:     opts.PollInterval,
		exts:     opts.Extensions,
		dirs:     make(map[string]struct{}),
	}
	for _, r := range opts.Roots {
		w.roots = append(w.roots, filepath.Clean(r))
	}
	for _, e := range opts.Exclude {
		w.exclude = append(w.exclude, filepath.Clean(e))
	}
	if w.debounce <= 0 {
		w.debounce = 500 * time.Millisecond
	}
	if len(w.exts) == 0 {
		w.exts = DefaultExtensions
	}
	return w
}

// Run blocks until ctx is cancelled. Build failures are logged and do not
// stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	trigger := make(chan struct{}, 1)
	fire := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	if w.poll > 0 {
		s, err := gocron.NewScheduler()
		if err != nil {
			return fmt.Errorf("failed to create gocron scheduler: %w", err)
		}
		if _, err := s.NewJob(
			gocron.DurationJob(w.poll),
			gocron.NewTask(func() {
				if w.pollChanged() {
					fire()
				}
			}),
			gocron.WithName("kernelforge-poll"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return fmt.Errorf("failed to create poll job: %w", err)
		}
		s.Start()
		defer func() { _ = s.Shutdown() }()
	}

	w.rebuild(ctx, fsw)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, fire)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if w.excluded(ev.Name) {
				continue
			}
			if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
				w.forget(ev.Name)
			}
			if ev.Op.Has(fsnotify.Create) && isDir(ev.Name) {
				slog.Debug("Directory created", logfields.Path(ev.Name))
				w.track(fsw, w.current())
				schedule()
				continue
			}
			if !Relevant(ev, w.exts) {
				continue
			}
			slog.Debug("Source change detected", logfields.Path(ev.Name), slog.String("op", ev.Op.String()))
			schedule()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Error("File watcher error", logfields.Error(err))
		case <-trigger:
			w.rebuild(ctx, fsw)
		}
	}
}

func (w *Watcher) rebuild(ctx context.Context, fsw *fsnotify.Watcher) {
	if ctx.Err() != nil {
		return
	}
	inputs, err := w.build(ctx)
	if err != nil {
		slog.Error("Build failed, waiting for changes", logfields.Error(err))
	}
	if inputs == nil {
		inputs = w.current()
	}
	w.track(fsw, inputs)
}

func (w *Watcher) current() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inputs
}

// track points fsw at the directories of inputs and the root trees, and
// records the snapshot of inputs.
func (w *Watcher) track(fsw *fsnotify.Watcher, inputs []string) {
	want := w.rootDirs()
	for _, in := range inputs {
		if dir := filepath.Dir(in); !w.excluded(dir) {
			want[dir] = struct{}{}
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for dir := range w.dirs {
		if _, ok := want[dir]; !ok {
			_ = fsw.Remove(dir)
			delete(w.dirs, dir)
		}
	}
	for _, dir := range slices.Sorted(maps.Keys(want)) {
		if _, ok := w.dirs[dir]; ok {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			slog.Warn("Cannot watch directory", logfields.Path(dir), logfields.Error(err))
			continue
		}
		w.dirs[dir] = struct{}{}
	}
	w.inputs = append([]string(nil), inputs...)
	w.snap = Take(w.inputs)
	slog.Debug("Watching inputs", logfields.Count(len(w.inputs)), slog.Int("dirs", len(w.dirs)))
}

// rootDirs lists every directory below the roots, skipping hidden and
// excluded trees.
func (w *Watcher) rootDirs() map[string]struct{} {
	want := make(map[string]struct{})
	for _, root := range w.roots {
		if dir := existingAncestor(root); dir != root {
			want[dir] = struct{}{}
			continue
		}
		_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if (p != root && strings.HasPrefix(d.Name(), ".")) || w.excluded(p) {
				return filepath.SkipDir
			}
			want[p] = struct{}{}
			return nil
		})
	}
	return want
}

// forget drops a removed directory so that it is added again if recreated.
func (w *Watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.dirs, filepath.Clean(path))
}

func (w *Watcher) excluded(path string) bool {
	path = filepath.Clean(path)
	for _, ex := range w.exclude {
		if path == ex || strings.HasPrefix(path, ex+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func existingAncestor(path string) string {
	for {
		if isDir(path) {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func (w *Watcher) pollChanged() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := Take(w.inputs)
	if now.Equal(w.snap) {
		return false
	}
	w.snap = now
	return true
}

// Relevant reports whether ev is a content change to a file with one of exts.
func Relevant(ev fsnotify.Event, exts []string) bool {
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) &&
		!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(ev.Name))
	return slices.Contains(exts, ext)
}

// Snapshot maps each input to its modification time; missing inputs map to
// the zero time.
type Snapshot map[string]time.Time

// Take stats every path.
func Take(paths []string) Snapshot {
	s := make(Snapshot, len(paths))
	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil {
			s[p] = fi.ModTime()
		} else {
			s[p] = time.Time{}
		}
	}
	return s
}

// Equal reports whether s and o describe the same files and times.
func (s Snapshot) Equal(o Snapshot) bool {
	return maps.EqualFunc(s, o, func(a, b time.Time) bool { return a.Equal(b) })
}
