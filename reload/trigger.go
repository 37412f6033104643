package reload

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/policyhost/internal/logctx"
	"github.com/ggoodman/policyhost/module"
)

// Signal asks for kinds to be reloaded. An empty Kinds means every kind.
type Signal struct {
	Kinds []module.Kind `json:"kinds,omitempty"`
	// Origin identifies the node that emitted the signal, if any.
	Origin string `json:"origin,omitempty"`
}

// Trigger is an event source for reloads. Watch sends signals until ctx is
// done, then returns nil; any other return is a trigger failure.
type Trigger interface {
	Watch(ctx context.Context, signals chan<- Signal) error
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(ctx context.Context, signals chan<- Signal) error

func (f TriggerFunc) Watch(ctx context.Context, signals chan<- Signal) error {
	return f(ctx, signals)
}

func send(ctx context.Context, signals chan<- Signal, sig Signal) bool {
	select {
	case signals <- sig:
		return true
	case <-ctx.Done():
		return false
	}
}

// PollTrigger requests a reload of every kind at a fixed interval.
type PollTrigger struct {
	Interval time.Duration
}

func (p PollTrigger) Watch(ctx context.Context, signals chan<- Signal) error {
	if p.Interval <= 0 {
		return errors.New("reload: poll interval must be positive")
	}
	t := time.NewTicker(p.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if !send(ctx, signals, Signal{}) {
				return nil
			}
		}
	}
}

// DefaultDebounce coalesces bursts of file events, such as an editor's
// write-rename sequence.
const DefaultDebounce = 250 * time.Millisecond

// FileTrigger watches a directory laid out as <dir>/<kind>/<file> and
// requests a reload of a kind when anything inside its directory changes.
type FileTrigger struct {
	Dir        string
	Debounce   time.Duration
	LogHandler slog.Handler
}

func (f FileTrigger) Watch(ctx context.Context, signals chan<- Signal) error {
	log := slog.New(logctx.Wrap(f.LogHandler))
	root, err := filepath.Abs(f.Dir)
	if err != nil {
		return err
	}
	debounce := f.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		_ = w.Close()
	}()

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
	if err != nil {
		return err
	}

	pending := newKindDebouncer(debounce, func(kind module.Kind) {
		send(ctx, signals, Signal{Kinds: []module.Kind{kind}})
	})
	defer pending.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			kind, ok := kindOf(root, ev.Name)
			if !ok {
				continue
			}
			if ev.Op&fsnotify.Create == fsnotify.Create {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.Add(ev.Name)
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				pending.trigger(kind)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "file watch error", slog.String("dir", root), slog.String("err", err.Error()))
		}
	}
}

// kindOf maps a path below root to the kind directory containing it.
// Hidden entries and temporary files are ignored.
func kindOf(root, name string) (module.Kind, bool) {
	rel, err := filepath.Rel(root, name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for _, p := range parts {
		if strings.HasPrefix(p, ".") {
			return "", false
		}
	}
	kind, err := module.ParseKind(parts[0])
	if err != nil {
		return "", false
	}
	return kind, true
}

type kindDebouncer struct {
	mu       sync.Mutex
	interval time.Duration
	timers   map[module.Kind]*time.Timer
	fire     func(module.Kind)
	stopped  bool
}

func newKindDebouncer(interval time.Duration, fire func(module.Kind)) *kindDebouncer {
	return &kindDebouncer{interval: interval, timers: map[module.Kind]*time.Timer{}, fire: fire}
}

// trigger (re)starts the timer of kind; the last event of a burst wins.
func (d *kindDebouncer) trigger(kind module.Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if t, ok := d.timers[kind]; ok {
		t.Reset(d.interval)
		return
	}
	d.timers[kind] = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		delete(d.timers, kind)
		stopped := d.stopped
		d.mu.Unlock()
		if !stopped {
			d.fire(kind)
		}
	})
}

func (d *kindDebouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for k, t := range d.timers {
		t.Stop()
		delete(d.timers, k)
	}
}
