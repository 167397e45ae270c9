package schedule

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "autopost/pkg/logx"
)

// Watcher signals changes to the schedule file. Signals coalesce: at most
// one is pending at a time.
type Watcher struct {
	path     string
	debounce time.Duration
	log      logx.Logger
	ch       chan struct{}
}

func NewWatcher(path string, debounce time.Duration, log logx.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &Watcher{
		path:     path,
		debounce: debounce,
		log:      log.With(logx.String("comp", "schedule.watch")),
		ch:       make(chan struct{}, 1),
	}
}

// C is signaled after the file settles following a change.
func (w *Watcher) C() <-chan struct{} { return w.ch }

func (w *Watcher) notify() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// Run watches the parent directory (editors and Save replace the file by
// rename) until ctx is done. The watcher is recreated if it breaks.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	trigger := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.notify)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	backoff := 250 * time.Millisecond
	for ctx.Err() == nil {
		fw, err := fsnotify.NewWatcher()
		if err == nil {
			if err = fw.Add(dir); err != nil {
				_ = fw.Close()
			}
		}
		if err != nil {
			w.log.Warn("schedule watch failed; retrying", logx.String("dir", dir), logx.Duration("backoff", backoff), logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 5*time.Second)
			continue
		}
		backoff = 250 * time.Millisecond
		w.log.Debug("schedule watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					continue
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					trigger()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					continue
				}
				if err != nil {
					w.log.Warn("schedule watch error", logx.Err(err))
					// Missed events are possible; wake the loop once.
					trigger()
				}
			}
		}
		_ = fw.Close()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
	return nil
}
