package state

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "xrelay/pkg/logx"
)

// Watch reloads the record when the state file is edited by someone else
// (for example an operator clearing last_post_id by hand). Our own atomic
// writes are recognized by content hash and ignored.
//
// onChange, if non-nil, receives the reloaded record. Watch blocks until ctx
// is done.
func (s *Store) Watch(ctx context.Context, onChange func(Record)) error {
	dir := filepath.Dir(s.path)
	file := filepath.Base(s.path)

	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		return wait
	}

	// debounce to avoid reading partial writes from editors
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			if ctx.Err() != nil {
				return
			}
			changed, err := s.reload()
			if err != nil {
				s.log.Warn("state reload failed; keeping current record", logx.String("path", s.path), logx.Err(err))
				return
			}
			if !changed {
				return
			}
			rec := s.Snapshot()
			s.log.Info("state reloaded from disk",
				logx.String("path", s.path),
				logx.String("account", rec.Handle()),
				logx.String("channel", rec.Destination()),
				logx.String("last_post_id", rec.Cursor()),
			)
			if onChange != nil {
				onChange(rec)
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			s.log.Warn("state watch init failed", logx.String("dir", dir), logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(nextWait()):
				continue
			}
		}
		backoff = restartBackoffBase
		s.log.Debug("state watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err != nil {
					s.log.Warn("state watch error", logx.String("dir", dir), logx.Err(err))
				}
			}
		}

		_ = w.Close()
		wait := nextWait()
		s.log.Warn("state watcher stopped; restarting", logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
