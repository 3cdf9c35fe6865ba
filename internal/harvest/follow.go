package harvest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ppiankov/runwatch/internal/correlate"
)

const followDebounce = 200 * time.Millisecond

// Follower tails an event log while the monitor is still writing it,
// handing each complete new record to a callback.
type Follower struct {
	path     string
	steps    *correlate.StepTimestamps
	handler  func(Event)
	log      *slog.Logger
	debounce time.Duration

	offset  int64
	partial []byte
}

// NewFollower creates a follower for path. steps may be nil.
func NewFollower(path string, steps *correlate.StepTimestamps, handler func(Event), log *slog.Logger) *Follower {
	if log == nil {
		log = slog.Default()
	}
	return &Follower{path: path, steps: steps, handler: handler, log: log, debounce: followDebounce}
}

// Run emits records already in the file, then watches for appends until ctx
// is cancelled. Malformed records are logged and skipped.
func (f *Follower) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory so the file may be created or replaced later.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return err
	}

	if err := f.drain(); err != nil {
		return err
	}

	timer := time.NewTimer(f.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return f.drain()

		case <-timer.C:
			if err := f.drain(); err != nil {
				return err
			}

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				f.offset, f.partial = 0, nil
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(f.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.log.Warn("watch error", "path", f.path, "error", err)
		}
	}
}

// drain reads everything appended since the last offset.
func (f *Follower) drain() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat event log: %w", err)
	}
	if info.Size() < f.offset {
		// Truncated: start over.
		f.offset, f.partial = 0, nil
	}
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek event log: %w", err)
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("read event log: %w", err)
	}
	f.offset += int64(len(data))

	buf := append(f.partial, data...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		f.emit(buf[:i])
		buf = buf[i+1:]
	}
	f.partial = append([]byte(nil), buf...)
	return nil
}

func (f *Follower) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	e, err := DecodeLine(line)
	if err == nil {
		err = correlateEvent(&e, f.steps, f.log)
	}
	if err != nil {
		f.log.Warn("skipping malformed event", "error", err)
		return
	}
	f.handler(e)
}
