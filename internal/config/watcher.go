package config

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"sync"
	"time"
)

// stamp identifies one version of the config file.
type stamp struct {
	mod  time.Time
	size int64
	sum  [sha256.Size]byte
}

// take stats path and hashes it only when mod time or size moved since prev.
func take(path string, prev stamp) (stamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return prev, err
	}
	s := stamp{mod: info.ModTime(), size: info.Size(), sum: prev.sum}
	if s.mod.Equal(prev.mod) && s.size == prev.size {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return prev, err
	}
	s.sum = sha256.Sum256(data)
	return s, nil
}

// Watcher polls the config file and calls onChange when its bytes change.
// Touching the file without editing it does nothing.
type Watcher struct {
	path     string
	every    time.Duration
	logger   *slog.Logger
	onChange func(path string)

	stopOnce sync.Once
	stop     chan struct{}
}

// NewWatcher returns a watcher polling path every interval.
func NewWatcher(path string, interval time.Duration, logger *slog.Logger, onChange func(path string)) *Watcher {
	return &Watcher{
		path:     path,
		every:    interval,
		logger:   logger.With("component", "config-watcher", "path", path),
		onChange: onChange,
		stop:     make(chan struct{}),
	}
}

// Start takes the current version as the baseline and polls in the
// background until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	last, err := take(w.path, stamp{})
	if err != nil {
		w.logger.Warn("config file unreadable, watching for it to appear", "error", err)
	}
	go func() {
		t := time.NewTicker(w.every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-t.C:
				last = w.poll(last)
			}
		}
	}()
}

func (w *Watcher) poll(last stamp) stamp {
	cur, err := take(w.path, last)
	if err != nil {
		w.logger.Warn("config file unreadable", "error", err)
		return last
	}
	if cur.sum != last.sum {
		w.logger.Info("config file edited")
		if w.onChange != nil {
			w.onChange(w.path)
		}
	}
	return cur
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}
