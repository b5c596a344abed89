package config

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	defaultDebounce    = 250 * time.Millisecond
	restartBackoffBase = 500 * time.Millisecond
	restartBackoffMax  = 30 * time.Second
)

// WatchOption customizes a Watcher.
type WatchOption func(*Watcher)

// WithDebounce sets how long the watcher waits after the last file event before reloading.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// Watcher reloads the config file on change and publishes the runtime subset.
type Watcher struct {
	path     string
	logger   zerolog.Logger
	debounce time.Duration

	mu       sync.RWMutex
	current  Runtime
	lastHash uint64

	// subsMu is held while sending so Unsubscribe never closes a channel mid-send.
	subsMu sync.Mutex
	subs   []chan Runtime
}

// NewWatcher watches the file cfg was loaded from.
func NewWatcher(cfg Config, logger zerolog.Logger, opts ...WatchOption) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, errors.New("config: watch requires CONFIG_FILE")
	}
	w := &Watcher{
		path:     cfg.Path,
		logger:   logger.With().Str("component", "config").Logger(),
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.commit(cfg.Runtime())
	return w, nil
}

// Current returns the last committed runtime settings.
func (w *Watcher) Current() Runtime {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe returns a channel receiving every accepted reload. Slow readers
// only see the newest value.
func (w *Watcher) Subscribe(buffer int) chan Runtime {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Runtime, buffer)
	w.subsMu.Lock()
	w.subs = append(w.subs, ch)
	w.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (w *Watcher) Unsubscribe(ch chan Runtime) {
	if ch == nil {
		return
	}
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	for i, s := range w.subs {
		if s == ch {
			last := len(w.subs) - 1
			w.subs[i] = w.subs[last]
			w.subs[last] = nil
			w.subs = w.subs[:last]
			close(ch)
			return
		}
	}
}

// Reload re-reads the file and publishes the runtime subset when it changed.
// It reports whether a new value was published.
func (w *Watcher) Reload() (bool, error) {
	cfg, err := LoadFile(w.path)
	if err != nil {
		return false, err
	}
	next := cfg.Runtime()
	h := hashRuntime(next)

	w.mu.RLock()
	unchanged := h != 0 && h == w.lastHash
	w.mu.RUnlock()
	if unchanged {
		return false, nil
	}
	w.commit(next)
	w.publish(next)
	return true, nil
}

// Run watches the config directory until ctx is done. The fsnotify watcher is
// recreated with backoff when it breaks.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := restartBackoffBase

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			if ctx.Err() != nil {
				return
			}
			published, err := w.Reload()
			switch {
			case err != nil:
				w.logger.Warn().Err(err).Str("path", w.path).Msg("config rejected")
			case published:
				w.logger.Info().Str("path", w.path).Msg("config reloaded")
			default:
				w.logger.Debug().Str("path", w.path).Msg("config unchanged")
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

	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.logger.Warn().Err(err).Str("dir", dir).Msg("config watch init failed")
			if !wait() {
				return nil
			}
			continue
		}
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			w.logger.Warn().Err(err).Str("dir", dir).Msg("config watch add failed")
			if !wait() {
				return nil
			}
			continue
		}
		backoff = restartBackoffBase
		w.logger.Debug().Str("dir", dir).Str("file", file).Msg("config watcher started")

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					schedule()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					w.logger.Warn().Err(err).Msg("config watch overflow; forcing reload")
					schedule()
					continue
				}
				w.logger.Warn().Err(err).Str("dir", dir).Msg("config watch error")
			}
		}
		_ = fw.Close()
		w.logger.Warn().Str("dir", dir).Msg("config watcher stopped; restarting")
		if !wait() {
			return nil
		}
	}
	return nil
}

func (w *Watcher) commit(r Runtime) {
	w.mu.Lock()
	w.current = r
	w.lastHash = hashRuntime(r)
	w.mu.Unlock()
}

func (w *Watcher) publish(r Runtime) {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- r:
			continue
		default:
		}
		// drop oldest, then deliver latest
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- r:
		default:
		}
	}
}

func hashRuntime(r Runtime) uint64 {
	b, err := json.Marshal(r)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
