package config

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// TuningWatcher reloads the tuning file when it changes on disk and hands
// every new, valid version to its subscriber.
type TuningWatcher struct {
	path     string
	debounce time.Duration
	onChange func(*Tuning)
	log      zerolog.Logger

	mu       sync.Mutex
	current  *Tuning
	lastHash uint64
}

func NewTuningWatcher(path string, onChange func(*Tuning), log zerolog.Logger) *TuningWatcher {
	return &TuningWatcher{
		path:     path,
		debounce: 250 * time.Millisecond,
		onChange: onChange,
		log:      log.With().Str("component", "tuning").Str("path", path).Logger(),
	}
}

// Load reads the file once and records it as the current version.
func (w *TuningWatcher) Load() (*Tuning, error) {
	t, err := LoadTuning(w.path)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.current, w.lastHash = t, hashTuning(t)
	w.mu.Unlock()
	return t, nil
}

func (w *TuningWatcher) Current() *Tuning {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Watch blocks until ctx ends. Editors often write a file in several steps,
// so reloads are debounced; unparsable or unchanged content is skipped.
func (w *TuningWatcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir, file := filepath.Dir(w.path), filepath.Base(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}
	w.log.Debug().Msg("tuning watcher started")

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.reload)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("tuning watcher closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("tuning watcher closed")
			}
			w.log.Warn().Err(err).Msg("tuning watch error")
		}
	}
}

func (w *TuningWatcher) reload() {
	t, err := LoadTuning(w.path)
	if err != nil {
		w.log.Warn().Err(err).Msg("tuning reload rejected")
		return
	}
	h := hashTuning(t)

	w.mu.Lock()
	if h != 0 && h == w.lastHash {
		w.mu.Unlock()
		w.log.Debug().Msg("tuning unchanged")
		return
	}
	w.current, w.lastHash = t, h
	w.mu.Unlock()

	w.log.Info().Msg("tuning reloaded")
	if w.onChange != nil {
		w.onChange(t)
	}
}

func hashTuning(t *Tuning) uint64 {
	b, err := json.Marshal(t)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}
