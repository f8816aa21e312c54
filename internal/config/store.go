// Package config holds the hot-reloadable threshold configuration: an
// atomically swapped snapshot with a monotonic generation counter, a file
// reloader, and the process environment settings.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Known top-level sections; anything else in a config file is ignored with
// a warning.
var knownSections = map[string]bool{
	"liquidation": true,
	"oi":          true,
	"volume":      true,
	"cascade":     true,
	"alerts":      true,
	"discovery":   true,
}

// Snapshot is one immutable configuration generation. Readers hold the
// pointer for the duration of a computation; no in-flight work observes a
// torn config.
type Snapshot struct {
	Generation uint64
	Sections   map[string]json.RawMessage
	LoadedAt   time.Time
}

// Section decodes one section into out; missing sections leave out
// untouched and report false.
func (s *Snapshot) Section(name string, out any) (bool, error) {
	raw, ok := s.Sections[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("config section %q: %w", name, err)
	}
	return true, nil
}

// Store is the swap-on-reload configuration holder.
type Store struct {
	current atomic.Pointer[Snapshot]
	raw     atomic.Pointer[[]byte] // last accepted merged content
	log     zerolog.Logger
}

// NewStore starts at generation 0 with an empty snapshot.
func NewStore(log zerolog.Logger) *Store {
	s := &Store{log: log}
	s.current.Store(&Snapshot{Sections: map[string]json.RawMessage{}, LoadedAt: time.Now().UTC()})
	empty := []byte(nil)
	s.raw.Store(&empty)
	return s
}

// Current returns the active snapshot. The returned value is immutable.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Generation returns the active generation number.
func (s *Store) Generation() uint64 {
	return s.current.Load().Generation
}

// Apply merges the given documents (one per file, in path order) and swaps
// the snapshot in. Content identical to the active generation is a no-op:
// the generation does not bump. A malformed document is rejected whole and
// the previous generation stays active.
func (s *Store) Apply(docs ...[]byte) error {
	merged := bytes.Join(docs, []byte{'\n'})
	if prev := s.raw.Load(); prev != nil && bytes.Equal(*prev, merged) {
		return nil
	}

	sections := make(map[string]json.RawMessage)
	for _, doc := range docs {
		if len(bytes.TrimSpace(doc)) == 0 {
			continue
		}
		var top map[string]json.RawMessage
		if err := json.Unmarshal(doc, &top); err != nil {
			return fmt.Errorf("%s: %w", "malformed config document", err)
		}
		for key, raw := range top {
			if !knownSections[key] {
				s.log.Warn().Str("section", key).Msg("ignoring unrecognized config section")
				continue
			}
			sections[key] = raw
		}
	}

	next := &Snapshot{
		Generation: s.current.Load().Generation + 1,
		Sections:   sections,
		LoadedAt:   time.Now().UTC(),
	}
	s.current.Store(next)
	s.raw.Store(&merged)
	s.log.Info().Uint64("generation", next.Generation).
		Int("sections", len(sections)).Msg("configuration applied")
	return nil
}

// Reloader polls configuration files and applies changes.
type Reloader struct {
	store    *Store
	paths    []string
	interval time.Duration
	log      zerolog.Logger

	// OnError, when set, is invoked once per failed reload attempt.
	OnError func()

	lastErr string // last reported failure, to surface CONFIG_ERROR once
}

// NewReloader watches paths at the given interval (default 300s).
func NewReloader(store *Store, paths []string, interval time.Duration, log zerolog.Logger) *Reloader {
	if interval <= 0 {
		interval = 300 * time.Second
	}
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	return &Reloader{store: store, paths: sorted, interval: interval, log: log}
}

// LoadOnce reads and applies every watched file immediately. YAML files are
// converted to the JSON document form before the swap.
func (r *Reloader) LoadOnce() error {
	docs := make([][]byte, 0, len(r.paths))
	for _, path := range r.paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			data, err = yamlToJSON(data)
			if err != nil {
				return fmt.Errorf("config %s: %w", path, err)
			}
		}
		docs = append(docs, data)
	}
	return r.store.Apply(docs...)
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("malformed yaml: %w", err)
	}
	return json.Marshal(doc)
}

// Run polls until the done channel closes. Failures keep the previous
// generation active and are logged once per distinct error.
func (r *Reloader) Run(done <-chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := r.LoadOnce(); err != nil {
				if r.OnError != nil {
					r.OnError()
				}
				if msg := err.Error(); msg != r.lastErr {
					r.lastErr = msg
					r.log.Error().Err(err).Str("error_kind", "CONFIG_ERROR").
						Msg("config reload failed, previous generation stays active")
				}
				continue
			}
			r.lastErr = ""
		}
	}
}
