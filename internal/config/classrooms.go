package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/hualinli/proctor-node/internal/telemetry"
)

// Classroom is one entry of classrooms.json.
type Classroom struct {
	ID  int    `json:"id"`
	URL string `json:"url"`
}

// classroomsFile is the on-disk shape: `{"classrooms": [...]}`.
type classroomsFile struct {
	Classrooms []Classroom `json:"classrooms"`
}

// ClassroomStore holds the current classrooms.json contents in memory,
// refreshed by an fsnotify watcher so a POST /classrooms replace (or an
// operator editing the file directly) takes effect without a restart —
// grounded in the ariadida-style config hot-reload used across the
// ariadne example.
type ClassroomStore struct {
	path string

	mu    sync.RWMutex
	byID  map[int]Classroom

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewClassroomStore loads path once and starts watching it for changes.
func NewClassroomStore(path string) (*ClassroomStore, error) {
	s := &ClassroomStore{path: path, byID: map[int]Classroom{}, done: make(chan struct{})}
	if err := s.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("classrooms watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("classrooms watch dir: %w", err)
	}
	s.watcher = w
	go s.watch()
	return s, nil
}

func (s *ClassroomStore) watch() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				telemetry.L().Warn("classrooms: reload after fs event failed: %v", err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			telemetry.L().Warn("classrooms: watcher error: %v", err)
		case <-s.done:
			return
		}
	}
}

func (s *ClassroomStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read classrooms: %w", err)
	}
	var f classroomsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse classrooms: %w", err)
	}
	byID := make(map[int]Classroom, len(f.Classrooms))
	for _, c := range f.Classrooms {
		byID[c.ID] = c
	}
	s.mu.Lock()
	s.byID = byID
	s.mu.Unlock()
	return nil
}

// URL returns the configured URL for a classroom id, or false if unknown.
func (s *ClassroomStore) URL(id int) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	return c.URL, ok
}

// All returns a snapshot of every known classroom.
func (s *ClassroomStore) All() []Classroom {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Classroom, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c)
	}
	return out
}

// Replace atomically overwrites classrooms.json via a temp file + rename,
// per spec §6's "POST /classrooms (atomic replace via temp file +
// rename)", then reloads the in-memory view immediately (the fsnotify
// watcher will also fire, but reloading here avoids a race with a client
// reading right after its own POST completes).
func (s *ClassroomStore) Replace(classrooms []Classroom) error {
	data, err := json.MarshalIndent(classroomsFile{Classrooms: classrooms}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal classrooms: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write classrooms tmp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename classrooms: %w", err)
	}
	return s.reload()
}

// Close stops the watcher.
func (s *ClassroomStore) Close() {
	close(s.done)
	if s.watcher != nil {
		s.watcher.Close()
	}
}
