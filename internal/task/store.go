package task

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is a Registry backed by a single JSON file under the data directory.
//
// All mutations run under one mutex and are persisted immediately; a failed
// save is logged and the in-memory view stays authoritative, so registry I/O
// problems never crash a pump loop.
type Store struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	dataDir  string
	filePath string
}

// NewStore loads (or creates) the task file under dataDir.
// All statuses are reset to stopped: after a process restart no pump is alive,
// whatever the file says.
func NewStore(dataDir string) (*Store, error) {
	s := &Store{
		tasks:    make(map[string]*Task),
		dataDir:  dataDir,
		filePath: filepath.Join(dataDir, "tasks.json"),
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	data, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		if err := s.save(); err != nil {
			return nil, err
		}
		slog.Info("created empty task file", "path", s.filePath)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	if err := json.Unmarshal(data, &s.tasks); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}

	for _, t := range s.tasks {
		t.Status = StatusStopped
	}
	if err := s.save(); err != nil {
		return nil, err
	}

	slog.Info("task registry loaded",
		"count", len(s.tasks),
		"path", s.filePath,
	)
	return s, nil
}

// save writes the task map to disk. Caller must hold the write lock.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tasks: %w", err)
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write task file: %w", err)
	}
	return os.Rename(tmp, s.filePath)
}

// persist saves and logs failures without propagating them.
func (s *Store) persist() {
	if err := s.save(); err != nil {
		slog.Error("failed to persist task registry, keeping in-memory state",
			"error", err,
			"path", s.filePath,
		)
	}
}

// Get returns a copy of the task, so callers never alias registry state.
func (s *Store) Get(taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	cp.ImageList = append([]string(nil), t.ImageList...)
	return &cp, nil
}

// ListAll returns copies of all tasks sorted by creation time.
func (s *Store) ListAll() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		cp.ImageList = append([]string(nil), t.ImageList...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SetStatus updates the status field of a task.
func (s *Store) SetStatus(taskID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	s.persist()
	return nil
}

// SetImageList replaces the cached image list of a task.
func (s *Store) SetImageList(taskID string, images []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	t.ImageList = append([]string(nil), images...)
	t.UpdatedAt = time.Now()
	s.persist()
	return nil
}

// Create registers a new task and provisions its image directory.
func (s *Store) Create(name, streamURL string, width, height int) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.Name == name {
			return nil, ErrDuplicateName
		}
	}

	id := uuid.NewString()
	imagesDir := filepath.Join(s.dataDir, "tasks", id, "images")
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create images dir: %w", err)
	}

	now := time.Now()
	t := &Task{
		ID:        id,
		Name:      name,
		StreamURL: streamURL,
		Width:     width,
		Height:    height,
		CreatedAt: now,
		UpdatedAt: now,
		ImagesDir: imagesDir,
		ImageList: []string{},
		Status:    StatusStopped,
	}
	s.tasks[id] = t
	s.persist()

	slog.Info("task created",
		"task_id", id,
		"name", name,
		"stream_url", streamURL,
		"resolution", fmt.Sprintf("%dx%d", width, height),
	)

	cp := *t
	return &cp, nil
}

// Delete removes a task and its on-disk content directory.
func (s *Store) Delete(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	delete(s.tasks, taskID)
	s.persist()

	taskDir := filepath.Dir(t.ImagesDir)
	if err := os.RemoveAll(taskDir); err != nil {
		slog.Error("failed to remove task directory", "task_id", taskID, "error", err)
	}

	slog.Info("task deleted", "task_id", taskID, "name", t.Name)
	return nil
}

// AddImage appends a filename to the cached image list if not present.
func (s *Store) AddImage(taskID, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	for _, name := range t.ImageList {
		if name == filename {
			return nil
		}
	}
	t.ImageList = append(t.ImageList, filename)
	sort.Strings(t.ImageList)
	t.UpdatedAt = time.Now()
	s.persist()
	return nil
}

// RemoveImage removes a filename from the cached image list. Removing the
// last remaining image is always refused, regardless of caller.
func (s *Store) RemoveImage(taskID, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if len(t.ImageList) <= 1 {
		return ErrLastImage
	}
	for i, name := range t.ImageList {
		if name == filename {
			t.ImageList = append(t.ImageList[:i], t.ImageList[i+1:]...)
			t.UpdatedAt = time.Now()
			s.persist()
			return nil
		}
	}
	return fmt.Errorf("image %q not in task %s", filename, taskID)
}
