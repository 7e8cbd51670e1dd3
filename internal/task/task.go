// Package task defines the task model and the registry that persists it.
package task

import (
	"errors"
	"time"
)

// Status represents the externally visible lifecycle state of a task.
// It is the sole failure signal a task exposes.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// Task is one independently configured image-to-stream pipeline.
//
// Identity (ID), Name and StreamURL are immutable after creation; the
// streaming engine only ever mutates Status and the cached ImageList.
type Task struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StreamURL string    `json:"stream_url"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ImagesDir string    `json:"images_dir"`
	ImageList []string  `json:"image_list"`
	Status    Status    `json:"status"`
}

var (
	// ErrNotFound is returned when a task ID does not exist in the registry.
	ErrNotFound = errors.New("task not found")
	// ErrDuplicateName is returned when creating a task with a name already in use.
	ErrDuplicateName = errors.New("task name already exists")
	// ErrLastImage is returned when removing the only remaining image of a task.
	ErrLastImage = errors.New("cannot remove the last image of a task")
)

// Registry holds task configuration and persists it. The streaming engine
// reads tasks and writes only the status field and the cached image list;
// the API layer additionally creates and deletes tasks and manages images.
//
// Implementations must serialize writes so a pump's periodic refresh and an
// operator-triggered upload cannot lose updates.
type Registry interface {
	Get(taskID string) (*Task, error)
	ListAll() []*Task
	SetStatus(taskID string, status Status) error
	SetImageList(taskID string, images []string) error

	Create(name, streamURL string, width, height int) (*Task, error)
	Delete(taskID string) error
	AddImage(taskID, filename string) error
	RemoveImage(taskID, filename string) error
}
