// Package source resolves the ordered image sequence of a task from its
// content directory. The directory listing is authoritative; the cached list
// in the registry is a denormalized read cache refreshed on demand.
package source

import (
	"log/slog"
	"os"
	"sort"

	"github.com/go-av/image2rtsp/internal/frame"
	"github.com/go-av/image2rtsp/internal/task"
)

// List returns the lexicographically sorted image filenames in dir with a
// supported extension. A missing directory or read failure yields an empty
// sequence, never an error: directory problems are a content condition, not
// a pump fault.
func List(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("failed to read images directory, treating as empty",
			"dir", dir,
			"error", err,
		)
		return nil
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if frame.Supported(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// Sync lists the task's directory and refreshes the registry's cached image
// list. Registry write failures are already absorbed by the store; the
// directory listing is returned either way.
func Sync(reg task.Registry, t *task.Task) []string {
	names := List(t.ImagesDir)
	if err := reg.SetImageList(t.ID, names); err != nil {
		slog.Warn("failed to update cached image list",
			"task_id", t.ID,
			"error", err,
		)
	}
	return names
}
