// Package api exposes the fleet over HTTP: task CRUD, stream lifecycle,
// rotation navigation, and image management.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/go-av/image2rtsp/internal/frame"
	"github.com/go-av/image2rtsp/internal/pump"
	"github.com/go-av/image2rtsp/internal/source"
	"github.com/go-av/image2rtsp/internal/task"
)

// Pumps is the slice of the pump manager the handlers need.
type Pumps interface {
	Start(ctx context.Context, id string) error
	Stop(id string) error
	Restart(ctx context.Context, id string) error
	Forget(id string)
	Alive(id string) bool
	Snapshot(id string) (pump.Snapshot, error)
	Next(id string) (pump.Snapshot, error)
	Previous(id string) (pump.Snapshot, error)
	Goto(id string, index int) (pump.Snapshot, error)
	GotoName(id, name string) (pump.Snapshot, error)
}

// HealthFunc reports instance health for the health endpoint.
type HealthFunc func() map[string]any

// Server is the fleet HTTP server.
type Server struct {
	httpServer *http.Server
	registry   task.Registry
	pumps      Pumps
	health     HealthFunc

	maxUploadBytes int64
}

// NewServer wires the routes over a registry and pump manager.
func NewServer(addr string, registry task.Registry, pumps Pumps, health HealthFunc, maxUploadBytes int64) *Server {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 16 << 20
	}
	s := &Server{
		registry:       registry,
		pumps:          pumps,
		health:         health,
		maxUploadBytes: maxUploadBytes,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Post("/", s.handleCreateTask)

		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Delete("/", s.handleDeleteTask)
			r.Get("/status", s.handleTaskStatus)

			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Post("/restart", s.handleRestart)

			r.Post("/next", s.handleNext)
			r.Post("/prev", s.handlePrev)
			r.Post("/goto", s.handleGoto)

			r.Get("/images", s.handleListImages)
			r.Post("/images", s.handleUploadImage)
			r.Delete("/images/{imageName}", s.handleDeleteImage)
		})
	})

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("api listening", "addr", ln.Addr().String())
	err = s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// envelope is the uniform response shape.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

// writeErr maps domain errors onto HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrNotFound), errors.Is(err, pump.ErrImageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, task.ErrDuplicateName),
		errors.Is(err, pump.ErrAlreadyRunning):
		status = http.StatusConflict
	case errors.Is(err, task.ErrLastImage),
		errors.Is(err, pump.ErrNotRunning),
		errors.Is(err, pump.ErrNoImages):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, envelope{Success: false, Message: err.Error()})
}

func writeBadRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, envelope{Success: false, Message: fmt.Sprintf(format, args...)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{"status": "ok"}
	if s.health != nil {
		data = s.health()
	}
	writeOK(w, data)
}

// taskView augments the stored task with its live pump state.
func (s *Server) taskView(t *task.Task) map[string]any {
	return map[string]any{
		"id":         t.ID,
		"name":       t.Name,
		"stream_url": t.StreamURL,
		"width":      t.Width,
		"height":     t.Height,
		"status":     t.Status,
		"alive":      s.pumps.Alive(t.ID),
		"images":     len(t.ImageList),
		"created_at": t.CreatedAt,
		"updated_at": t.UpdatedAt,
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.registry.ListAll()
	views := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, s.taskView(t))
	}
	writeOK(w, views)
}

type createTaskRequest struct {
	Name      string `json:"name"`
	StreamURL string `json:"stream_url"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}
	if req.Name == "" || req.StreamURL == "" {
		writeBadRequest(w, "name and stream_url are required")
		return
	}
	if req.Width <= 0 || req.Height <= 0 {
		writeBadRequest(w, "width and height must be positive")
		return
	}

	t, err := s.registry.Create(req.Name, req.StreamURL, req.Width, req.Height)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: s.taskView(t)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.registry.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, s.taskView(t))
}

// handleDeleteTask stops the stream first so the encoder process never
// outlives its task.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if _, err := s.registry.Get(id); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.pumps.Stop(id); err != nil &&
		!errors.Is(err, pump.ErrNotRunning) && !errors.Is(err, task.ErrNotFound) {
		slog.Warn("failed to stop task before delete", "task_id", id, "error", err)
	}
	if err := s.registry.Delete(id); err != nil {
		writeErr(w, err)
		return
	}
	s.pumps.Forget(id)
	writeOK(w, map[string]string{"id": id})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	t, err := s.registry.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	snap, err := s.pumps.Snapshot(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{
		"id":       t.ID,
		"status":   t.Status,
		"alive":    snap.Running,
		"rotation": snap,
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if err := s.pumps.Start(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"id": id, "status": string(task.StatusRunning)})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if err := s.pumps.Stop(id); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"id": id, "status": string(task.StatusStopped)})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if err := s.pumps.Restart(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"id": id, "status": string(task.StatusRunning)})
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	snap, err := s.pumps.Next(chi.URLParam(r, "taskID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, snap)
}

func (s *Server) handlePrev(w http.ResponseWriter, r *http.Request) {
	snap, err := s.pumps.Previous(chi.URLParam(r, "taskID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, snap)
}

type gotoRequest struct {
	Index *int   `json:"index,omitempty"`
	Name  string `json:"name,omitempty"`
}

func (s *Server) handleGoto(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	var req gotoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}

	var (
		snap pump.Snapshot
		err  error
	)
	switch {
	case req.Name != "":
		snap, err = s.pumps.GotoName(id, req.Name)
	case req.Index != nil:
		snap, err = s.pumps.Goto(id, *req.Index)
	default:
		writeBadRequest(w, "either index or name is required")
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, snap)
}

// handleListImages serves the directory truth, refreshing the cached list
// on the way.
func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	t, err := s.registry.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	images := source.Sync(s.registry, t)
	if images == nil {
		images = []string{}
	}
	writeOK(w, images)
}

// handleUploadImage accepts a multipart file, validates that it is a
// supported format at exactly the task's resolution, and installs it in
// the task's image directory. The rotation picks it up on the next
// sequence refresh.
func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	t, err := s.registry.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeBadRequest(w, "invalid multipart request: %v", err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeBadRequest(w, "file field is required: %v", err)
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "." || name == "/" || strings.ContainsAny(name, "\\") {
		writeBadRequest(w, "invalid filename %q", header.Filename)
		return
	}
	if !frame.Supported(name) {
		writeBadRequest(w, "unsupported image format: %s", name)
		return
	}

	// Stage through a temp file so a failed validation never leaves a
	// partial frame where the rotation can pick it up.
	tmp, err := os.CreateTemp(t.ImagesDir, ".upload-*")
	if err != nil {
		writeErr(w, fmt.Errorf("failed to stage upload: %w", err))
		return
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		writeErr(w, fmt.Errorf("failed to store upload: %w", err))
		return
	}
	if err := tmp.Close(); err != nil {
		writeErr(w, fmt.Errorf("failed to store upload: %w", err))
		return
	}

	width, height, err := frame.Dimensions(tmpName)
	if err != nil {
		writeBadRequest(w, "unreadable image: %v", err)
		return
	}
	if width != t.Width || height != t.Height {
		writeBadRequest(w, "image is %dx%d, task requires %dx%d",
			width, height, t.Width, t.Height)
		return
	}

	dst := filepath.Join(t.ImagesDir, name)
	if err := os.Rename(tmpName, dst); err != nil {
		writeErr(w, fmt.Errorf("failed to install image: %w", err))
		return
	}
	if err := s.registry.AddImage(id, name); err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("image uploaded", "task_id", id, "image", name,
		"resolution", fmt.Sprintf("%dx%d", width, height))
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: map[string]string{"image": name}})
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	name := filepath.Base(chi.URLParam(r, "imageName"))

	t, err := s.registry.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.registry.RemoveImage(id, name); err != nil {
		writeErr(w, err)
		return
	}
	if err := os.Remove(filepath.Join(t.ImagesDir, name)); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove image file", "task_id", id, "image", name, "error", err)
	}
	writeOK(w, map[string]string{"image": name})
}
