// Package pump drives one frame loop per running task: it decodes the
// image at the cursor and feeds it to the task's encoder process at the
// configured rate. The cursor holds its position until navigated.
//
// Each task owns exactly one goroutine and one encoder process. A pump
// failure marks its own task in error and touches nothing else; recovery
// is the supervisor's job.
package pump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-av/image2rtsp/internal/encoder"
	"github.com/go-av/image2rtsp/internal/source"
	"github.com/go-av/image2rtsp/internal/task"
)

var (
	// ErrAlreadyRunning is returned by Start when the task already has a
	// live pump.
	ErrAlreadyRunning = errors.New("task is already running")
	// ErrNotRunning is returned when stopping a task that has no live pump.
	ErrNotRunning = errors.New("task is not running")
	// ErrNoImages is returned when the task's image directory holds no
	// usable frames.
	ErrNoImages = errors.New("task has no images")
	// ErrImageNotFound is returned by GotoName for an unknown image.
	ErrImageNotFound = errors.New("image not in sequence")
)

// FrameWriter is the slice of the encoder handle the pump needs.
type FrameWriter interface {
	WriteFrame(buf []byte) error
	Close()
}

// OpenFunc spawns an encoder process for a config.
type OpenFunc func(cfg encoder.Config) (FrameWriter, error)

// ListFunc enumerates the usable image filenames in a directory, sorted.
type ListFunc func(dir string) []string

// DecodeFunc loads an image file as a packed BGR24 buffer for the given
// resolution.
type DecodeFunc func(path string, width, height int) ([]byte, error)

// StatusListener observes task status transitions. Called outside the
// per-task lock; implementations must not call back into the Manager's
// task operations synchronously.
type StatusListener func(taskID string, status task.Status)

// Config carries the per-pump tunables.
type Config struct {
	FrameRate       time.Duration // interval between frames
	RefreshInterval time.Duration // interval between sequence re-lists
	StopTimeout     time.Duration // bound on Stop waiting for loop exit
	Encoder         encoder.Config
}

// Manager owns the pump lifecycle for the whole task fleet.
type Manager struct {
	cfg      Config
	registry task.Registry
	open     OpenFunc
	list     ListFunc
	decode   DecodeFunc
	listener StatusListener

	mu    sync.Mutex
	tasks map[string]*runState
}

// runState is the live state of one task's pump. desired records the
// declared intent to stream: it stays true across crashes so the
// supervisor can tell a failed stream from a stopped one, and flips false
// only on an explicit stop or a recovery give-up.
type runState struct {
	mu       sync.Mutex
	sequence []string
	index    int

	desired bool
	cancel  context.CancelFunc
	done    chan struct{}

	cooldownUntil time.Time
	retries       int
}

// Option tailors a Manager, mainly for tests.
type Option func(*Manager)

// WithOpener replaces the encoder spawn function.
func WithOpener(open OpenFunc) Option {
	return func(m *Manager) { m.open = open }
}

// WithLister replaces the image directory lister.
func WithLister(list ListFunc) Option {
	return func(m *Manager) { m.list = list }
}

// WithDecoder replaces the image decoder.
func WithDecoder(decode DecodeFunc) Option {
	return func(m *Manager) { m.decode = decode }
}

// WithStatusListener registers a status transition observer.
func WithStatusListener(l StatusListener) Option {
	return func(m *Manager) { m.listener = l }
}

// NewManager creates a pump manager over a task registry.
func NewManager(cfg Config, registry task.Registry, opts ...Option) (*Manager, error) {
	if registry == nil {
		return nil, fmt.Errorf("pump: registry is required")
	}
	if cfg.FrameRate <= 0 {
		return nil, fmt.Errorf("pump: frame interval must be positive")
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}

	m := &Manager{
		cfg:      cfg,
		registry: registry,
		tasks:    make(map[string]*runState),
	}
	m.open = func(ec encoder.Config) (FrameWriter, error) {
		return encoder.Open(ec)
	}
	m.list = source.List
	for _, opt := range opts {
		opt(m)
	}
	if m.decode == nil {
		return nil, fmt.Errorf("pump: decoder is required")
	}
	return m, nil
}

// state returns the runState for a task, creating it on first use.
func (m *Manager) state(id string) *runState {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.tasks[id]
	if !ok {
		rs = &runState{}
		m.tasks[id] = rs
	}
	return rs
}

// Forget drops the run state for a deleted task.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()
}

func (m *Manager) setStatus(id string, st task.Status) {
	if err := m.registry.SetStatus(id, st); err != nil && !errors.Is(err, task.ErrNotFound) {
		slog.Warn("failed to persist task status", "task_id", id, "status", st, "error", err)
	}
	if m.listener != nil {
		m.listener(id, st)
	}
}

// Start launches the pump for a task. The sequence is listed and the
// encoder opened before the loop goroutine exists, so a failed start never
// leaves a half-running task behind.
func (m *Manager) Start(ctx context.Context, id string) error {
	t, err := m.registry.Get(id)
	if err != nil {
		return err
	}

	rs := m.state(id)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.aliveLocked() {
		return ErrAlreadyRunning
	}

	sequence := m.list(t.ImagesDir)
	if len(sequence) == 0 {
		m.setStatus(id, task.StatusError)
		return fmt.Errorf("%w: %s", ErrNoImages, t.ImagesDir)
	}

	ec := m.cfg.Encoder
	ec.URL = t.StreamURL
	ec.Width = t.Width
	ec.Height = t.Height
	enc, err := m.open(ec)
	if err != nil {
		m.setStatus(id, task.StatusError)
		return fmt.Errorf("start task %s: %w", id, err)
	}

	rs.sequence = sequence
	if rs.index >= len(sequence) {
		rs.index = 0
	}
	rs.desired = true
	// The retry counter is deliberately not touched here: a start that
	// succeeds and then crashes must still consume the retry budget. The
	// supervisor clears it once it observes the stream alive.
	rs.cooldownUntil = time.Time{}

	loopCtx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.done = make(chan struct{})

	m.setStatus(id, task.StatusRunning)
	m.registry.SetImageList(id, sequence)

	go m.run(loopCtx, id, t, rs, enc)

	slog.Info("pump started", "task_id", id, "name", t.Name, "images", len(sequence))
	return nil
}

// run is the per-task frame loop. It owns the encoder handle and always
// closes it on the way out.
func (m *Manager) run(ctx context.Context, id string, t *task.Task, rs *runState, enc FrameWriter) {
	defer close(rs.done)
	defer enc.Close()

	interval := m.cfg.FrameRate
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	next := time.Now()
	lastRefresh := next

	for {
		if time.Since(lastRefresh) >= m.cfg.RefreshInterval {
			m.refresh(id, t, rs)
			lastRefresh = time.Now()
		}

		// The same image is re-emitted every tick; the cursor moves only
		// through explicit navigation.
		path, ok := m.currentFrame(t, rs)
		if ok {
			buf, err := m.decode(path, t.Width, t.Height)
			if err != nil {
				// A single bad file must not kill the stream; the tick
				// is skipped.
				slog.Warn("frame decode failed, skipping",
					"task_id", id, "path", path, "error", err)
			} else if err := enc.WriteFrame(buf); err != nil {
				slog.Error("frame write failed, stopping pump",
					"task_id", id, "error", err)
				m.setStatus(id, task.StatusError)
				return
			}
		}

		next = next.Add(interval)
		wait := time.Until(next)
		if wait < 0 {
			// Fell behind (slow decode, process stall): realign to the
			// present instead of bursting to catch up.
			next = time.Now()
			wait = 0
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// currentFrame returns the path of the frame at the rotation cursor.
func (m *Manager) currentFrame(t *task.Task, rs *runState) (string, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.sequence) == 0 {
		return "", false
	}
	if rs.index >= len(rs.sequence) {
		rs.index = 0
	}
	return t.ImagesDir + "/" + rs.sequence[rs.index], true
}

// refresh re-lists the image directory and swaps in the new sequence. An
// empty listing keeps the previous sequence: the stream stays up on the
// last known frames rather than going dark on a transient directory state.
func (m *Manager) refresh(id string, t *task.Task, rs *runState) {
	sequence := m.list(t.ImagesDir)
	if len(sequence) == 0 {
		slog.Warn("image refresh found no frames, keeping previous sequence",
			"task_id", id, "dir", t.ImagesDir)
		return
	}

	rs.mu.Lock()
	changed := !equalSeq(rs.sequence, sequence)
	rs.sequence = sequence
	if rs.index >= len(sequence) {
		rs.index = 0
	}
	rs.mu.Unlock()

	if changed {
		m.registry.SetImageList(id, sequence)
		slog.Debug("image sequence refreshed", "task_id", id, "images", len(sequence))
	}
}

func equalSeq(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Stop cancels a task's pump, waits for the loop to exit, and records the
// stopped status. Stopping a task with no live pump fails with
// ErrNotRunning and leaves the persisted status alone, so an errored task
// does not silently read as cleanly stopped; streaming intent is cleared
// either way.
func (m *Manager) Stop(id string) error {
	if _, err := m.registry.Get(id); err != nil {
		return err
	}

	rs := m.state(id)
	rs.mu.Lock()
	rs.desired = false
	alive := rs.aliveLocked()
	cancel := rs.cancel
	done := rs.done
	rs.cancel = nil
	rs.mu.Unlock()

	// cancel is nil when a concurrent Stop already claimed the teardown.
	if !alive || cancel == nil {
		return ErrNotRunning
	}

	cancel()
	select {
	case <-done:
	case <-time.After(m.cfg.StopTimeout):
		slog.Warn("pump did not exit within stop timeout", "task_id", id,
			"timeout", m.cfg.StopTimeout)
	}

	m.setStatus(id, task.StatusStopped)
	slog.Info("pump stopped", "task_id", id)
	return nil
}

// Restart is a stop followed by a fresh start. A task that was not
// running is simply started.
func (m *Manager) Restart(ctx context.Context, id string) error {
	if err := m.Stop(id); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return m.Start(ctx, id)
}

// aliveLocked reports whether the loop goroutine is still running. Caller
// holds rs.mu.
func (rs *runState) aliveLocked() bool {
	if rs.done == nil {
		return false
	}
	select {
	case <-rs.done:
		return false
	default:
		return true
	}
}

// Alive reports whether a task currently has a live pump goroutine.
func (m *Manager) Alive(id string) bool {
	rs := m.state(id)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.aliveLocked()
}

// Desired reports whether the task is supposed to be streaming, regardless
// of whether its pump is currently alive.
func (m *Manager) Desired(id string) bool {
	rs := m.state(id)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.desired
}

// MarkError records the error status for a task without touching its
// streaming intent. Used when recovery parks a task in cooldown.
func (m *Manager) MarkError(id string) {
	m.setStatus(id, task.StatusError)
}

// Retries returns the consecutive recovery attempt count for a task.
func (m *Manager) Retries(id string) int {
	rs := m.state(id)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.retries
}

// BumpRetries increments and returns the recovery attempt count.
func (m *Manager) BumpRetries(id string) int {
	rs := m.state(id)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.retries++
	return rs.retries
}

// ResetRetries clears the recovery attempt count for a stream that has
// been observed healthy.
func (m *Manager) ResetRetries(id string) {
	rs := m.state(id)
	rs.mu.Lock()
	rs.retries = 0
	rs.mu.Unlock()
}

// SetCooldown suspends recovery for a task until the given time.
func (m *Manager) SetCooldown(id string, until time.Time) {
	rs := m.state(id)
	rs.mu.Lock()
	rs.cooldownUntil = until
	rs.retries = 0
	rs.mu.Unlock()
}

// InCooldown reports whether recovery for a task is currently suspended.
func (m *Manager) InCooldown(id string, now time.Time) bool {
	rs := m.state(id)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return now.Before(rs.cooldownUntil)
}

// Snapshot describes the live rotation position of a running task.
type Snapshot struct {
	Running bool   `json:"running"`
	Index   int    `json:"index"`
	Count   int    `json:"count"`
	Current string `json:"current,omitempty"`
}

// Snapshot reports the rotation cursor of a task's pump.
func (m *Manager) Snapshot(id string) (Snapshot, error) {
	if _, err := m.registry.Get(id); err != nil {
		return Snapshot{}, err
	}
	rs := m.state(id)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	snap := Snapshot{
		Running: rs.aliveLocked(),
		Index:   rs.index,
		Count:   len(rs.sequence),
	}
	if rs.index < len(rs.sequence) {
		snap.Current = rs.sequence[rs.index]
	}
	return snap, nil
}

// navigate re-syncs the sequence from disk, then applies fn to the cursor.
// All navigation is modulo the sequence length; an empty sequence fails the
// call and leaves the cursor untouched. The cursor exists independently of
// the pump goroutine, so navigation works on stopped tasks too and a later
// start resumes from the chosen image.
func (m *Manager) navigate(id string, fn func(index int, seq []string) (int, error)) (Snapshot, error) {
	t, err := m.registry.Get(id)
	if err != nil {
		return Snapshot{}, err
	}

	rs := m.state(id)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if sequence := m.list(t.ImagesDir); len(sequence) > 0 {
		rs.sequence = sequence
	}
	count := len(rs.sequence)
	if count == 0 {
		return Snapshot{}, ErrNoImages
	}
	if rs.index >= count {
		rs.index = 0
	}

	index, err := fn(rs.index, rs.sequence)
	if err != nil {
		return Snapshot{}, err
	}
	rs.index = ((index % count) + count) % count

	return Snapshot{
		Running: rs.aliveLocked(),
		Index:   rs.index,
		Count:   count,
		Current: rs.sequence[rs.index],
	}, nil
}

// Next advances the rotation cursor by one image.
func (m *Manager) Next(id string) (Snapshot, error) {
	return m.navigate(id, func(index int, _ []string) (int, error) {
		return index + 1, nil
	})
}

// Previous moves the rotation cursor back by one image.
func (m *Manager) Previous(id string) (Snapshot, error) {
	return m.navigate(id, func(index int, _ []string) (int, error) {
		return index - 1, nil
	})
}

// Goto positions the rotation cursor at an absolute index.
func (m *Manager) Goto(id string, index int) (Snapshot, error) {
	return m.navigate(id, func(_ int, seq []string) (int, error) {
		if index < 0 || index >= len(seq) {
			return 0, fmt.Errorf("index %d out of range [0,%d)", index, len(seq))
		}
		return index, nil
	})
}

// GotoName positions the rotation cursor at a named image.
func (m *Manager) GotoName(id, name string) (Snapshot, error) {
	return m.navigate(id, func(_ int, seq []string) (int, error) {
		for i, img := range seq {
			if img == name {
				return i, nil
			}
		}
		return 0, fmt.Errorf("%w: %s", ErrImageNotFound, name)
	})
}

// RunningIDs lists the task IDs with a live pump.
func (m *Manager) RunningIDs() []string {
	m.mu.Lock()
	states := make(map[string]*runState, len(m.tasks))
	for id, rs := range m.tasks {
		states[id] = rs
	}
	m.mu.Unlock()

	var ids []string
	for id, rs := range states {
		rs.mu.Lock()
		alive := rs.aliveLocked()
		rs.mu.Unlock()
		if alive {
			ids = append(ids, id)
		}
	}
	return ids
}

// StopAll stops every live pump. Used on shutdown after intake and
// recovery are already quiesced.
func (m *Manager) StopAll() {
	for _, id := range m.RunningIDs() {
		if err := m.Stop(id); err != nil && !errors.Is(err, ErrNotRunning) {
			slog.Warn("failed to stop pump on shutdown", "task_id", id, "error", err)
		}
	}
}
