// Package encoder owns the external ffmpeg process for one running task:
// spawn, feed raw frames on stdin, drain stderr, and tear down with a
// bounded grace period.
//
// The process contract: ffmpeg accepts width*height*3-byte BGR24 frames on
// standard input at a fixed rate and pushes an H.264 RTSP stream to the
// task's endpoint over TCP. Codec internals are configuration, not logic.
package encoder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrFrameSize is returned when a frame buffer does not match
	// width*height*3 bytes. This is a caller bug, not a runtime condition.
	ErrFrameSize = errors.New("frame buffer size mismatch")
	// ErrWrite wraps transport failures writing to the process (broken
	// pipe, process exit). The caller must stop its pump iteration.
	ErrWrite = errors.New("encoder write failed")
	// ErrClosed is returned when writing after Close.
	ErrClosed = errors.New("encoder closed")
)

// Config describes one encoder process.
type Config struct {
	FFmpegPath string
	URL        string // RTSP endpoint
	Width      int
	Height     int
	FrameRate  int
	GOPSize    int
	KeyintMin  int
	Bitrate    string
	Preset     string
	Tune       string
	Profile    string
	Level      string

	// CloseTimeout bounds the graceful-exit wait in Close before the
	// process is killed. Defaults to 5s.
	CloseTimeout time.Duration
}

// Encoder is a handle to a running ffmpeg process.
type Encoder struct {
	cfg       Config
	frameSize int

	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu     sync.Mutex
	closed bool
	waitCh chan error // receives the cmd.Wait result exactly once
}

// buildArgs assembles the ffmpeg command line for a config.
//
// The keyframe interval is clamped so the group-of-pictures never spans more
// than one second of video, and parameter sets are repeated in an annex-B
// byte stream so a client joining mid-stream can decode.
func buildArgs(cfg Config) []string {
	gop := cfg.GOPSize
	if gop > cfg.FrameRate {
		gop = cfg.FrameRate
	}
	if gop < 1 {
		gop = 1
	}
	keyintMin := cfg.KeyintMin
	if half := gop / 2; keyintMin < 1 || keyintMin > half {
		keyintMin = half
		if keyintMin < 1 {
			keyintMin = 1
		}
	}

	return []string{
		"-y",
		"-f", "rawvideo",
		"-vcodec", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-r", strconv.Itoa(cfg.FrameRate),
		"-i", "-",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-b:v", cfg.Bitrate,
		"-maxrate", cfg.Bitrate,
		"-bufsize", doubledBitrate(cfg.Bitrate),
		"-g", strconv.Itoa(gop),
		"-keyint_min", strconv.Itoa(keyintMin),
		"-preset", cfg.Preset,
		"-tune", cfg.Tune,
		"-profile:v", cfg.Profile,
		"-level:v", cfg.Level,
		"-x264-params", "repeat_headers=1",
		"-flags", "+global_header",
		"-bsf:v", "h264_mp4toannexb",
		"-f", "rtsp",
		"-rtsp_transport", "tcp",
		cfg.URL,
	}
}

// doubledBitrate returns twice the bitrate for the VBV buffer, preserving the
// suffix ("2M" -> "4M"). Falls back to the input on unparseable values.
func doubledBitrate(bitrate string) string {
	if len(bitrate) < 2 {
		return bitrate
	}
	n, err := strconv.Atoi(bitrate[:len(bitrate)-1])
	if err != nil {
		return bitrate
	}
	return fmt.Sprintf("%d%s", n*2, bitrate[len(bitrate)-1:])
}

// Open spawns the ffmpeg process for a task endpoint.
//
// Fail-fast validation runs before the spawn; a failure here maps to a
// failed start attempt, never a running task.
func Open(cfg Config) (*Encoder, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("encoder: stream URL is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("encoder: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FrameRate <= 0 {
		return nil, fmt.Errorf("encoder: invalid frame rate %d", cfg.FrameRate)
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = 5 * time.Second
	}

	e := &Encoder{
		cfg:       cfg,
		frameSize: cfg.Width * cfg.Height * 3,
		waitCh:    make(chan error, 1),
	}

	cmd := exec.Command(cfg.FFmpegPath, buildArgs(cfg)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder: failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder: failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder: failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("encoder: failed to start %s: %w", cfg.FFmpegPath, err)
	}

	e.cmd = cmd
	e.stdin = stdin

	// Drain both output streams; content is not interpreted, stderr is kept
	// visible at debug level for encoder diagnostics.
	go drainLines(stderr, "stderr", cfg.URL)
	go drainLines(stdout, "stdout", cfg.URL)

	// Reap the process exactly once to prevent zombies. Close consumes the
	// result through waitCh.
	go func() {
		e.waitCh <- cmd.Wait()
	}()

	slog.Info("encoder process started",
		"pid", cmd.Process.Pid,
		"url", cfg.URL,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"fps", cfg.FrameRate,
	)

	return e, nil
}

func drainLines(r io.Reader, stream, url string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		slog.Debug("encoder output",
			"stream", stream,
			"url", url,
			"log", scanner.Text(),
		)
	}
}

// FrameSize returns the exact byte length WriteFrame requires.
func (e *Encoder) FrameSize() int {
	return e.frameSize
}

// Pid returns the process ID of the external encoder.
func (e *Encoder) Pid() int {
	return e.cmd.Process.Pid
}

// WriteFrame feeds one raw BGR24 frame to the process input stream.
//
// The write blocks while the process drains its input; that is the intended
// backpressure mechanism, a stalled encoder stalls only its own task.
func (e *Encoder) WriteFrame(buf []byte) error {
	if len(buf) != e.frameSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(buf), e.frameSize)
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if _, err := e.stdin.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// Close performs best-effort teardown: close the input stream, allow the
// process a bounded grace period to exit cleanly, then kill it. Close never
// fails; it is called from failure paths too. Idempotent.
func (e *Encoder) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	pid := e.cmd.Process.Pid

	// Closing stdin is the graceful shutdown signal: ffmpeg flushes and
	// exits on input EOF.
	if err := e.stdin.Close(); err != nil {
		slog.Debug("encoder stdin close", "pid", pid, "error", err)
	}

	select {
	case err := <-e.waitCh:
		if err != nil {
			slog.Debug("encoder process exited", "pid", pid, "error", err)
		} else {
			slog.Info("encoder process exited cleanly", "pid", pid)
		}
	case <-time.After(e.cfg.CloseTimeout):
		slog.Warn("encoder close timeout, killing process",
			"pid", pid,
			"timeout", e.cfg.CloseTimeout,
		)
		if err := e.cmd.Process.Kill(); err != nil {
			slog.Error("failed to kill encoder process", "pid", pid, "error", err)
		}
		// Wait drains the remaining stdio pipes after the kill.
		<-e.waitCh
	}
}
