// Package core wires the fleet together: the task store, the pump
// manager, the recovery supervisor, the MQTT emitter, and the HTTP API,
// with one place that owns startup and shutdown ordering.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-av/image2rtsp/internal/api"
	"github.com/go-av/image2rtsp/internal/config"
	"github.com/go-av/image2rtsp/internal/emitter"
	"github.com/go-av/image2rtsp/internal/encoder"
	"github.com/go-av/image2rtsp/internal/frame"
	"github.com/go-av/image2rtsp/internal/pump"
	"github.com/go-av/image2rtsp/internal/supervisor"
	"github.com/go-av/image2rtsp/internal/task"
)

// Service is the composed streaming instance.
type Service struct {
	cfg   *config.Config
	store *task.Store
	pumps *pump.Manager
	super *supervisor.Supervisor
	emit  *emitter.Emitter
	api   *api.Server

	started time.Time
	apiErr  chan error
}

// New builds a Service from configuration. Construction is fail-fast:
// every component validates here, before anything starts moving.
func New(cfg *config.Config) (*Service, error) {
	store, err := task.NewStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("core: task store: %w", err)
	}

	emit, err := emitter.New(emitter.Config{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.InstanceID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		QoS:         cfg.MQTT.QoS,
	})
	if err != nil {
		return nil, fmt.Errorf("core: mqtt emitter: %w", err)
	}

	s := &Service{
		cfg:    cfg,
		store:  store,
		emit:   emit,
		apiErr: make(chan error, 1),
	}

	pumps, err := pump.NewManager(pump.Config{
		FrameRate:       time.Second / time.Duration(cfg.Encoder.FPS),
		RefreshInterval: time.Duration(cfg.Pump.RefreshIntervalS) * time.Second,
		StopTimeout:     time.Duration(cfg.Pump.StopTimeoutS) * time.Second,
		Encoder: encoder.Config{
			FFmpegPath: cfg.Encoder.FFmpegPath,
			FrameRate:  cfg.Encoder.FPS,
			GOPSize:    cfg.Encoder.GOPSize,
			KeyintMin:  cfg.Encoder.KeyintMin,
			Bitrate:    cfg.Encoder.Bitrate,
			Preset:     cfg.Encoder.Preset,
			Tune:       cfg.Encoder.Tune,
			Profile:    cfg.Encoder.Profile,
			Level:      cfg.Encoder.Level,
		},
	}, store,
		pump.WithDecoder(frame.Decode),
		pump.WithStatusListener(func(taskID string, status task.Status) {
			emit.TaskStatus(cfg.InstanceID, taskID, status)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("core: pump manager: %w", err)
	}
	s.pumps = pumps

	s.super = supervisor.New(supervisor.Config{
		Interval:           time.Duration(cfg.Recovery.IntervalS) * time.Second,
		MaxRetry:           cfg.Recovery.MaxRetry,
		CooldownMultiplier: cfg.Recovery.CooldownMultiplier,
	}, store, pumps)

	s.api = api.NewServer(cfg.ListenAddr, store, pumps, s.HealthCheck, cfg.MaxUploadBytes)

	return s, nil
}

// Run starts every component and blocks until the context is cancelled
// or the HTTP server fails.
func (s *Service) Run(ctx context.Context) error {
	s.started = time.Now()
	slog.Info("service starting",
		"instance_id", s.cfg.InstanceID,
		"listen_addr", s.cfg.ListenAddr,
		"tasks", len(s.store.ListAll()),
	)

	s.super.Start()

	go func() {
		s.apiErr <- s.api.Start()
	}()

	healthTicker := time.NewTicker(time.Duration(s.cfg.Recovery.IntervalS) * time.Second)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case err := <-s.apiErr:
			if err != nil {
				slog.Error("api server failed", "error", err)
				s.shutdown()
				return err
			}
			return s.shutdown()
		case <-healthTicker.C:
			s.publishHealth()
		}
	}
}

// shutdown tears components down in dependency order: stop intake first,
// then recovery, then the streams, then telemetry.
func (s *Service) shutdown() error {
	slog.Info("service shutting down")

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(s.cfg.ShutdownTimeoutS)*time.Second)
	defer cancel()
	if err := s.api.Shutdown(ctx); err != nil {
		slog.Warn("api shutdown", "error", err)
	}

	s.super.Stop()
	s.pumps.StopAll()
	s.emit.Close()

	slog.Info("service stopped", "uptime", time.Since(s.started).Round(time.Second))
	return nil
}

func (s *Service) runningCount() (running, total int) {
	tasks := s.store.ListAll()
	for _, t := range tasks {
		if s.pumps.Alive(t.ID) {
			running++
		}
	}
	return running, len(tasks)
}

func (s *Service) publishHealth() {
	running, total := s.runningCount()
	s.emit.Health(s.cfg.InstanceID, running, total)
}

// HealthCheck reports the live instance state for the health endpoint.
func (s *Service) HealthCheck() map[string]any {
	running, total := s.runningCount()
	recovered, failures := s.super.Stats()
	return map[string]any{
		"status":            "ok",
		"instance_id":       s.cfg.InstanceID,
		"uptime_seconds":    int(time.Since(s.started).Seconds()),
		"tasks_total":       total,
		"tasks_running":     running,
		"recovery_started":  recovered,
		"recovery_failures": failures,
	}
}
