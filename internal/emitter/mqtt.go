// Package emitter publishes task status transitions and instance health
// over MQTT so external monitors can follow the fleet without polling the
// HTTP API. The emitter is optional: with no broker configured every call
// is a no-op.
package emitter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/go-av/image2rtsp/internal/task"
)

// Config describes the MQTT connection.
type Config struct {
	Broker      string // empty disables the emitter
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// Emitter publishes fleet events to an MQTT broker.
type Emitter struct {
	cfg    Config
	client mqtt.Client

	mu     sync.Mutex
	closed bool
}

// statusEvent is the wire payload for a task status transition.
type statusEvent struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// healthEvent is the wire payload for the periodic instance heartbeat.
type healthEvent struct {
	InstanceID string `json:"instance_id"`
	Running    int    `json:"running"`
	Total      int    `json:"total"`
	Timestamp  string `json:"timestamp"`
}

// New connects to the broker. A nil Emitter is returned when no broker is
// configured; its methods are safe to call.
func New(cfg Config) (*Emitter, error) {
	if cfg.Broker == "" {
		return nil, nil
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "image2rtsp"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "image2rtsp"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		slog.Info("mqtt connected", "broker", cfg.Broker, "client_id", cfg.ClientID)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("emitter: mqtt connect timeout to %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("emitter: mqtt connect failed: %w", err)
	}

	return &Emitter{cfg: cfg, client: client}, nil
}

func (e *Emitter) publish(topic string, payload any) {
	if e == nil {
		return
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal mqtt payload", "topic", topic, "error", err)
		return
	}
	token := e.client.Publish(topic, e.cfg.QoS, false, data)
	go func() {
		// Publish failures are telemetry loss, never a stream problem.
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			slog.Warn("mqtt publish failed", "topic", topic, "error", token.Error())
		}
	}()
}

// TaskStatus publishes a task status transition.
func (e *Emitter) TaskStatus(instanceID, taskID string, status task.Status) {
	if e == nil {
		return
	}
	topic := fmt.Sprintf("%s/%s/task/%s/status", e.cfg.TopicPrefix, instanceID, taskID)
	e.publish(topic, statusEvent{
		TaskID:    taskID,
		Status:    string(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Health publishes the instance heartbeat.
func (e *Emitter) Health(instanceID string, running, total int) {
	if e == nil {
		return
	}
	topic := fmt.Sprintf("%s/%s/health", e.cfg.TopicPrefix, instanceID)
	e.publish(topic, healthEvent{
		InstanceID: instanceID,
		Running:    running,
		Total:      total,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

// Close disconnects from the broker.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.client.Disconnect(250)
	slog.Info("mqtt emitter closed")
}
