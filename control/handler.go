// Package control is the MQTT command plane of the lens service.
//
// Commands arrive on the control topic, are queued, executed one at a time
// through Callbacks and answered on the status topic:
//
//	{"command":"set_zoom","params":{"level":2.5}}
//	→ {"command_ack":"set_zoom","status":"success","data":{"level":2.5},"timestamp":"..."}
//
// Payloads use the configured codec (json or msgpack) in both directions.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Command represents a control plane command
type Command struct {
	Command string         `json:"command" msgpack:"command"`
	Params  map[string]any `json:"params,omitempty" msgpack:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string         `json:"command_ack" msgpack:"command_ack"`
	Status     string         `json:"status" msgpack:"status"`
	Data       map[string]any `json:"data,omitempty" msgpack:"data,omitempty"`
	Error      string         `json:"error,omitempty" msgpack:"error,omitempty"`
	Timestamp  string         `json:"timestamp" msgpack:"timestamp"`
}

// Response statuses.
const (
	StatusSuccess  = "success"
	StatusAccepted = "accepted"
	StatusError    = "error"
)

// Callbacks contains callback functions for commands. A nil callback makes
// its command answer "not implemented".
type Callbacks struct {
	OnGetStatus func() map[string]any
	OnStart     func() error
	OnStop      func() error
	OnZoomIn    func() (float64, error)
	OnZoomOut   func() (float64, error)
	OnSetZoom   func(level float64) (float64, error)
	OnSetMode   func(mode string) (string, error)
	// OnSnapshot starts an export and returns its id. The final result is
	// reported later through Handler.Notify.
	OnSnapshot func(filename string, upload bool) (string, error)
}

// Topics are the control and status topic names.
type Topics struct {
	Control string
	Status  string
}

// Handler handles control plane commands
type Handler struct {
	client    mqtt.Client
	topics    Topics
	qos       byte
	codec     Codec
	callbacks Callbacks
	logger    *slog.Logger

	commands chan Command
	wg       sync.WaitGroup

	mu        sync.Mutex
	stopped   bool
	handled   uint64
	malformed uint64
}

// NewHandler creates a new control plane handler
func NewHandler(client mqtt.Client, topics Topics, qos byte, codec Codec, callbacks Callbacks, logger *slog.Logger) (*Handler, error) {
	if client == nil {
		return nil, fmt.Errorf("control: mqtt client is required")
	}
	if topics.Control == "" || topics.Status == "" {
		return nil, fmt.Errorf("control: control and status topics are required")
	}
	if codec == nil {
		codec = JSON
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		client:    client,
		topics:    topics,
		qos:       qos,
		codec:     codec,
		callbacks: callbacks,
		logger:    logger,
		commands:  make(chan Command, 10),
	}, nil
}

// Start subscribes to the control topic and starts the command goroutine
func (h *Handler) Start(ctx context.Context) error {
	h.logger.Info("control: subscribing to control plane",
		"topic", h.topics.Control,
		"qos", h.qos,
		"codec", h.codec.Name(),
	)

	token := h.client.Subscribe(h.topics.Control, h.qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	h.wg.Add(1)
	go h.processCommands(ctx)

	h.logger.Info("control: handler started")
	return nil
}

// Stop unsubscribes and waits for the in-flight command to finish
func (h *Handler) Stop() error {
	if h.client.IsConnected() {
		token := h.client.Unsubscribe(h.topics.Control)
		token.WaitTimeout(2 * time.Second)
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	close(h.commands)
	h.mu.Unlock()

	h.wg.Wait()

	h.logger.Info("control: handler stopped", "handled", h.handledCount())
	return nil
}

func (h *Handler) handledCount() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handled
}

// messageHandler is called by paho when a control message is received
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := h.codec.Unmarshal(msg.Payload(), &cmd); err != nil || cmd.Command == "" {
		h.mu.Lock()
		h.malformed++
		h.mu.Unlock()
		h.logger.Error("control: failed to parse command", "error", err, "codec", h.codec.Name())
		h.Notify(Response{
			CommandAck: "unknown",
			Status:     StatusError,
			Error:      fmt.Sprintf("invalid %s command", h.codec.Name()),
		})
		return
	}

	h.logger.Info("control: command received", "command", cmd.Command)

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	queued := true
	select {
	case h.commands <- cmd:
	default:
		queued = false
	}
	h.mu.Unlock()

	if !queued {
		h.logger.Warn("control: command queue full, dropping command", "command", cmd.Command)
		h.Notify(Response{CommandAck: cmd.Command, Status: StatusError, Error: "command queue full"})
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.Notify(h.Dispatch(cmd))
			h.mu.Lock()
			h.handled++
			h.mu.Unlock()
		}
	}
}

// Dispatch executes cmd and builds its response
func (h *Handler) Dispatch(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	fail := func(err error) Response {
		resp.Status = StatusError
		resp.Error = err.Error()
		return resp
	}
	notImplemented := func() Response {
		return fail(fmt.Errorf("%s not implemented", cmd.Command))
	}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			return notImplemented()
		}
		resp.Status = StatusSuccess
		resp.Data = h.callbacks.OnGetStatus()

	case "start":
		if h.callbacks.OnStart == nil {
			return notImplemented()
		}
		if err := h.callbacks.OnStart(); err != nil {
			return fail(err)
		}
		resp.Status = StatusSuccess
		resp.Data = map[string]any{"streaming": true}

	case "stop":
		if h.callbacks.OnStop == nil {
			return notImplemented()
		}
		if err := h.callbacks.OnStop(); err != nil {
			return fail(err)
		}
		resp.Status = StatusSuccess
		resp.Data = map[string]any{"streaming": false}

	case "zoom_in", "zoom_out":
		fn := h.callbacks.OnZoomIn
		if cmd.Command == "zoom_out" {
			fn = h.callbacks.OnZoomOut
		}
		if fn == nil {
			return notImplemented()
		}
		level, err := fn()
		if err != nil {
			return fail(err)
		}
		resp.Status = StatusSuccess
		resp.Data = map[string]any{"level": level}

	case "set_zoom":
		if h.callbacks.OnSetZoom == nil {
			return notImplemented()
		}
		level, ok := numberParam(cmd.Params, "level")
		if !ok {
			return fail(fmt.Errorf("missing or invalid 'level' parameter (expected number)"))
		}
		applied, err := h.callbacks.OnSetZoom(level)
		if err != nil {
			return fail(err)
		}
		resp.Status = StatusSuccess
		resp.Data = map[string]any{"level": applied}

	case "set_mode":
		if h.callbacks.OnSetMode == nil {
			return notImplemented()
		}
		mode, ok := cmd.Params["mode"].(string)
		if !ok {
			return fail(fmt.Errorf("missing or invalid 'mode' parameter (expected string: edges/passthrough)"))
		}
		applied, err := h.callbacks.OnSetMode(mode)
		if err != nil {
			return fail(err)
		}
		resp.Status = StatusSuccess
		resp.Data = map[string]any{"mode": applied}

	case "snapshot":
		if h.callbacks.OnSnapshot == nil {
			return notImplemented()
		}
		filename, _ := cmd.Params["filename"].(string)
		upload, _ := cmd.Params["upload"].(bool)
		id, err := h.callbacks.OnSnapshot(filename, upload)
		if err != nil {
			return fail(err)
		}
		resp.Status = StatusAccepted
		resp.Data = map[string]any{"id": id, "upload": upload}

	default:
		return fail(fmt.Errorf("unknown command: %s", cmd.Command))
	}

	return resp
}

// Notify publishes resp on the status topic. Used for command responses and
// for results that complete after the command was answered.
func (h *Handler) Notify(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := h.codec.Marshal(resp)
	if err != nil {
		h.logger.Error("control: failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.topics.Status, h.qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		h.logger.Error("control: response publish timeout", "command_ack", resp.CommandAck)
		return
	}
	if err := token.Error(); err != nil {
		h.logger.Error("control: failed to publish response", "error", err)
		return
	}

	h.logger.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
