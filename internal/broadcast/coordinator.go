package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/posterrama/devicehub/internal/device"
	"github.com/posterrama/devicehub/internal/hub"
	"github.com/posterrama/devicehub/internal/infrastructure/config"
)

// Dispatcher sends commands to connected devices. *hub.Hub implements it.
type Dispatcher interface {
	IsConnected(deviceID string) bool
	SendFireAndForget(deviceID, cmdType string, payload any) bool
	SendAwaitAck(ctx context.Context, deviceID, cmdType string, payload any, timeout time.Duration) (*hub.Ack, error)
}

// Store resolves groups and holds commands for offline devices.
type Store interface {
	GetGroup(ctx context.Context, id string) (*device.DeviceGroup, error)
	QueueCommand(ctx context.Context, deviceID string, cmd device.QueuedCommand) error
}

// Logger is the logging interface used by the coordinator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Recorder receives the outcome counts of each group send.
// *influxdb.Client implements it.
type Recorder interface {
	WriteGroupSend(groupID, cmdType string, total, live, queued, failed int, ts time.Time)
}

// ErrInvalidCommand is returned when a command has no type.
var ErrInvalidCommand = errors.New("broadcast: command type is required")

// Command is what gets sent to each member.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Options controls one group send.
type Options struct {
	// Wait sends with ack tracking and reports per-device outcomes.
	Wait bool

	// PerDeviceTimeout overrides the configured ack timeout for each member.
	PerDeviceTimeout time.Duration
}

// Status is a member's outcome in wait mode.
type Status string

// Member outcomes.
const (
	StatusOK      Status = "ok"
	StatusTimeout Status = "timeout"
	StatusQueued  Status = "queued"
	StatusError   Status = "error"
)

// DeviceResult is one member's outcome.
type DeviceResult struct {
	DeviceID     string          `json:"device_id"`
	Status       Status          `json:"status"`
	DeviceStatus string          `json:"device_status,omitempty"`
	Info         json.RawMessage `json:"info,omitempty"`
	Detail       string          `json:"detail,omitempty"`
}

// Result aggregates a group send. Results is only populated in wait mode,
// in member order.
type Result struct {
	OK      bool           `json:"ok"`
	Total   int            `json:"total"`
	Live    int            `json:"live"`
	Queued  int            `json:"queued"`
	Results []DeviceResult `json:"results,omitempty"`
}

// Coordinator runs group sends.
type Coordinator struct {
	dispatcher Dispatcher
	store      Store
	cfg        config.BroadcastConfig
	logger     Logger
	metrics    *Metrics
	recorder   Recorder
}

// New creates a Coordinator. logger and metrics may be nil.
func New(d Dispatcher, s Store, cfg config.BroadcastConfig, logger Logger, metrics *Metrics) *Coordinator {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Coordinator{
		dispatcher: d,
		store:      s,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
	}
}

// SetRecorder attaches a time-series recorder. Call before serving.
func (c *Coordinator) SetRecorder(r Recorder) {
	c.recorder = r
}

// SendToGroup sends cmd to every member of groupID. It fails only when the
// command is invalid or the group cannot be resolved; per-member problems
// are reported in the result.
func (c *Coordinator) SendToGroup(ctx context.Context, groupID string, cmd Command, opts Options) (*Result, error) {
	if cmd.Type == "" {
		return nil, ErrInvalidCommand
	}

	group, err := c.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("resolving group %s: %w", groupID, err)
	}

	timeout := opts.PerDeviceTimeout
	if timeout <= 0 {
		timeout = c.cfg.PerDeviceTimeout
	}

	members := group.Members
	results := make([]DeviceResult, len(members))

	g, gctx := errgroup.WithContext(ctx)
	if c.cfg.MaxConcurrency > 0 {
		g.SetLimit(c.cfg.MaxConcurrency)
	}
	for i, deviceID := range members {
		g.Go(func() error {
			if opts.Wait {
				results[i] = c.sendAwait(gctx, deviceID, cmd, timeout)
			} else {
				results[i] = c.sendFire(gctx, deviceID, cmd)
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // branches never return errors

	res := &Result{OK: true, Total: len(members)}
	failed := 0
	for _, r := range results {
		switch r.Status {
		case StatusOK, StatusTimeout:
			res.Live++
		case StatusQueued:
			res.Queued++
		case StatusError:
			failed++
		}
		c.metrics.result(r.Status)
	}
	if c.recorder != nil {
		c.recorder.WriteGroupSend(groupID, cmd.Type, res.Total, res.Live, res.Queued, failed, time.Now())
	}
	if opts.Wait {
		res.Results = results
	}

	c.logger.Info("group command sent",
		"group_id", groupID,
		"type", cmd.Type,
		"wait", opts.Wait,
		"total", res.Total,
		"live", res.Live,
		"queued", res.Queued,
	)
	return res, nil
}

func (c *Coordinator) sendAwait(ctx context.Context, deviceID string, cmd Command, timeout time.Duration) DeviceResult {
	ack, err := c.dispatcher.SendAwaitAck(ctx, deviceID, cmd.Type, cmd.Payload, timeout)
	switch {
	case err == nil:
		return DeviceResult{DeviceID: deviceID, Status: StatusOK, DeviceStatus: ack.Status, Info: ack.Info}
	case errors.Is(err, hub.ErrAckTimeout):
		return DeviceResult{DeviceID: deviceID, Status: StatusTimeout}
	case errors.Is(err, hub.ErrNotConnected):
		return c.enqueue(ctx, deviceID, cmd)
	default:
		c.logger.Warn("group command failed for device", "device_id", deviceID, "error", err)
		return DeviceResult{DeviceID: deviceID, Status: StatusError, Detail: detail(err)}
	}
}

func (c *Coordinator) sendFire(ctx context.Context, deviceID string, cmd Command) DeviceResult {
	if c.dispatcher.SendFireAndForget(deviceID, cmd.Type, cmd.Payload) {
		return DeviceResult{DeviceID: deviceID, Status: StatusOK}
	}
	// Still online: the queue would not drain until the next handshake.
	if c.dispatcher.IsConnected(deviceID) {
		c.logger.Warn("group command not sent to connected device", "device_id", deviceID)
		return DeviceResult{DeviceID: deviceID, Status: StatusError, Detail: "send_buffer_full"}
	}
	return c.enqueue(ctx, deviceID, cmd)
}

func (c *Coordinator) enqueue(ctx context.Context, deviceID string, cmd Command) DeviceResult {
	err := c.store.QueueCommand(ctx, deviceID, device.QueuedCommand{
		DeviceID: deviceID,
		Type:     cmd.Type,
		Payload:  cmd.Payload,
	})
	if err != nil {
		c.logger.Error("queueing command for offline device", "device_id", deviceID, "error", err)
		return DeviceResult{DeviceID: deviceID, Status: StatusError, Detail: "queue_failed: " + err.Error()}
	}
	return DeviceResult{DeviceID: deviceID, Status: StatusQueued}
}

// detail renders a delivery error as its wire code, or the error text.
func detail(err error) string {
	if code := hub.DeliveryCode(err); code != "error" {
		return code
	}
	return err.Error()
}
