package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/posterrama/devicehub/internal/infrastructure/mqtt"
)

const defaultQueueSize = 256

// Publisher publishes retained messages. *mqtt.Client implements it.
type Publisher interface {
	PublishRetained(topic string, payload []byte) error
}

// PointWriter records connectivity points. *influxdb.Client implements it.
type PointWriter interface {
	WriteConnectivity(deviceID string, connected bool, ts time.Time)
}

// Logger is the logging interface used by the notifier.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Event is one connectivity change.
type Event struct {
	DeviceID  string    `json:"device_id"`
	Connected bool      `json:"connected"`
	Timestamp time.Time `json:"timestamp"`
}

// Options configures a Notifier. Publisher and Points are optional.
type Options struct {
	Publisher Publisher
	Topics    mqtt.Topics
	Points    PointWriter
	Logger    Logger
	QueueSize int
}

// Notifier turns hub connectivity callbacks into MQTT and InfluxDB writes.
type Notifier struct {
	publisher Publisher
	topics    mqtt.Topics
	points    PointWriter
	logger    Logger
	queue     chan Event
	now       func() time.Time

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a Notifier. Start its worker with Run.
func New(opts Options) *Notifier {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Notifier{
		publisher: opts.Publisher,
		topics:    opts.Topics,
		points:    opts.Points,
		logger:    logger,
		queue:     make(chan Event, size),
		now:       time.Now,
	}
}

// DeviceConnected implements hub.Observer.
func (n *Notifier) DeviceConnected(deviceID string) {
	n.enqueue(Event{DeviceID: deviceID, Connected: true, Timestamp: n.now().UTC()})
}

// DeviceDisconnected implements hub.Observer.
func (n *Notifier) DeviceDisconnected(deviceID string) {
	n.enqueue(Event{DeviceID: deviceID, Connected: false, Timestamp: n.now().UTC()})
}

// enqueue never blocks the hub; overflow is dropped and counted.
func (n *Notifier) enqueue(ev Event) {
	select {
	case n.queue <- ev:
	default:
		n.dropped.Add(1)
		n.logger.Warn("presence queue full, dropping event",
			"device_id", ev.DeviceID, "connected", ev.Connected)
	}
}

// Run delivers events until ctx is done, then flushes what is already queued.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case ev := <-n.queue:
			n.deliver(ev)
		case <-ctx.Done():
			n.flush()
			return
		}
	}
}

func (n *Notifier) flush() {
	for {
		select {
		case ev := <-n.queue:
			n.deliver(ev)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(ev Event) {
	n.logger.Info("device presence changed", "device_id", ev.DeviceID, "connected", ev.Connected)

	if n.points != nil {
		n.points.WriteConnectivity(ev.DeviceID, ev.Connected, ev.Timestamp)
	}

	if n.publisher != nil {
		if err := n.publish(ev); err != nil {
			n.logger.Error("publishing device presence", "device_id", ev.DeviceID, "error", err)
			return
		}
	}
	n.published.Add(1)
}

func (n *Notifier) publish(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshalling presence: %w", err)
	}
	return n.publisher.PublishRetained(n.topics.DevicePresence(ev.DeviceID), payload)
}

// Delivered returns how many events were fully delivered.
func (n *Notifier) Delivered() uint64 {
	return n.published.Load()
}

// Dropped returns how many events were lost to a full queue.
func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}
