package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/fleetlink/bus"
	fleeterrors "github.com/vinayprograms/fleetlink/errors"
	"github.com/vinayprograms/fleetlink/logging"
	"github.com/vinayprograms/fleetlink/protocol"
)

// Common errors.
var (
	ErrNoDialer       = errors.New("agent requires a dialer")
	ErrAlreadyStarted = errors.New("agent already started")
	ErrNotStarted     = errors.New("agent not started")
	ErrInvalidID      = errors.New("node id must be a single topic level")
)

// TaskHandler processes a task other than init. A returned error is logged.
type TaskHandler func(ctx context.Context, task protocol.Task) error

// Config configures an Agent.
type Config struct {
	// NodeID identifies the node. Default: a random UUID
	NodeID string

	// DeviceType is announced at registration. Default: "unknown"
	DeviceType string

	// Dial opens the broker connection. Required.
	Dial bus.Dialer

	// GracePeriod is how long Shutdown waits after publishing "offline"
	// before disconnecting. Default: 500ms
	GracePeriod time.Duration

	// TaskHandler receives every task that is not init. Without one such
	// tasks are logged and dropped.
	TaskHandler TaskHandler

	// Logger for agent events. Default: logging.Nop()
	Logger *logging.Logger
}

// DefaultGracePeriod is the pause between "offline" and disconnect.
const DefaultGracePeriod = 500 * time.Millisecond

// Agent is one node's connection to the fleet.
type Agent struct {
	config Config
	id     string
	logger *logging.Logger

	mu       sync.Mutex
	status   protocol.Status
	conn     bus.MessageBus
	sub      bus.Subscription
	started  bool
	shutdown bool
}

// New creates an agent. It reports "offline" until started.
func New(cfg Config) (*Agent, error) {
	if cfg.Dial == nil {
		return nil, ErrNoDialer
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if !protocol.ValidNodeID(cfg.NodeID) {
		return nil, ErrInvalidID
	}
	if cfg.DeviceType == "" {
		cfg.DeviceType = protocol.DefaultDeviceType
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	return &Agent{
		config: cfg,
		id:     cfg.NodeID,
		logger: cfg.Logger.WithComponent("agent").With(map[string]interface{}{"node_id": cfg.NodeID}),
		status: protocol.StatusOffline,
	}, nil
}

// ID returns the node id.
func (a *Agent) ID() string {
	return a.id
}

// DeviceType returns the announced device type.
func (a *Agent) DeviceType() string {
	return a.config.DeviceType
}

// Status returns the last status the agent reported.
func (a *Agent) Status() protocol.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Start connects with the last-will armed, subscribes to the task channel
// and announces the node. On a connection that reconnects by itself, the
// current status is republished after every reconnect. The subscription exists before the registration
// goes out, so the coordinator's init reply cannot be missed.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		return fleeterrors.Wrap(err, "start agent", fleeterrors.WithNodeID(a.id))
	}

	will, err := a.will()
	if err != nil {
		return err
	}

	conn, err := a.config.Dial(a.id, will)
	if err != nil {
		return fleeterrors.Transport("connect", err, fleeterrors.WithNodeID(a.id))
	}

	taskTopic := protocol.TaskTopic(a.id)
	sub, err := conn.Subscribe(taskTopic)
	if err != nil {
		conn.Close()
		return fleeterrors.Transport("subscribe "+taskTopic, err, fleeterrors.WithNodeID(a.id), fleeterrors.WithTopic(taskTopic))
	}

	reg := protocol.Registration{
		NodeID:     a.id,
		DeviceType: a.config.DeviceType,
		Status:     protocol.StatusConnected,
	}
	data, err := reg.Marshal()
	if err != nil {
		sub.Unsubscribe()
		conn.Close()
		return fleeterrors.Wrap(err, "encode registration", fleeterrors.WithNodeID(a.id))
	}
	if err := conn.Publish(protocol.RegistrationTopic, data); err != nil {
		sub.Unsubscribe()
		conn.Close()
		return fleeterrors.Transport("publish registration", err, fleeterrors.WithNodeID(a.id), fleeterrors.WithTopic(protocol.RegistrationTopic))
	}

	a.conn = conn
	a.sub = sub
	a.started = true

	if rn, ok := conn.(bus.ReconnectNotifier); ok {
		rn.OnReconnect(a.restoreStatus)
	}

	if err := a.publishStatusLocked(protocol.StatusConnected); err != nil {
		a.logger.Warn("status_publish_failed", map[string]interface{}{
			"status": string(protocol.StatusConnected),
			"error":  err,
		})
	}

	a.logger.Info("agent_started", map[string]interface{}{
		"device_type": a.config.DeviceType,
	})
	return nil
}

// will builds the last-will the broker publishes if the connection drops.
func (a *Agent) will() (*bus.Will, error) {
	update := protocol.StatusUpdate{NodeID: a.id, Status: protocol.StatusDead}
	payload, err := update.Marshal()
	if err != nil {
		return nil, fleeterrors.Wrap(err, "encode last-will", fleeterrors.WithNodeID(a.id))
	}
	return &bus.Will{
		Topic:    protocol.StatusTopic(a.id),
		Payload:  payload,
		QoS:      bus.AtLeastOnce,
		Retained: true,
	}, nil
}

// Run handles tasks in arrival order until ctx is done or the task
// subscription closes.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return ErrNotStarted
	}
	sub := a.sub
	a.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			a.handleTask(ctx, msg)
		}
	}
}

func (a *Agent) handleTask(ctx context.Context, msg *bus.Message) {
	task, err := protocol.DecodeTask(msg.Topic, msg.Payload)
	if err != nil {
		a.logger.Warn("task_dropped", map[string]interface{}{
			"topic": msg.Topic,
			"error": err,
		})
		return
	}

	a.logger.Debug("task_received", map[string]interface{}{
		"task_id": task.TaskID,
		"command": task.Command(),
	})

	if task.IsInit() {
		if err := a.PublishStatus(protocol.StatusReady); err != nil {
			a.logger.Warn("status_publish_failed", map[string]interface{}{
				"status": string(protocol.StatusReady),
				"error":  err,
			})
		}
		return
	}

	if a.config.TaskHandler == nil {
		a.logger.Info("task_unhandled", map[string]interface{}{
			"task_id": task.TaskID,
		})
		return
	}

	if err := a.config.TaskHandler(ctx, task); err != nil {
		a.logger.Error("task_failed", map[string]interface{}{
			"task_id": task.TaskID,
			"error":   err,
		})
	}
}

// PublishStatus records status locally and publishes it, retained, on the
// node's status channel.
func (a *Agent) PublishStatus(status protocol.Status) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started || a.shutdown {
		a.status = status
		return ErrNotStarted
	}
	return a.publishStatusLocked(status)
}

func (a *Agent) publishStatusLocked(status protocol.Status) error {
	a.status = status

	topic := protocol.StatusTopic(a.id)
	update := protocol.StatusUpdate{NodeID: a.id, Status: status}
	data, err := update.Marshal()
	if err != nil {
		return fleeterrors.Wrap(err, "encode status", fleeterrors.WithNodeID(a.id))
	}
	if err := a.conn.Publish(topic, data, bus.Retain(), bus.WithQoS(bus.AtLeastOnce)); err != nil {
		return fleeterrors.Transport("publish status", err, fleeterrors.WithNodeID(a.id), fleeterrors.WithTopic(topic))
	}

	a.logger.Debug("status_published", map[string]interface{}{
		"status": string(status),
	})
	return nil
}

// restoreStatus republishes the current status after the connection comes
// back. The broker published the will when the old connection was lost, so
// the retained value reads "dead" until this runs.
func (a *Agent) restoreStatus() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started || a.shutdown {
		return
	}
	if err := a.publishStatusLocked(a.status); err != nil {
		a.logger.Warn("status_publish_failed", map[string]interface{}{
			"status": string(a.status),
			"error":  err,
		})
		return
	}
	a.logger.Info("status_restored", map[string]interface{}{
		"status": string(a.status),
	})
}

// Shutdown publishes "offline", waits the grace period (cut short by ctx),
// unsubscribes and disconnects cleanly so the will is not published.
// Failures are logged and never returned; Shutdown always completes.
func (a *Agent) Shutdown(ctx context.Context) {
	a.mu.Lock()
	if !a.started || a.shutdown {
		a.mu.Unlock()
		return
	}
	if err := a.publishStatusLocked(protocol.StatusOffline); err != nil {
		a.logger.Warn("status_publish_failed", map[string]interface{}{
			"status": string(protocol.StatusOffline),
			"error":  err,
		})
	}
	a.shutdown = true
	conn, sub := a.conn, a.sub
	a.mu.Unlock()

	timer := time.NewTimer(a.config.GracePeriod)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}

	if err := sub.Unsubscribe(); err != nil {
		a.logger.Warn("unsubscribe_failed", map[string]interface{}{
			"topic": sub.Filter(),
			"error": err,
		})
	}
	if err := conn.Close(); err != nil {
		a.logger.Warn("disconnect_failed", map[string]interface{}{
			"error": err,
		})
	}

	a.logger.Info("agent_stopped")
}

// OnShutdown implements shutdown.Handler.
func (a *Agent) OnShutdown(ctx context.Context) error {
	a.Shutdown(ctx)
	return nil
}
