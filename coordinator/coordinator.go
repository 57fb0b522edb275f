package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/fleetlink/bus"
	fleeterrors "github.com/vinayprograms/fleetlink/errors"
	"github.com/vinayprograms/fleetlink/liveness"
	"github.com/vinayprograms/fleetlink/logging"
	"github.com/vinayprograms/fleetlink/protocol"
	"github.com/vinayprograms/fleetlink/registry"
	"github.com/vinayprograms/fleetlink/results"
	"github.com/vinayprograms/fleetlink/telemetry"
)

// Common errors.
var (
	ErrNoBus          = errors.New("coordinator requires a message bus")
	ErrAlreadyStarted = errors.New("coordinator already started")
	ErrNotStarted     = errors.New("coordinator not started")
)

// Config configures a Coordinator.
type Config struct {
	// Bus is the broker connection. Required. The caller owns it and
	// closes it after Stop.
	Bus bus.MessageBus

	// Registry holds node records. Default: a new registry.
	Registry *registry.Registry

	// Results buffers inbound results. Default: a new buffer.
	Results *results.Buffer

	// Logger for coordinator events. Default: logging.Nop()
	Logger *logging.Logger

	// Tracer for message and dispatch spans. Default: telemetry.GetTracer()
	Tracer *telemetry.Tracer

	// PurgeRetainedOnForget clears the broker's retained status for a
	// forgotten node so a restarted coordinator does not rediscover it.
	PurgeRetainedOnForget bool

	// Now supplies timestamps for init tasks and results.
	// Default: time.Now
	Now func() time.Time
}

// Coordinator is the explicit context object for the central process.
type Coordinator struct {
	config  Config
	bus     bus.MessageBus
	reg     *registry.Registry
	results *results.Buffer
	logger  *logging.Logger
	tracer  *telemetry.Tracer
	now     func() time.Time

	mu      sync.Mutex
	sub     bus.Subscription
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a coordinator. Nothing is subscribed until Start.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Bus == nil {
		return nil, ErrNoBus
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New(registry.Config{Logger: cfg.Logger, Now: cfg.Now})
	}
	if cfg.Results == nil {
		cfg.Results = results.NewBuffer()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Coordinator{
		config:  cfg,
		bus:     cfg.Bus,
		reg:     cfg.Registry,
		results: cfg.Results,
		logger:  cfg.Logger.WithComponent("coordinator"),
		tracer:  cfg.Tracer,
		now:     cfg.Now,
	}, nil
}

// inboundFilters are the shared channels, in one subscription so their
// messages reach the registry in the order the client received them.
var inboundFilters = []string{protocol.RegistrationTopic, protocol.StatusFilter, protocol.ResultsTopic}

// Start subscribes to the shared channels and begins processing. It
// returns once the subscription exists; processing continues until ctx is
// done or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}

	sub, err := c.bus.Subscribe(inboundFilters...)
	if err != nil {
		return fleeterrors.Transport("subscribe", err, fleeterrors.WithTopic(strings.Join(inboundFilters, ",")))
	}

	ctx, cancel := context.WithCancel(ctx)
	c.sub = sub
	c.started = true
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(ctx, sub.Messages())

	c.logger.Info("coordinator_started", map[string]interface{}{
		"filters": inboundFilters,
	})
	return nil
}

// run is the single writer: it handles messages in receive order until
// the subscription closes or ctx ends.
func (c *Coordinator) run(ctx context.Context, messages <-chan *bus.Message) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			c.handle(ctx, msg)
		}
	}
}

// Stop ends processing and releases every subscription. The bus stays
// open.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.cancel()

	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	err := sub.Unsubscribe()

	c.wg.Wait()
	c.logger.Info("coordinator_stopped")
	return err
}

// --- Node operations ---

// Nodes returns every known node sorted by id.
func (c *Coordinator) Nodes() []registry.NodeRecord {
	return c.reg.List()
}

// Node returns one node's record, or a NODE_NOT_FOUND error.
func (c *Coordinator) Node(id string) (*registry.NodeRecord, error) {
	rec, err := c.reg.Get(id)
	if err != nil {
		return nil, fleeterrors.NodeNotFound(id, fleeterrors.WithCause(err))
	}
	return rec, nil
}

// DeadNodes returns the ids currently classified dead, sorted.
func (c *Coordinator) DeadNodes() []string {
	return c.reg.Dead()
}

// OnDead registers a callback invoked once each time a node enters the dead
// set. Each invocation is traced.
func (c *Coordinator) OnDead(cb liveness.Callback) {
	if cb == nil {
		return
	}
	c.reg.OnDead(func(ids []string) error {
		_, span := c.tracer.StartCallbackSpan(context.Background(), ids)
		err := cb(ids)
		var errs []error
		if err != nil {
			errs = append(errs, err)
		}
		c.tracer.EndCallbackSpan(span, errs)
		return err
	})
}

// Registry exposes the underlying registry, e.g. for Watch.
func (c *Coordinator) Registry() *registry.Registry {
	return c.reg
}

// SendTask publishes payload on the node's task channel, fire-and-forget.
// An unknown node yields a NODE_NOT_FOUND error and nothing is published.
func (c *Coordinator) SendTask(ctx context.Context, nodeID string, payload []byte) error {
	topic := protocol.TaskTopic(nodeID)
	_, span := c.tracer.StartDispatchSpan(ctx, nodeID, topic, payload)

	if !c.reg.Contains(nodeID) {
		err := fleeterrors.NodeNotFound(nodeID)
		c.logger.Warn("task_not_sent", map[string]interface{}{
			"node_id": nodeID,
			"error":   err,
		})
		c.tracer.EndDispatchSpan(span, err)
		return err
	}

	if err := c.bus.Publish(topic, payload, bus.WithQoS(bus.AtMostOnce)); err != nil {
		ferr := fleeterrors.Transport("publish task", err, fleeterrors.WithNodeID(nodeID), fleeterrors.WithTopic(topic))
		c.logger.Error("task_publish_failed", map[string]interface{}{
			"node_id": nodeID,
			"error":   ferr,
		})
		c.tracer.EndDispatchSpan(span, ferr)
		return ferr
	}

	c.logger.TaskDispatched(nodeID, len(payload))
	c.tracer.EndDispatchSpan(span, nil)
	return nil
}

// Dispatch marshals a task and sends it with SendTask.
func (c *Coordinator) Dispatch(ctx context.Context, nodeID string, task protocol.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fleeterrors.InvalidInput("task is not serializable", fleeterrors.WithCause(err), fleeterrors.WithNodeID(nodeID))
	}
	return c.SendTask(ctx, nodeID, payload)
}

// Forget removes a node's record and dead membership. Status intake is the
// shared wildcard subscription, so no per-node broker subscription exists to
// release; with PurgeRetainedOnForget the node's retained status is cleared
// instead. An unknown node yields a NODE_NOT_FOUND error.
func (c *Coordinator) Forget(ctx context.Context, nodeID string) error {
	if err := c.reg.Forget(nodeID); err != nil {
		ferr := fleeterrors.NodeNotFound(nodeID, fleeterrors.WithCause(err))
		if !errors.Is(err, registry.ErrNotFound) {
			ferr = fleeterrors.Wrap(err, "forget node", fleeterrors.WithNodeID(nodeID))
		}
		c.logger.Warn("forget_failed", map[string]interface{}{
			"node_id": nodeID,
			"error":   ferr,
		})
		return ferr
	}

	if c.config.PurgeRetainedOnForget {
		topic := protocol.StatusTopic(nodeID)
		if err := c.bus.Publish(topic, nil, bus.Retain(), bus.WithQoS(bus.AtLeastOnce)); err != nil {
			c.logger.Warn("retained_purge_failed", map[string]interface{}{
				"node_id": nodeID,
				"error":   err,
			})
		}
	}

	c.logger.NodeForgotten(nodeID)
	return nil
}

// --- Results ---

// Results returns every buffered result and marks them handed out.
func (c *Coordinator) Results() []results.Result {
	return c.results.Get()
}

// ClearResults drops the results handed out by the last Results call and
// returns how many were dropped.
func (c *Coordinator) ClearResults() int {
	return c.results.Clear()
}

// PendingResults returns the number of results not yet handed out.
func (c *Coordinator) PendingResults() int {
	return c.results.Pending()
}
