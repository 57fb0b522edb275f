package coordinator

import (
	"context"

	"github.com/vinayprograms/fleetlink/bus"
	fleeterrors "github.com/vinayprograms/fleetlink/errors"
	"github.com/vinayprograms/fleetlink/protocol"
	"github.com/vinayprograms/fleetlink/results"
	"github.com/vinayprograms/fleetlink/telemetry"
)

// handle processes one inbound message. Only the run goroutine calls it.
func (c *Coordinator) handle(ctx context.Context, msg *bus.Message) {
	ctx, span := c.tracer.StartMessageSpan(ctx, msg.Topic, msg.Payload)
	opts := telemetry.MessageSpanOptions{Retained: msg.Retained}

	var err error
	switch {
	case msg.Topic == protocol.RegistrationTopic:
		opts.Kind = "registration"
		err = c.handleRegistration(ctx, msg.Payload, &opts)
	case msg.Topic == protocol.ResultsTopic:
		opts.Kind = "result"
		c.results.Append(results.Result{
			Topic:      msg.Topic,
			Payload:    msg.Payload,
			ReceivedAt: c.now(),
		})
	case protocol.IsStatusTopic(msg.Topic):
		opts.Kind = "status"
		err = c.handleStatus(msg, &opts)
	default:
		opts.Kind = "ignored"
	}

	if err != nil {
		c.logger.MessageDropped(msg.Topic, err)
	}
	c.tracer.EndMessageSpan(span, opts, err)
}

func (c *Coordinator) handleRegistration(ctx context.Context, payload []byte, opts *telemetry.MessageSpanOptions) error {
	reg, err := protocol.DecodeRegistration(payload)
	if err != nil {
		return err
	}
	opts.NodeID = reg.NodeID
	opts.Status = reg.Status.String()

	if _, err := c.reg.Register(reg); err != nil {
		return fleeterrors.Wrap(err, "register node", fleeterrors.WithNodeID(reg.NodeID))
	}

	// Every registration is answered, including re-registrations. The node
	// stays registered when the answer cannot be sent.
	if err := c.Dispatch(ctx, reg.NodeID, protocol.NewInitTask(c.now())); err != nil {
		c.logger.Warn("init_task_failed", map[string]interface{}{
			"node_id": reg.NodeID,
			"error":   err,
		})
	}
	return nil
}

func (c *Coordinator) handleStatus(msg *bus.Message, opts *telemetry.MessageSpanOptions) error {
	// An empty payload is a retained-message clear, not a status.
	if protocol.IsRetainedClear(msg.Payload) {
		opts.Kind = "retained_clear"
		return nil
	}

	update, err := protocol.DecodeStatusUpdate(msg.Topic, msg.Payload)
	if err != nil {
		return err
	}
	opts.NodeID = update.NodeID
	opts.Status = update.Status.String()

	_, transition, err := c.reg.ApplyStatus(update)
	if err != nil {
		return fleeterrors.Wrap(err, "apply status", fleeterrors.WithNodeID(update.NodeID), fleeterrors.WithTopic(msg.Topic))
	}
	opts.Transition = transition.String()

	c.logger.StatusChanged(update.NodeID, update.Status.String(), msg.Retained)
	return nil
}
