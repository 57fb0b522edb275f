// Package bus provides the broker link used by the coordinator and node
// agents.
//
// The MessageBus interface covers what the fleet protocol needs from a
// publish/subscribe broker: topic publish with optional retention, filtered
// subscriptions with a channel-based API, and a last-will armed at connect
// time. All implementations are safe for concurrent use.
package bus

import (
	"errors"
	"strings"
)

// Common errors.
var (
	ErrClosed        = errors.New("bus closed")
	ErrTimeout       = errors.New("broker operation timeout")
	ErrInvalidTopic  = errors.New("invalid topic")
	ErrInvalidFilter = errors.New("invalid topic filter")
	ErrInvalidQoS    = errors.New("invalid qos")
)

// QoS is the delivery guarantee requested from the broker.
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

// Message represents a message received from the bus.
type Message struct {
	// Topic the message was published to.
	Topic string

	// Payload is the message body.
	Payload []byte

	// Retained is true when the broker replayed a stored retained message
	// to a new subscription.
	Retained bool
}

// Will is a message the broker publishes on the client's behalf if the
// connection drops without a clean disconnect.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      QoS
	Retained bool
}

// Validate checks the will message.
func (w *Will) Validate() error {
	if err := ValidateTopic(w.Topic); err != nil {
		return err
	}
	if w.QoS > ExactlyOnce {
		return ErrInvalidQoS
	}
	return nil
}

// PublishOptions holds per-publish settings.
type PublishOptions struct {
	QoS    QoS
	Retain bool
}

// PublishOption configures a single publish.
type PublishOption func(*PublishOptions)

// Retain asks the broker to store the message as the topic's retained value.
func Retain() PublishOption {
	return func(o *PublishOptions) {
		o.Retain = true
	}
}

// WithQoS sets the delivery guarantee.
func WithQoS(q QoS) PublishOption {
	return func(o *PublishOptions) {
		o.QoS = q
	}
}

// ApplyPublishOptions folds options over the defaults (QoS 0, not retained).
func ApplyPublishOptions(opts ...PublishOption) PublishOptions {
	var o PublishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MessageBus provides publish/subscribe messaging against one broker.
type MessageBus interface {
	// Publish sends a message to every subscription whose filter matches topic.
	Publish(topic string, payload []byte, opts ...PublishOption) error

	// Subscribe creates one subscription covering every filter. Messages
	// on any of them share a single channel in the order the client
	// received them, and a topic matching several filters arrives once.
	// Retained messages matching a filter are delivered first. Delivery is
	// lossless: a slow reader backs messages up, it never loses them.
	Subscribe(filters ...string) (Subscription, error)

	// Close disconnects cleanly. The will is not published.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Filter returns the first topic filter the subscription was created
	// with.
	Filter() string

	// Filters returns every topic filter of the subscription.
	Filters() []string

	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// ReconnectNotifier is implemented by buses that resume a lost session on
// their own. Hooks run after every reconnect, never on the first connect.
// The broker may have published the client's will in between, so a client
// uses the hook to restate what the will overwrote.
type ReconnectNotifier interface {
	OnReconnect(hook func())
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels. Messages beyond it queue
	// behind the channel rather than being dropped.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// validateFilters checks a Subscribe argument list.
func validateFilters(filters []string) error {
	if len(filters) == 0 {
		return ErrInvalidFilter
	}
	for _, f := range filters {
		if err := ValidateFilter(f); err != nil {
			return err
		}
	}
	return nil
}

// dedupeFilters drops repeated filters, keeping the first occurrence.
func dedupeFilters(filters []string) []string {
	out := make([]string, 0, len(filters))
	seen := make(map[string]bool, len(filters))
	for _, f := range filters {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// firstMatch returns the first filter matching topic, or "".
func firstMatch(filters []string, topic string) string {
	for _, f := range filters {
		if MatchTopic(f, topic) {
			return f
		}
	}
	return ""
}

// ValidateTopic checks a concrete publish topic. Wildcards are not allowed.
func ValidateTopic(topic string) error {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return ErrInvalidTopic
	}
	return nil
}

// ValidateFilter checks a subscription filter. '+' must fill a whole level
// and '#' must be the whole last level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrInvalidFilter
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return ErrInvalidFilter
		}
		if strings.Contains(level, "+") && level != "+" {
			return ErrInvalidFilter
		}
	}
	return nil
}

// MatchTopic reports whether a concrete topic matches a filter.
func MatchTopic(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")

	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

// Dialer opens a broker connection for a client, arming will when non-nil.
type Dialer func(clientID string, will *Will) (MessageBus, error)
