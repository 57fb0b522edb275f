package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTBus implements MessageBus using an MQTT broker.
type MQTTBus struct {
	client mqtt.Client
	config MQTTConfig

	mu        sync.Mutex
	filters   map[string][]*mqttSub
	reconnect []func()
	connected atomic.Bool
	closed    atomic.Bool
}

// MQTTConfig holds MQTT connection configuration.
type MQTTConfig struct {
	Config // Embed base config

	// BrokerURL is the broker address (e.g., "tcp://localhost:1883").
	BrokerURL string

	// ClientID identifies the session. The broker drops an older
	// connection that uses the same ID.
	ClientID string

	// Username and Password for basic auth.
	Username string
	Password string

	// Will is armed at connect time (nil = no will).
	Will *Will

	// CleanSession discards broker-side session state on connect.
	CleanSession bool

	// KeepAlive is the ping interval the broker uses to detect a dead client.
	KeepAlive time.Duration

	// ConnectTimeout bounds the initial connect and subscribe round trips.
	ConnectTimeout time.Duration

	// AutoReconnect re-establishes a lost connection.
	AutoReconnect bool
}

// DefaultMQTTConfig returns configuration with sensible defaults.
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Config:         DefaultConfig(),
		BrokerURL:      "tcp://localhost:1883",
		CleanSession:   true,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 5 * time.Second,
		AutoReconnect:  true,
	}
}

type mqttSub struct {
	filters []string
	box     *mailbox
	closed  atomic.Bool
	bus     *MQTTBus
}

// NewMQTTBus connects to the broker and returns a message bus.
func NewMQTTBus(cfg MQTTConfig) (*MQTTBus, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = DefaultMQTTConfig().BrokerURL
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultMQTTConfig().ConnectTimeout
	}
	if cfg.Will != nil {
		if err := cfg.Will.Validate(); err != nil {
			return nil, err
		}
	}

	b := &MQTTBus{
		config:  cfg,
		filters: make(map[string][]*mqttSub),
	}

	b.client = mqtt.NewClient(b.buildOptions())
	token := b.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		b.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect: %w", ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return b, nil
}

// MQTTDialer returns a Dialer that opens a new MQTTBus per client, using
// base for everything except the client ID and will.
func MQTTDialer(base MQTTConfig) Dialer {
	return func(clientID string, will *Will) (MessageBus, error) {
		cfg := base
		cfg.ClientID = clientID
		cfg.Will = will
		b, err := NewMQTTBus(cfg)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// buildOptions constructs paho client options from config.
func (b *MQTTBus) buildOptions() *mqtt.ClientOptions {
	cfg := b.config
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(cfg.CleanSession).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(cfg.AutoReconnect).
		SetOnConnectHandler(b.onConnect)

	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	if w := cfg.Will; w != nil {
		opts.SetBinaryWill(w.Topic, w.Payload, byte(w.QoS), w.Retained)
	}

	return opts
}

// onConnect restores live filters after a reconnect. A clean session
// forgets them broker-side. Reconnect hooks run after the filters are back.
func (b *MQTTBus) onConnect(c mqtt.Client) {
	b.mu.Lock()
	filters := make([]string, 0, len(b.filters))
	for f := range b.filters {
		filters = append(filters, f)
	}
	hooks := make([]func(), len(b.reconnect))
	copy(hooks, b.reconnect)
	b.mu.Unlock()

	for _, f := range filters {
		c.Subscribe(f, byte(AtLeastOnce), b.handler(f))
	}

	if !b.connected.Swap(true) {
		return
	}
	go func() {
		for _, hook := range hooks {
			hook()
		}
	}()
}

// OnReconnect implements ReconnectNotifier.
func (b *MQTTBus) OnReconnect(hook func()) {
	if hook == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconnect = append(b.reconnect, hook)
}

// handler queues a paho delivery for every subscription on filter. A
// subscription whose filters overlap takes the message only from the first
// filter that matches, so it sees each topic once.
func (b *MQTTBus) handler(filter string) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		msg := &Message{
			Topic:    m.Topic(),
			Payload:  m.Payload(),
			Retained: m.Retained(),
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		for _, sub := range b.filters[filter] {
			if firstMatch(sub.filters, msg.Topic) == filter {
				sub.box.push(msg)
			}
		}
	}
}

// Publish sends a message. Delivery is not awaited; a publish the client
// has already failed is reported.
func (b *MQTTBus) Publish(topic string, payload []byte, opts ...PublishOption) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	o := ApplyPublishOptions(opts...)
	if o.QoS > ExactlyOnce {
		return ErrInvalidQoS
	}
	if b.closed.Load() {
		return ErrClosed
	}

	token := b.client.Publish(topic, byte(o.QoS), o.Retain, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish: %w", err)
		}
	default:
	}

	return nil
}

// Subscribe creates one subscription over filters. Only the first
// subscription on a filter reaches the broker.
func (b *MQTTBus) Subscribe(filters ...string) (Subscription, error) {
	if err := validateFilters(filters); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &mqttSub{
		filters: dedupeFilters(filters),
		box:     newMailbox(b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	var fresh []string
	for _, f := range sub.filters {
		if len(b.filters[f]) == 0 {
			fresh = append(fresh, f)
		}
		b.filters[f] = append(b.filters[f], sub)
	}
	b.mu.Unlock()

	for _, f := range fresh {
		token := b.client.Subscribe(f, byte(AtLeastOnce), b.handler(f))
		if err := waitToken(token, b.config.ConnectTimeout); err != nil {
			sub.Unsubscribe()
			return nil, fmt.Errorf("mqtt subscribe %s: %w", f, err)
		}
	}

	return sub, nil
}

// Close disconnects cleanly. The broker discards the will.
func (b *MQTTBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.client.Disconnect(250)

	b.mu.Lock()
	subs := make(map[*mqttSub]struct{})
	for f, list := range b.filters {
		for _, sub := range list {
			subs[sub] = struct{}{}
		}
		delete(b.filters, f)
	}
	b.mu.Unlock()

	for sub := range subs {
		sub.closed.Store(true)
		sub.box.close()
	}
	return nil
}

// IsConnected reports whether the client currently has a broker connection.
func (b *MQTTBus) IsConnected() bool {
	return b.client.IsConnectionOpen()
}

// remove detaches sub from all its filters and closes its channel. It
// returns the filters no other subscription uses.
func (b *MQTTBus) remove(sub *mqttSub) []string {
	b.mu.Lock()
	var released []string
	for _, f := range sub.filters {
		subs := b.filters[f]
		for i, s := range subs {
			if s == sub {
				subs = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(subs) == 0 {
			delete(b.filters, f)
			released = append(released, f)
		} else {
			b.filters[f] = subs
		}
	}
	b.mu.Unlock()

	sub.box.close()
	return released
}

func waitToken(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return ErrTimeout
	}
	return token.Error()
}

// Filter returns the first subscription filter.
func (s *mqttSub) Filter() string {
	return s.filters[0]
}

// Filters returns every subscription filter.
func (s *mqttSub) Filters() []string {
	return append([]string(nil), s.filters...)
}

// Messages returns the message channel.
func (s *mqttSub) Messages() <-chan *Message {
	return s.box.out
}

// Unsubscribe cancels the subscription. A broker subscription is released
// with the last local subscriber on its filter.
func (s *mqttSub) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}

	b := s.bus
	released := b.remove(s)
	if len(released) == 0 || b.closed.Load() {
		return nil
	}

	if err := waitToken(b.client.Unsubscribe(released...), b.config.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt unsubscribe: %w", err)
	}
	return nil
}
