package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryBroker is an in-process broker with retained messages, wildcard
// filters and last-will delivery. Clients attach with Connect.
type MemoryBroker struct {
	config Config

	mu       sync.Mutex
	subs     map[*memorySub]struct{}
	retained map[string][]byte
	clients  map[string]*MemoryBus
}

// NewMemoryBroker creates a new in-memory broker.
func NewMemoryBroker(cfg Config) *MemoryBroker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBroker{
		config:   cfg,
		subs:     make(map[*memorySub]struct{}),
		retained: make(map[string][]byte),
		clients:  make(map[string]*MemoryBus),
	}
}

// ClientOptions configures a client connection to a MemoryBroker.
type ClientOptions struct {
	// ClientID identifies the connection. Empty IDs are never deduplicated.
	ClientID string

	// Will is published by the broker if the client is dropped.
	Will *Will
}

// Connect attaches a new client. Like an MQTT broker, connecting with the
// ID of a live client drops the older connection first.
func (b *MemoryBroker) Connect(opts ClientOptions) (*MemoryBus, error) {
	if opts.Will != nil {
		if err := opts.Will.Validate(); err != nil {
			return nil, err
		}
	}

	c := &MemoryBus{
		broker:   b,
		clientID: opts.ClientID,
		will:     opts.Will,
	}

	b.mu.Lock()
	var previous *MemoryBus
	if opts.ClientID != "" {
		previous = b.clients[opts.ClientID]
		b.clients[opts.ClientID] = c
	}
	b.mu.Unlock()

	if previous != nil {
		previous.disconnect(true)
	}
	return c, nil
}

// Retained returns the stored retained payload for a topic.
func (b *MemoryBroker) Retained(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.retained[topic]
	return data, ok
}

// SubscriptionCount returns the number of live subscriptions across clients.
func (b *MemoryBroker) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// route stores retained values and delivers to matching subscriptions.
// Deliveries never block and never drop; each subscription queues what its
// reader has not taken yet.
func (b *MemoryBroker) route(topic string, payload []byte, o PublishOptions) {
	data := make([]byte, len(payload))
	copy(data, payload)

	b.mu.Lock()
	defer b.mu.Unlock()

	if o.Retain {
		if len(data) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = data
		}
	}

	for sub := range b.subs {
		if sub.matches(topic) {
			sub.box.push(&Message{Topic: topic, Payload: data})
		}
	}
}

// MemoryBus is one client connection to a MemoryBroker.
type MemoryBus struct {
	broker   *MemoryBroker
	clientID string
	will     *Will

	mu        sync.Mutex
	subs      []*memorySub
	reconnect []func()
	closed    atomic.Bool
}

type memorySub struct {
	filters []string
	box     *mailbox
	closed  atomic.Bool
	client  *MemoryBus
}

// ClientID returns the client's identifier.
func (c *MemoryBus) ClientID() string {
	return c.clientID
}

// Publish sends a message through the broker.
func (c *MemoryBus) Publish(topic string, payload []byte, opts ...PublishOption) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	o := ApplyPublishOptions(opts...)
	if o.QoS > ExactlyOnce {
		return ErrInvalidQoS
	}
	if c.closed.Load() {
		return ErrClosed
	}

	c.broker.route(topic, payload, o)
	return nil
}

// Subscribe creates a subscription and replays matching retained messages.
func (c *MemoryBus) Subscribe(filters ...string) (Subscription, error) {
	if err := validateFilters(filters); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		filters: dedupeFilters(filters),
		box:     newMailbox(c.broker.config.BufferSize),
		client:  c,
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	// Registration and replay happen under the broker lock so no publish
	// can slip between the retained snapshot and live delivery.
	b := c.broker
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	for topic, data := range b.retained {
		if sub.matches(topic) {
			sub.box.push(&Message{Topic: topic, Payload: data, Retained: true})
		}
	}
	b.mu.Unlock()

	return sub, nil
}

// Close disconnects cleanly: subscriptions end and the will is discarded.
func (c *MemoryBus) Close() error {
	c.disconnect(false)
	return nil
}

// Drop simulates an unclean disconnect: subscriptions end and the broker
// publishes the will, if any.
func (c *MemoryBus) Drop() {
	c.disconnect(true)
}

// Interrupt simulates a lost connection that the client resumes by itself:
// the broker publishes the will, the session and its subscriptions survive,
// and OnReconnect hooks run before Interrupt returns.
func (c *MemoryBus) Interrupt() error {
	if c.closed.Load() {
		return ErrClosed
	}

	if c.will != nil {
		c.broker.route(c.will.Topic, c.will.Payload, PublishOptions{QoS: c.will.QoS, Retain: c.will.Retained})
	}

	c.mu.Lock()
	hooks := make([]func(), len(c.reconnect))
	copy(hooks, c.reconnect)
	c.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
	return nil
}

// OnReconnect implements ReconnectNotifier.
func (c *MemoryBus) OnReconnect(hook func()) {
	if hook == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect = append(c.reconnect, hook)
}

func (c *MemoryBus) disconnect(publishWill bool) {
	if c.closed.Swap(true) {
		return
	}

	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	b := c.broker
	b.mu.Lock()
	if c.clientID != "" && b.clients[c.clientID] == c {
		delete(b.clients, c.clientID)
	}
	b.mu.Unlock()

	if publishWill && c.will != nil {
		b.route(c.will.Topic, c.will.Payload, PublishOptions{QoS: c.will.QoS, Retain: c.will.Retained})
	}
}

// matches reports whether any filter of the subscription matches topic.
func (s *memorySub) matches(topic string) bool {
	return firstMatch(s.filters, topic) != ""
}

// Filter returns the first subscription filter.
func (s *memorySub) Filter() string {
	return s.filters[0]
}

// Filters returns every subscription filter.
func (s *memorySub) Filters() []string {
	return append([]string(nil), s.filters...)
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.box.out
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}

	c := s.client
	c.mu.Lock()
	for i, sub := range c.subs {
		if sub == s {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	b := c.broker
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()

	s.box.close()
	return nil
}

// Dialer returns a Dialer that connects clients to this broker.
func (b *MemoryBroker) Dialer() Dialer {
	return func(clientID string, will *Will) (MessageBus, error) {
		c, err := b.Connect(ClientOptions{ClientID: clientID, Will: will})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
