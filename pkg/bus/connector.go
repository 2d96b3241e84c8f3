package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hivemesh/hivemesh/pkg/hsp"
)

// Handler receives decoded envelopes for a subscribed topic.
type Handler func(ctx context.Context, env *hsp.Envelope)

// Deliveries queued beyond this per-topic depth are dropped with a warning.
const deliveryQueueDepth = 256

// Defaults for acknowledged publishes.
const (
	defaultAckAttempts = 3
	defaultAckInterval = 2 * time.Second
)

// RequestOptions tune a single Request call.
type RequestOptions struct {
	// ReplyTopic is where the correlated response will arrive. Defaults to
	// the connector's own agent topic, which is always subscribed.
	ReplyTopic string
	// Priority is the QoS priority hint (1–5), zero for unset.
	Priority int
}

// Stats is a snapshot of connector counters, exposed for diagnostics.
type Stats struct {
	Published           uint64 `json:"published"`
	Delivered           uint64 `json:"delivered"`
	DroppedMalformed    uint64 `json:"dropped_malformed"`
	DroppedDuplicate    uint64 `json:"dropped_duplicate"`
	DroppedBackpressure uint64 `json:"dropped_backpressure"`
	AcksSent            uint64 `json:"acks_sent"`
	Nacks               uint64 `json:"nacks"`
}

type pendingRequest struct {
	ch chan *hsp.Envelope // buffered(1); sender deletes the slot first
}

type subscription struct {
	handler   Handler
	reentrant bool
	queue     chan *hsp.Envelope
	stop      chan struct{}
}

// Connector is one agent's connection to the bus. It owns envelope
// construction and parsing, request/response correlation, and ACK handling.
// All inbound traffic flows through one raw entry point; malformed messages
// are logged and dropped before any handler sees them.
type Connector struct {
	agentID   string
	transport Transport
	logger    *slog.Logger

	mu        sync.Mutex
	connected bool
	pending   map[string]*pendingRequest
	subs      map[string]*subscription
	// correlation-only topics (temporary reply topics), refcounted.
	corrTopics map[string]int

	published           atomic.Uint64
	delivered           atomic.Uint64
	droppedMalformed    atomic.Uint64
	droppedDuplicate    atomic.Uint64
	droppedBackpressure atomic.Uint64
	acksSent            atomic.Uint64
	nacks               atomic.Uint64
}

// NewConnector creates a connector for the given agent id on the given
// transport.
func NewConnector(agentID string, transport Transport) *Connector {
	return &Connector{
		agentID:    agentID,
		transport:  transport,
		logger:     slog.With("component", "bus", "agent_id", agentID),
		pending:    make(map[string]*pendingRequest),
		subs:       make(map[string]*subscription),
		corrTopics: make(map[string]int),
	}
}

// AgentID returns the identity this connector sends as.
func (c *Connector) AgentID() string { return c.agentID }

// InboxTopic is the connector's always-subscribed direct topic. Responders
// address responses here when the request payload carries no explicit
// callback topic.
func (c *Connector) InboxTopic() string { return hsp.AgentTopic(c.agentID) }

// Connect establishes the transport and subscribes the agent's inbox.
// Idempotent.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.transport.Connect(ctx); err != nil {
		return hsp.WrapError(hsp.ErrCodeTransport, err, "bus connect failed")
	}
	if err := c.transport.Subscribe(ctx, c.InboxTopic(), c.onRaw); err != nil {
		return hsp.WrapError(hsp.ErrCodeTransport, err, "inbox subscribe failed")
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Disconnect tears down the transport. Outstanding requests are not failed
// eagerly; each fails with a correlation timeout at its own deadline.
// Idempotent.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		if !sub.reentrant {
			close(sub.stop)
		}
	}
	if err := c.transport.Disconnect(ctx); err != nil {
		return hsp.WrapError(hsp.ErrCodeTransport, err, "bus disconnect failed")
	}
	return nil
}

// Connected reports whether outbound calls are currently admissible.
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Publish sends a fire-and-forget message. It returns once the transport has
// accepted it; there is no correlation.
func (c *Connector) Publish(ctx context.Context, topic, messageType string, pattern hsp.Pattern, payload any) error {
	env, err := hsp.NewEnvelope(c.agentID, topic, messageType, pattern, payload)
	if err != nil {
		return err
	}
	return c.PublishEnvelope(ctx, topic, env)
}

// PublishEnvelope sends a pre-built envelope.
func (c *Connector) PublishEnvelope(ctx context.Context, topic string, env *hsp.Envelope) error {
	if !c.Connected() {
		return hsp.NewError(hsp.ErrCodeTransport, "bus is disconnected")
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := c.transport.Publish(ctx, topic, data); err != nil {
		return hsp.WrapError(hsp.ErrCodeTransport, err, "publish to %s failed", topic)
	}
	c.published.Add(1)
	return nil
}

// PublishWithAck sends a message with requires_ack set and waits for the
// acknowledgement, resending on a linear backoff up to maxAttempts. When no
// acknowledgement arrives it returns a NACK as a transport error.
func (c *Connector) PublishWithAck(ctx context.Context, topic, messageType string, pattern hsp.Pattern, payload any, maxAttempts int, interval time.Duration) error {
	if maxAttempts <= 0 {
		maxAttempts = defaultAckAttempts
	}
	if interval <= 0 {
		interval = defaultAckInterval
	}

	env, err := hsp.NewEnvelope(c.agentID, topic, messageType, pattern, payload)
	if err != nil {
		return err
	}
	env.QoS = &hsp.QoS{RequiresAck: true}

	slot := c.installSlot(env.MessageID)
	defer c.removeSlot(env.MessageID)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.PublishEnvelope(ctx, topic, env); err != nil {
			return err
		}

		// Linear backoff: each attempt waits one interval longer.
		wait := time.Duration(attempt) * interval
		timer := time.NewTimer(wait)
		select {
		case <-slot.ch:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return hsp.WrapError(hsp.ErrCodeTransport, ctx.Err(), "acknowledged publish to %s cancelled", topic)
		case <-timer.C:
		}
	}

	c.nacks.Add(1)
	return hsp.NewError(hsp.ErrCodeTransport, "no acknowledgement for message to %s after %d attempts", topic, maxAttempts)
}

// Request publishes a correlated request and waits up to timeout for the
// response whose correlation_id matches the sent message id. A zero or
// negative timeout reports a correlation timeout immediately. Cancelling ctx
// frees the correlation slot.
func (c *Connector) Request(ctx context.Context, topic, messageType string, payload any, timeout time.Duration, opts *RequestOptions) (*hsp.Envelope, error) {
	if !c.Connected() {
		return nil, hsp.NewError(hsp.ErrCodeTransport, "bus is disconnected")
	}
	if timeout <= 0 {
		return nil, hsp.NewError(hsp.ErrCodeCorrelationTimeout, "request to %s: deadline already expired", topic)
	}

	env, err := hsp.NewEnvelope(c.agentID, topic, messageType, hsp.PatternRequest, payload)
	if err != nil {
		return nil, err
	}
	replyTopic := c.InboxTopic()
	if opts != nil {
		if opts.Priority > 0 {
			env.QoS = &hsp.QoS{Priority: opts.Priority}
		}
		if opts.ReplyTopic != "" {
			replyTopic = opts.ReplyTopic
		}
	}

	if replyTopic != c.InboxTopic() {
		if err := c.retainCorrelationTopic(ctx, replyTopic); err != nil {
			return nil, err
		}
		defer c.releaseCorrelationTopic(replyTopic)
	}

	slot := c.installSlot(env.MessageID)
	if err := c.PublishEnvelope(ctx, topic, env); err != nil {
		c.removeSlot(env.MessageID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-slot.ch:
		return resp, nil
	case <-ctx.Done():
		c.removeSlot(env.MessageID)
		return nil, hsp.WrapError(hsp.ErrCodeCancelled, ctx.Err(), "request to %s cancelled", topic)
	case <-timer.C:
		c.removeSlot(env.MessageID)
		return nil, hsp.NewError(hsp.ErrCodeCorrelationTimeout, "no response from %s within %s", topic, timeout)
	}
}

// Subscribe installs a handler for a topic with serialized delivery: the
// handler never runs concurrently with itself and sees messages in arrival
// order.
func (c *Connector) Subscribe(ctx context.Context, topic string, handler Handler) error {
	return c.subscribe(ctx, topic, handler, false)
}

// SubscribeReentrant installs a handler that may be invoked concurrently.
func (c *Connector) SubscribeReentrant(ctx context.Context, topic string, handler Handler) error {
	return c.subscribe(ctx, topic, handler, true)
}

func (c *Connector) subscribe(ctx context.Context, topic string, handler Handler, reentrant bool) error {
	if !c.Connected() {
		return hsp.NewError(hsp.ErrCodeTransport, "bus is disconnected")
	}

	sub := &subscription{handler: handler, reentrant: reentrant}
	if !reentrant {
		sub.queue = make(chan *hsp.Envelope, deliveryQueueDepth)
		sub.stop = make(chan struct{})
		go c.deliveryLoop(sub)
	}

	c.mu.Lock()
	if _, exists := c.subs[topic]; exists {
		c.mu.Unlock()
		if !reentrant {
			close(sub.stop)
		}
		return fmt.Errorf("topic %s already has a handler", topic)
	}
	c.subs[topic] = sub
	c.mu.Unlock()

	if err := c.transport.Subscribe(ctx, topic, c.onRaw); err != nil {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
		if !reentrant {
			close(sub.stop)
		}
		return hsp.WrapError(hsp.ErrCodeTransport, err, "subscribe to %s failed", topic)
	}
	return nil
}

// Unsubscribe removes the handler for a topic.
func (c *Connector) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	sub := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()

	if sub != nil && !sub.reentrant {
		close(sub.stop)
	}
	if err := c.transport.Unsubscribe(ctx, topic); err != nil {
		return hsp.WrapError(hsp.ErrCodeTransport, err, "unsubscribe from %s failed", topic)
	}
	return nil
}

// Stats returns a snapshot of the connector counters.
func (c *Connector) Stats() Stats {
	return Stats{
		Published:           c.published.Load(),
		Delivered:           c.delivered.Load(),
		DroppedMalformed:    c.droppedMalformed.Load(),
		DroppedDuplicate:    c.droppedDuplicate.Load(),
		DroppedBackpressure: c.droppedBackpressure.Load(),
		AcksSent:            c.acksSent.Load(),
		Nacks:               c.nacks.Load(),
	}
}

// ─── inbound path ───

// onRaw is the single entry point for every inbound message.
func (c *Connector) onRaw(topic string, data []byte) {
	env, err := hsp.DecodeEnvelope(data)
	if err != nil {
		c.droppedMalformed.Add(1)
		c.logger.Warn("Dropping malformed message", "topic", topic, "error", err)
		return
	}

	// Correlated responses and acknowledgements complete pending slots and
	// never reach topic handlers.
	if env.Pattern == hsp.PatternResponse || env.Pattern == hsp.PatternAcknowledgement {
		c.completeSlot(env)
		return
	}

	if env.QoS != nil && env.QoS.RequiresAck {
		c.sendAck(env)
	}

	c.mu.Lock()
	sub := c.subs[topic]
	c.mu.Unlock()
	if sub == nil {
		// Correlation-only topic, or a subscription raced with teardown.
		return
	}

	if sub.reentrant {
		c.delivered.Add(1)
		go sub.handler(context.Background(), env)
		return
	}
	select {
	case sub.queue <- env:
	default:
		c.droppedBackpressure.Add(1)
		c.logger.Warn("Delivery queue full, dropping message",
			"topic", topic, "message_id", env.MessageID)
	}
}

func (c *Connector) deliveryLoop(sub *subscription) {
	for {
		select {
		case env := <-sub.queue:
			c.delivered.Add(1)
			sub.handler(context.Background(), env)
		case <-sub.stop:
			return
		}
	}
}

func (c *Connector) installSlot(messageID string) *pendingRequest {
	slot := &pendingRequest{ch: make(chan *hsp.Envelope, 1)}
	c.mu.Lock()
	c.pending[messageID] = slot
	c.mu.Unlock()
	return slot
}

func (c *Connector) removeSlot(messageID string) {
	c.mu.Lock()
	delete(c.pending, messageID)
	c.mu.Unlock()
}

// completeSlot delivers a correlated envelope to its waiting request exactly
// once. Responses without a live slot (duplicates, post-timeout stragglers)
// are counted and dropped.
func (c *Connector) completeSlot(env *hsp.Envelope) {
	c.mu.Lock()
	slot := c.pending[env.CorrelationID]
	delete(c.pending, env.CorrelationID)
	c.mu.Unlock()

	if slot == nil {
		c.droppedDuplicate.Add(1)
		c.logger.Debug("Dropping uncorrelated response",
			"correlation_id", env.CorrelationID, "message_id", env.MessageID)
		return
	}
	slot.ch <- env
	c.delivered.Add(1)
}

func (c *Connector) sendAck(env *hsp.Envelope) {
	ack, err := hsp.NewEnvelope(c.agentID, hsp.AgentTopic(env.SenderID), hsp.TypeAck, hsp.PatternAcknowledgement, hsp.Ack{
		TargetMessageID: env.MessageID,
		Status:          "received",
	})
	if err != nil {
		c.logger.Warn("Failed to build ack", "error", err)
		return
	}
	ack.CorrelationID = env.MessageID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.PublishEnvelope(ctx, hsp.AgentTopic(env.SenderID), ack); err != nil {
		c.logger.Warn("Failed to send ack", "target", env.SenderID, "error", err)
		return
	}
	c.acksSent.Add(1)
}

// retainCorrelationTopic subscribes a temporary reply topic used only for
// correlation routing. Multiple concurrent requests may share one topic.
func (c *Connector) retainCorrelationTopic(ctx context.Context, topic string) error {
	c.mu.Lock()
	c.corrTopics[topic]++
	first := c.corrTopics[topic] == 1
	// A topic with a user subscription is already routed.
	_, hasSub := c.subs[topic]
	c.mu.Unlock()

	if !first || hasSub {
		return nil
	}
	if err := c.transport.Subscribe(ctx, topic, c.onRaw); err != nil {
		c.mu.Lock()
		c.corrTopics[topic]--
		c.mu.Unlock()
		return hsp.WrapError(hsp.ErrCodeTransport, err, "reply topic subscribe failed")
	}
	return nil
}

func (c *Connector) releaseCorrelationTopic(topic string) {
	c.mu.Lock()
	c.corrTopics[topic]--
	last := c.corrTopics[topic] <= 0
	if last {
		delete(c.corrTopics, topic)
	}
	_, hasSub := c.subs[topic]
	c.mu.Unlock()

	if last && !hasSub {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.transport.Unsubscribe(ctx, topic)
	}
}

// Respond publishes a response envelope correlated to the given request.
// The response goes to replyTo, which is either the request's explicit
// callback topic or the requester's agent topic.
func (c *Connector) Respond(ctx context.Context, req *hsp.Envelope, replyTo, messageType string, payload any) error {
	env, err := hsp.NewEnvelope(c.agentID, replyTo, messageType, hsp.PatternResponse, payload)
	if err != nil {
		return err
	}
	env.CorrelationID = req.MessageID
	return c.PublishEnvelope(ctx, replyTo, env)
}
