package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clusterlens/decider/pkg/engine"
)

// ErrClosed is returned by channels that no longer accept traffic.
var ErrClosed = errors.New("messaging: channel closed")

// Handler serves one control method. The returned value is marshaled as the
// reply payload.
type Handler func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// Control is a request/response channel with at most one handler per method.
type Control struct {
	topic string

	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
	inflight sync.WaitGroup
}

// NewControl creates a control channel for topic.
func NewControl(topic string) *Control {
	return &Control{topic: topic, handlers: make(map[string]Handler)}
}

// Topic returns the channel topic.
func (c *Control) Topic() string { return c.topic }

// Handle binds h to method. A method can be bound once.
func (c *Control) Handle(method string, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.handlers[method]; ok {
		return fmt.Errorf("method %s on %s already has a handler", method, c.topic)
	}
	c.handlers[method] = h
	return nil
}

// Methods lists the bound methods in name order.
func (c *Control) Methods() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.handlers))
	for m := range c.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Call invokes the handler of method and returns its marshaled reply.
func (c *Control) Call(ctx context.Context, method string, payload json.RawMessage) (json.RawMessage, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClosed
	}
	h, ok := c.handlers[method]
	if !ok {
		c.mu.RUnlock()
		return nil, engine.NewPermanentError(fmt.Sprintf("no handler for method %s on %s", method, c.topic), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(method)
	}
	c.inflight.Add(1)
	c.mu.RUnlock()
	defer c.inflight.Done()

	result, err := h(ctx, payload)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reply of %s: %w", method, err)
	}
	return b, nil
}

// Close stops accepting calls and waits for in-flight calls to return.
func (c *Control) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return wait(ctx, &c.inflight)
}

// Subscriber receives status events in publish order.
type Subscriber func(engine.StatusEvent)

// Status is a publish/subscribe channel for lifecycle events. Events are
// buffered and delivered in order by a single goroutine; Publish blocks
// rather than drop when the buffer is full.
type Status struct {
	topic       string
	publisherID string
	logger      zerolog.Logger

	sendMu sync.RWMutex
	closed bool
	buffer chan engine.StatusEvent
	done   chan struct{}

	subMu       sync.RWMutex
	subscribers map[int]Subscriber
	nextID      int
}

// NewStatus creates a status channel and starts its delivery loop.
func NewStatus(topic, publisherID string, bufferSize int, logger zerolog.Logger) *Status {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	s := &Status{
		topic:       topic,
		publisherID: publisherID,
		logger:      logger.With().Str("component", "status").Str("topic", topic).Logger(),
		buffer:      make(chan engine.StatusEvent, bufferSize),
		done:        make(chan struct{}),
		subscribers: make(map[int]Subscriber),
	}
	go s.deliver()
	return s
}

// Topic returns the channel topic.
func (s *Status) Topic() string { return s.topic }

// Publish stamps event with the publisher id and time and queues it.
func (s *Status) Publish(ctx context.Context, event engine.StatusEvent) error {
	if event.PublisherID == "" {
		event.PublisherID = s.publisherID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.buffer <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers fn and returns a function that removes it.
func (s *Status) Subscribe(fn Subscriber) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subscribers[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

func (s *Status) deliver() {
	defer close(s.done)
	for event := range s.buffer {
		s.subMu.RLock()
		ids := make([]int, 0, len(s.subscribers))
		for id := range s.subscribers {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		subs := make([]Subscriber, len(ids))
		for i, id := range ids {
			subs[i] = s.subscribers[id]
		}
		s.subMu.RUnlock()

		for _, fn := range subs {
			s.call(fn, event)
		}
	}
}

func (s *Status) call(fn Subscriber, event engine.StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("audit", event.AuditUUID).
				Str("event", string(event.Type)).
				Msg("status subscriber panicked")
		}
	}()
	fn(event)
}

// Close stops accepting events and waits until queued events are delivered.
func (s *Status) Close(ctx context.Context) error {
	s.sendMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.buffer)
	}
	s.sendMu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("status channel did not drain: %w", ctx.Err())
	}
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
