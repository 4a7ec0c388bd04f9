// Package events fans out push frames to UI subscribers.
//
// Every subscriber owns a bounded outbound buffer. Broadcasts never block
// the producer: when a subscriber's buffer is full its backlog is coalesced
// into one fresh full-status snapshot, which by contract subsumes every
// delta it replaces. Slow clients converge on the latest state instead of
// stalling the orchestrator.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// SnapshotFunc builds a full-status frame from current orchestrator state.
// The hub calls it on attach and whenever a subscriber's buffer coalesces.
type SnapshotFunc func() proto.PushMessage

// Options configures a Hub. Zero values fall back to defaults.
type Options struct {
	// Buffer is the per-subscriber outbound queue length.
	Buffer int
	// SendTimeout bounds one write to a subscriber's transport.
	SendTimeout time.Duration
	// PingInterval is how often the transport layer pings idle clients.
	PingInterval time.Duration
}

const (
	defaultBuffer       = 64
	defaultSendTimeout  = 5 * time.Second
	defaultPingInterval = 30 * time.Second
)

// Hub is the subscriber registry.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]*Subscription
	snapshot SnapshotFunc

	opts   Options
	logger *logx.Logger
}

// NewHub creates an empty hub.
func NewHub(opts Options) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	return &Hub{
		subs:   make(map[string]*Subscription),
		opts:   opts,
		logger: logx.NewLogger("events"),
	}
}

// SetSnapshot wires the full-status builder. Must be set before Attach.
func (h *Hub) SetSnapshot(fn SnapshotFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot = fn
}

// SendTimeout returns the configured per-write deadline for transports.
func (h *Hub) SendTimeout() time.Duration {
	return h.opts.SendTimeout
}

// PingInterval returns the configured keepalive interval for transports.
func (h *Hub) PingInterval() time.Duration {
	return h.opts.PingInterval
}

// Attach registers a new subscriber. The subscriber immediately receives a
// full-status snapshot followed by any replay frames (the in-memory log
// tail), then live deltas in emission order.
func (h *Hub) Attach(replay ...proto.PushMessage) *Subscription {
	sub := &Subscription{
		id:   uuid.New().String(),
		hub:  h,
		wake: make(chan struct{}, 1),
	}

	h.mu.Lock()
	h.subs[sub.id] = sub
	snapshot := h.snapshot
	total := len(h.subs)
	h.mu.Unlock()

	if snapshot != nil {
		sub.push(snapshot(), h.opts.Buffer)
	}
	for _, frame := range replay {
		sub.push(frame, h.opts.Buffer)
	}

	h.logger.Info("Subscriber %s attached. Total: %d", sub.id, total)
	return sub
}

// Detach removes a subscriber. Safe to call more than once.
func (h *Hub) Detach(sub *Subscription) {
	h.mu.Lock()
	_, present := h.subs[sub.id]
	delete(h.subs, sub.id)
	total := len(h.subs)
	h.mu.Unlock()

	sub.close()
	if present {
		h.logger.Info("Subscriber %s detached. Total: %d", sub.id, total)
	}
}

// Broadcast enqueues the frame for every subscriber without blocking.
func (h *Hub) Broadcast(msg proto.PushMessage) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.push(msg, h.opts.Buffer)
	}
}

// Count returns the number of attached subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Snapshot builds a full-status frame from the wired builder. ok is false
// when no builder is set.
func (h *Hub) Snapshot() (proto.PushMessage, bool) {
	return h.freshSnapshot()
}

// freshSnapshot builds a coalescing snapshot, or nil-typed frame when no
// snapshot builder is wired.
func (h *Hub) freshSnapshot() (proto.PushMessage, bool) {
	h.mu.RLock()
	snapshot := h.snapshot
	h.mu.RUnlock()
	if snapshot == nil {
		return proto.PushMessage{}, false
	}
	return snapshot(), true
}

// Subscription is one subscriber's bounded outbound queue. The transport
// goroutine drains it with Next; producers fill it through Hub.Broadcast.
type Subscription struct {
	id  string
	hub *Hub

	mu     sync.Mutex
	queue  []proto.PushMessage
	closed bool

	wake chan struct{}
}

// ID returns the subscriber's identity, used in logs.
func (s *Subscription) ID() string {
	return s.id
}

// push enqueues one frame, applying the overflow discipline.
func (s *Subscription) push(msg proto.PushMessage, limit int) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return
	case msg.Type == proto.MsgFullStatus:
		// A full snapshot subsumes everything buffered before it.
		s.queue = append(s.queue[:0], msg)
	case len(s.queue) >= limit:
		// Overflow: replace the backlog with one fresh snapshot that
		// already reflects the state change behind this delta.
		if snapshot, ok := s.hub.freshSnapshot(); ok {
			s.queue = append(s.queue[:0], snapshot)
		} else {
			s.queue = append(s.queue[1:], msg)
		}
	default:
		s.queue = append(s.queue, msg)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Reply enqueues a frame for this subscriber only, under the same overflow
// discipline as broadcasts. Request/response frames on the push channel go
// through here so the transport keeps a single writer.
func (s *Subscription) Reply(msg proto.PushMessage) {
	s.push(msg, s.hub.opts.Buffer)
}

// Next blocks until a frame is available or ctx is done.
func (s *Subscription) Next(ctx context.Context) (proto.PushMessage, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return proto.PushMessage{}, context.Canceled
		}

		select {
		case <-ctx.Done():
			return proto.PushMessage{}, ctx.Err()
		case <-s.wake:
		}
	}
}

// Buffered returns the number of frames waiting to be drained.
func (s *Subscription) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}
