// Package memoryhub provides an in-process implementation of events.Hub
// using bounded per-subscriber channels. Suitable for single-node
// deployments and tests.
package memoryhub

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/quartzdb/quartz-server/events"
)

const defaultQueueSize = 256

// Hub implements events.Hub with one topic per database.
type Hub struct {
	queueSize int
	log       *slog.Logger

	mu     sync.Mutex
	topics map[string]map[*stream]struct{}
	closed bool

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

type stream struct {
	hub      *Hub
	database string
	ch       chan events.Event
	dropped  atomic.Int64

	// sendMu serializes sends against close so a snapshot delivery can
	// never hit a closed channel.
	sendMu sync.Mutex
	closed bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithQueueSize sets the per-subscriber queue capacity. When a subscriber's
// queue is full, further events are dropped for that subscriber only.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithLogger sets the hub's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

func New(opts ...Option) *Hub {
	h := &Hub{
		queueSize: defaultQueueSize,
		log:       slog.Default(),
		topics:    make(map[string]map[*stream]struct{}),
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var (
	_ events.Hub    = (*Hub)(nil)
	_ events.Stream = (*stream)(nil)
)

func (h *Hub) nextID() string {
	h.entropyMu.Lock()
	defer h.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), h.entropy).String()
}

func (h *Hub) Publish(ctx context.Context, ev events.Event) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	ev.ID = h.nextID()

	// Snapshot subscribers so delivery happens outside the registry lock.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", io.EOF
	}
	subs := make([]*stream, 0, len(h.topics[ev.Database]))
	for s := range h.topics[ev.Database] {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.deliver(ev)
	}
	return ev.ID, nil
}

func (h *Hub) Subscribe(ctx context.Context, database string) (events.Stream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s := &stream{
		hub:      h,
		database: database,
		ch:       make(chan events.Event, h.queueSize),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, io.EOF
	}
	topic, ok := h.topics[database]
	if !ok {
		topic = make(map[*stream]struct{})
		h.topics[database] = topic
	}
	topic[s] = struct{}{}
	return s, nil
}

func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	topics := h.topics
	h.topics = make(map[string]map[*stream]struct{})
	h.mu.Unlock()

	for _, topic := range topics {
		for s := range topic {
			s.shut()
		}
	}
	return nil
}

// deliver enqueues ev without blocking, dropping when the queue is full.
func (s *stream) deliver(ev events.Event) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		// Subscriber is backed up: drop for this subscriber rather than
		// stall the publisher.
		s.hub.log.Warn("fanout.drop",
			slog.String("db", s.database),
			slog.String("kind", ev.Kind.String()),
			slog.Int64("dropped", s.dropped.Add(1)),
		)
	}
}

func (s *stream) shut() bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

func (s *stream) Next(ctx context.Context) (events.Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return events.Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return events.Event{}, ctx.Err()
	}
}

func (s *stream) Close() error {
	s.hub.mu.Lock()
	if topic, ok := s.hub.topics[s.database]; ok {
		delete(topic, s)
		if len(topic) == 0 {
			delete(s.hub.topics, s.database)
		}
	}
	s.hub.mu.Unlock()
	s.shut()
	return nil
}

// Dropped reports how many events were discarded for this subscriber due to
// a full queue.
func (s *stream) Dropped() int64 { return s.dropped.Load() }
