// Package redishub provides a redis-streams implementation of events.Hub so
// multiple server nodes can share one change feed per database.
package redishub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/quartzdb/quartz-server/events"
	"github.com/redis/go-redis/v9"
)

// Config for the redis-backed Hub. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all stream keys. ENV: UPDATES_KEY_PREFIX
	KeyPrefix string `env:"UPDATES_KEY_PREFIX,default=quartz:updates:"`
	// MaxLen caps each database stream (approximate trim). ENV: UPDATES_MAXLEN
	MaxLen int64 `env:"UPDATES_MAXLEN,default=65536"`
}

// Hub implements events.Hub over redis streams, one stream per database.
type Hub struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
	closed    atomic.Bool
}

func New(cfg Config) (*Hub, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "quartz:updates:"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 65536
	}
	return &Hub{client: cl, keyPrefix: prefix, maxLen: maxLen}, nil
}

// NewFromEnv builds a Hub using envdecode to populate Config.
func NewFromEnv() (*Hub, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

var _ events.Hub = (*Hub)(nil)

func (h *Hub) streamKey(database string) string { return h.keyPrefix + database }

func (h *Hub) Publish(ctx context.Context, ev events.Event) (string, error) {
	if h.closed.Load() {
		return "", io.EOF
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	id, err := h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: h.streamKey(ev.Database),
		MaxLen: h.maxLen,
		Approx: true,
		Values: map[string]interface{}{"d": data},
	}).Result()
	if err != nil {
		return "", err
	}
	return id, nil
}

func (h *Hub) Subscribe(ctx context.Context, database string) (events.Stream, error) {
	if h.closed.Load() {
		return nil, io.EOF
	}
	key := h.streamKey(database)
	// Pin the cursor to the stream's current tail up front. Reading with
	// "$" instead would re-anchor on every poll and lose any entry added
	// between two XRead calls.
	cursor := "0"
	last, err := h.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("resolve stream tail: %w", err)
	}
	if len(last) > 0 {
		cursor = last[0].ID
	}
	sctx, cancel := context.WithCancel(context.Background())
	return &stream{
		hub:    h,
		key:    key,
		cursor: cursor,
		ctx:    sctx,
		cancel: cancel,
	}, nil
}

func (h *Hub) Close() error {
	if h.closed.CompareAndSwap(false, true) {
		return h.client.Close()
	}
	return nil
}

type stream struct {
	hub    *Hub
	key    string
	cursor string
	ctx    context.Context
	cancel context.CancelFunc
}

var _ events.Stream = (*stream)(nil)

func (s *stream) Next(ctx context.Context) (events.Event, error) {
	for {
		if s.hub.closed.Load() {
			return events.Event{}, io.EOF
		}
		select {
		case <-ctx.Done():
			return events.Event{}, ctx.Err()
		case <-s.ctx.Done():
			return events.Event{}, io.EOF
		default:
		}
		res, err := s.hub.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.cursor},
			Count:   1,
			Block:   500 * time.Millisecond,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if s.hub.closed.Load() || s.ctx.Err() != nil {
				return events.Event{}, io.EOF
			}
			return events.Event{}, err
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			continue
		}
		m := res[0].Messages[0]
		s.cursor = m.ID

		var payload []byte
		switch v := m.Values["d"].(type) {
		case string:
			payload = []byte(v)
		case []byte:
			payload = v
		default:
			continue
		}
		var ev events.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			// Skip entries this version cannot decode.
			continue
		}
		if ev.ID == "" {
			ev.ID = m.ID
		}
		return ev, nil
	}
}

func (s *stream) Close() error {
	s.cancel()
	return nil
}
