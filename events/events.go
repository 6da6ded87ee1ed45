// Package events defines the change-event fan-out contract. Mutating
// commands publish events into a Hub; subscribed connections consume them
// through per-subscriber Streams. Delivery is at-most-once: a Hub must never
// block a publisher on a slow consumer, dropping for that consumer instead.
package events

import (
	"context"
	"fmt"
)

// Kind discriminates change events.
type Kind uint8

const (
	KindItemModified Kind = iota + 1
	KindNamespaceCreated
	KindNamespaceDropped
	KindIndexModified
	KindIndexDropped
	KindMetaPut
)

func (k Kind) String() string {
	switch k {
	case KindItemModified:
		return "item_modified"
	case KindNamespaceCreated:
		return "namespace_created"
	case KindNamespaceDropped:
		return "namespace_dropped"
	case KindIndexModified:
		return "index_modified"
	case KindIndexDropped:
		return "index_dropped"
	case KindMetaPut:
		return "meta_put"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Event is one change notification. It identifies what changed; Payload
// carries the item or meta value when the source had it on hand, and may be
// empty for lifecycle events.
type Event struct {
	// ID is assigned by the Hub on publish: unique and sortable within a
	// database topic.
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	Database  string `json:"db"`
	Namespace string `json:"ns"`
	// Name is the index name or meta key for index/meta events.
	Name string `json:"name,omitempty"`
	// Mode is the mutation kind for item and index events
	// (engine.ModifyMode numbering).
	Mode    int    `json:"mode,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// Hub routes events from publishers to subscribers, isolated per database.
type Hub interface {
	// Publish assigns the event an ID and delivers it to every current
	// subscriber of the event's database. It never blocks on consumers.
	Publish(ctx context.Context, ev Event) (eventID string, err error)

	// Subscribe returns a stream of events for one database, starting with
	// the next published event. History is never replayed.
	Subscribe(ctx context.Context, database string) (Stream, error)

	// Close releases the hub; open streams end with io.EOF.
	Close() error
}

// Stream is a single consumer's ordered event feed. Safe for use by one
// consumer goroutine.
type Stream interface {
	// Next blocks for the next event or context cancellation. Returns
	// io.EOF when the stream or hub has been closed.
	Next(ctx context.Context) (Event, error)

	// Close releases the stream. Idempotent.
	Close() error
}
