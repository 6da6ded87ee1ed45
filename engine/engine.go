// Package engine declares the contracts the RPC layer consumes from the
// query/storage engine. The server executes queries and mutations through
// Engine, pages rows through Results, and receives change callbacks through
// a single registered Observer. Implementations must be safe for concurrent
// use by many sessions.
package engine

import (
	"context"
	"errors"
)

// ErrNamespaceNotFound indicates the named namespace does not exist.
var ErrNamespaceNotFound = errors.New("namespace not found")

// ErrIndexNotFound indicates the named index does not exist on the namespace.
var ErrIndexNotFound = errors.New("index not found")

// ErrMetaNotFound indicates the metadata key is absent.
var ErrMetaNotFound = errors.New("meta key not found")

// ErrStaleState indicates the caller's state token or payload-type versions
// no longer match the engine's schema state. The caller must refresh and
// retry rather than apply against the wrong schema.
var ErrStaleState = errors.New("stale state token")

// ErrResultsInvalidated indicates an open result set was invalidated by a
// concurrent namespace drop; remaining rows are unreadable.
var ErrResultsInvalidated = errors.New("result set invalidated")

// ModifyMode selects the mutation kind for ModifyItem.
type ModifyMode int

const (
	ModeUpdate ModifyMode = iota
	ModeInsert
	ModeUpsert
	ModeDelete
)

func (m ModifyMode) String() string {
	switch m {
	case ModeUpdate:
		return "update"
	case ModeInsert:
		return "insert"
	case ModeUpsert:
		return "upsert"
	case ModeDelete:
		return "delete"
	}
	return "mode(?)"
}

// ItemFormat tags the encoding of an item payload.
type ItemFormat int

const (
	// FormatJSON is a structured JSON document.
	FormatJSON ItemFormat = iota
	// FormatRaw is an opaque pre-encoded document the engine stores as-is.
	FormatRaw
)

// StorageOpts controls on-disk behavior of a namespace.
type StorageOpts struct {
	Enabled           bool
	DropOnFormatError bool
}

// NamespaceDef describes a namespace on open/enumeration.
type NamespaceDef struct {
	Name    string
	Storage StorageOpts
}

// IndexDef describes one index on a namespace.
type IndexDef struct {
	Name      string
	JSONPath  string
	IndexType string // hash, tree, text
	FieldType string // string, int, double, bool
}

// Query is a query in one of the two supported encodings.
type Query struct {
	// SQL selects the text query form; otherwise Data is the packed binary
	// query representation.
	SQL  bool
	Data []byte
	// PTVersions are the payload-type state tokens the client believes are
	// current, one per namespace the query touches. Empty disables the
	// check; a mismatch fails with ErrStaleState.
	PTVersions []int64
}

// Results is an open result set: a bounded window reader over a possibly
// large row sequence. A Results value is read by exactly one consumer;
// callers serialize access.
type Results interface {
	// TotalCount is the number of rows matched, fixed at query time.
	TotalCount() int
	// Fetch returns rows [offset, offset+limit) clamped to TotalCount.
	// Returns ErrResultsInvalidated if the backing namespace was dropped.
	Fetch(offset, limit int) ([][]byte, error)
	// Close releases the result set. Idempotent.
	Close() error
}

// Observer receives change callbacks. Callbacks are invoked synchronously
// from the mutating call after it has committed; implementations must not
// block.
type Observer interface {
	OnModifyItem(ns string, item []byte, mode ModifyMode)
	OnNewNamespace(ns string)
	OnModifyIndex(ns string, index IndexDef, mode ModifyMode)
	OnDropIndex(ns, indexName string)
	OnDropNamespace(ns string)
	OnPutMeta(ns, key string, data []byte)
}

// Engine is one database instance.
type Engine interface {
	OpenNamespace(ctx context.Context, def NamespaceDef) error
	CloseNamespace(ctx context.Context, ns string) error
	DropNamespace(ctx context.Context, ns string) error
	EnumNamespaces(ctx context.Context) ([]NamespaceDef, error)

	AddIndex(ctx context.Context, ns string, def IndexDef) error
	UpdateIndex(ctx context.Context, ns string, def IndexDef) error
	DropIndex(ctx context.Context, ns, indexName string) error

	// Commit flushes pending storage writes for the namespace.
	Commit(ctx context.Context, ns string) error

	// ModifyItem applies one mutation. percepts are computed-field
	// expressions evaluated server-side before the write. stateToken guards
	// against a stale schema snapshot (0 disables); txID groups the write
	// into an open transaction (0 means auto-commit). The returned Results
	// holds the affected rows and may be nil for delete modes.
	ModifyItem(ctx context.Context, ns string, format ItemFormat, data []byte, mode ModifyMode, percepts []string, stateToken int64, txID int64) (Results, error)

	Select(ctx context.Context, q Query) (Results, error)

	// Delete executes a query and deletes all matched rows, returning them
	// as a result set.
	Delete(ctx context.Context, q Query) (Results, error)

	GetMeta(ctx context.Context, ns, key string) ([]byte, error)
	PutMeta(ctx context.Context, ns, key string, data []byte) error
	EnumMeta(ctx context.Context, ns string) ([]string, error)

	// StateToken returns the current schema state token for the namespace.
	StateToken(ns string) int64

	// Subscribe registers the single change observer; Unsubscribe removes
	// it. Registering a second observer replaces the first.
	Subscribe(obs Observer)
	Unsubscribe(obs Observer)
}
