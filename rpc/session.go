package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/quartzdb/quartz-server/auth"
	"github.com/quartzdb/quartz-server/engine"
	"github.com/quartzdb/quartz-server/events"
)

// ErrCursorNotFound indicates the request id names no open result set on
// this connection.
var ErrCursorNotFound = errors.New("unknown request id")

// ErrTooManyCursors indicates the per-connection open-cursor cap was hit.
var ErrTooManyCursors = errors.New("too many open result sets")

// Conn is the transport-side handle the session writes through. WriteEvent
// is called from the session's delivery goroutine and must serialize its
// writes against command replies.
type Conn interface {
	RemoteAddr() string
	WriteEvent(ev events.Event) error
	Close() error
}

// Session is the aggregate per-connection state: auth context, open result
// sets, database binding, and subscription state. Commands on one connection
// execute serially, but teardown runs concurrently with command handling, so
// all state is guarded by one session-local mutex.
type Session struct {
	conn   Conn
	connID string

	mu      sync.Mutex
	auth    auth.Context
	cursors cursorTable
	db      engine.Engine
	dbName  string
	sub     *subscription
	closed  bool
}

// subscription ties one delivery goroutine to its revocation handle. The
// identity of the pointer matters: a delivery goroutine revoking itself after
// a write failure must not cancel a newer subscription installed by a racing
// unsubscribe/resubscribe.
type subscription struct {
	cancel context.CancelFunc
}

func newSession(conn Conn, maxCursors int) *Session {
	return &Session{
		conn:    conn,
		connID:  uuid.NewString(),
		cursors: cursorTable{max: maxCursors},
	}
}

// ConnID returns the server-assigned connection identifier, stable for the
// socket's lifetime.
func (s *Session) ConnID() string { return s.connID }

// Auth returns a snapshot of the session's authentication context.
func (s *Session) Auth() auth.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

// Subscribed reports whether the session currently receives change events.
func (s *Session) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil
}

// checkAuth fails with Unauthorized when the session has not logged in or
// its role is below required.
func (s *Session) checkAuth(required auth.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth.Check(required)
}

// database returns the bound database handle, failing when OpenDatabase has
// not run yet.
func (s *Session) database() (engine.Engine, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, "", errNoDatabase
	}
	return s.db, s.dbName, nil
}

// teardown closes every cursor and revokes the subscription. Called once
// from the transport's close path; safe against concurrent handlers.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	s.sub = nil
	s.cursors.closeAll()
	s.db = nil
	s.mu.Unlock()

	if sub != nil {
		sub.cancel()
	}
}

// cursorTable maps connection-scoped request ids to open result sets. Slots
// are reused after close so ids stay small; an id is unique among open
// cursors at any instant. Entries live until explicit close, exhaustion, or
// connection teardown — there is no idle timeout.
type cursorTable struct {
	slots []cursorSlot
	open  int
	max   int
}

type cursorSlot struct {
	res       engine.Results
	localOnly bool
	used      bool
}

// put registers a result set and returns its request id.
func (t *cursorTable) put(res engine.Results, localOnly bool) (int, error) {
	if t.max > 0 && t.open >= t.max {
		return 0, fmt.Errorf("%d open: %w", t.open, ErrTooManyCursors)
	}
	slot := cursorSlot{res: res, localOnly: localOnly, used: true}
	for i := range t.slots {
		if !t.slots[i].used {
			t.slots[i] = slot
			t.open++
			return i, nil
		}
	}
	t.slots = append(t.slots, slot)
	t.open++
	return len(t.slots) - 1, nil
}

// get looks up an open cursor.
func (t *cursorTable) get(id int) (engine.Results, bool, error) {
	if id < 0 || id >= len(t.slots) || !t.slots[id].used {
		return nil, false, fmt.Errorf("%d: %w", id, ErrCursorNotFound)
	}
	return t.slots[id].res, t.slots[id].localOnly, nil
}

// close releases one cursor, reporting whether it was open.
func (t *cursorTable) close(id int) bool {
	if id < 0 || id >= len(t.slots) || !t.slots[id].used {
		return false
	}
	t.slots[id].res.Close()
	t.slots[id] = cursorSlot{}
	t.open--
	return true
}

// closeAll releases every open cursor.
func (t *cursorTable) closeAll() {
	for i := range t.slots {
		if t.slots[i].used {
			t.slots[i].res.Close()
			t.slots[i] = cursorSlot{}
		}
	}
	t.open = 0
}
