// Package rpc implements the connection-scoped protocol engine: command
// dispatch, per-connection authentication and cursor state, the command
// handlers, and the change-event fan-out to subscribed connections.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quartzdb/quartz-server/auth"
	"github.com/quartzdb/quartz-server/dbmanager"
	"github.com/quartzdb/quartz-server/engine"
	"github.com/quartzdb/quartz-server/internal/proto"
)

// Call carries one dispatched command: the issuing session, the decoded
// arguments, and the reply arguments accumulated by the handler.
type Call struct {
	Sess *Session
	Cmd  proto.CmdCode
	Seq  uint32
	Args proto.Args

	ret proto.Args
}

// Return appends reply arguments.
func (c *Call) Return(args ...proto.Arg) { c.ret = append(c.ret, args...) }

// Argument accessors. The dispatcher validates the argument vector against
// the registered signature before invoking the handler, so positional
// access within the signature is safe.

func (c *Call) String(i int) string { return c.Args[i].Str }
func (c *Call) Int(i int) int64     { return c.Args[i].Int }
func (c *Call) Bytes(i int) []byte  { return c.Args[i].Bytes }
func (c *Call) Bool(i int) bool     { return c.Args[i].Bool }

// HandlerFunc executes one command against the call's session.
type HandlerFunc func(ctx context.Context, c *Call) error

// LogHook observes every dispatched command after completion. It must not
// alter control flow.
type LogHook func(ctx context.Context, c *Call, err error, elapsed time.Duration)

type handlerEntry struct {
	sig proto.Signature
	fn  HandlerFunc
}

// Dispatcher routes decoded request frames to registered handlers.
// Registration happens before the server accepts connections and is not
// safe to mutate concurrently with dispatch.
type Dispatcher struct {
	handlers map[proto.CmdCode]handlerEntry
	hook     LogHook
}

func NewDispatcher(hook LogHook) *Dispatcher {
	return &Dispatcher{handlers: make(map[proto.CmdCode]handlerEntry), hook: hook}
}

// Register binds cmd to fn with the given argument signature. Registering
// the same command twice is a programming error.
func (d *Dispatcher) Register(cmd proto.CmdCode, sig proto.Signature, fn HandlerFunc) {
	if _, dup := d.handlers[cmd]; dup {
		panic(fmt.Sprintf("rpc: duplicate handler for %s", cmd))
	}
	d.handlers[cmd] = handlerEntry{sig: sig, fn: fn}
}

// Dispatch executes one request for sess and produces its reply. Handler
// failures become reply-level status codes; they never propagate past the
// dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *Session, req *proto.Request) *proto.Reply {
	start := time.Now()
	rep := &proto.Reply{Seq: req.Seq}

	entry, ok := d.handlers[req.Cmd]
	if !ok {
		rep.Status = proto.StatusProtocolError
		rep.ErrMsg = fmt.Sprintf("unknown command %s", req.Cmd)
		if d.hook != nil {
			c := &Call{Sess: sess, Cmd: req.Cmd, Seq: req.Seq, Args: req.Args}
			d.hook(ctx, c, proto.NewError(proto.StatusProtocolError, "%s", rep.ErrMsg), time.Since(start))
		}
		return rep
	}

	c := &Call{Sess: sess, Cmd: req.Cmd, Seq: req.Seq, Args: req.Args}
	err := entry.sig.Check(req.Args)
	if err == nil {
		err = entry.fn(ctx, c)
	}
	if err != nil {
		rep.Status = statusOf(err)
		rep.ErrMsg = err.Error()
	} else {
		rep.Args = c.ret
	}

	if d.hook != nil {
		d.hook(ctx, c, err, time.Since(start))
	}
	return rep
}

// statusOf maps handler and collaborator errors onto reply status codes.
func statusOf(err error) proto.StatusCode {
	switch {
	case err == nil:
		return proto.StatusOK
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInsufficientRole):
		return proto.StatusUnauthorized
	case errors.Is(err, engine.ErrNamespaceNotFound),
		errors.Is(err, engine.ErrIndexNotFound),
		errors.Is(err, engine.ErrMetaNotFound),
		errors.Is(err, dbmanager.ErrDatabaseNotFound),
		errors.Is(err, ErrCursorNotFound):
		return proto.StatusNotFound
	case errors.Is(err, engine.ErrStaleState), errors.Is(err, engine.ErrResultsInvalidated):
		return proto.StatusConflict
	case errors.Is(err, ErrTooManyCursors):
		return proto.StatusResourceExhausted
	}
	return proto.StatusOf(err)
}
