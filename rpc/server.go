package rpc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/quartzdb/quartz-server/auth"
	"github.com/quartzdb/quartz-server/engine"
	"github.com/quartzdb/quartz-server/events"
	"github.com/quartzdb/quartz-server/internal/proto"
)

// errNoDatabase indicates a command that needs a bound database ran before
// OpenDatabase.
var errNoDatabase = errors.New("no database opened")

// Result paging flags carried on Select/FetchResults.
const (
	// FlagKeepResults keeps the cursor open even when a page exhausts it.
	FlagKeepResults int64 = 1 << 0
	// FlagWithTotalCount asks for the total match count on every page.
	// Without it the total field of a page reads zero.
	FlagWithTotalCount int64 = 1 << 1
)

// DefaultMaxCursors caps open result sets per connection.
const DefaultMaxCursors = 256

// DatabaseManager is the multi-database collaborator the server consumes:
// it verifies credentials and owns named database instances.
type DatabaseManager interface {
	Authenticate(ctx context.Context, login, password, dbName string) (auth.Role, error)
	// GetDatabase resolves a database handle; role is the caller's granted
	// role, which implementations may use to gate creation.
	GetDatabase(ctx context.Context, name string, role auth.Role) (engine.Engine, error)
	Drop(ctx context.Context, name string) error
	EnumDatabases(ctx context.Context) ([]string, error)
}

// Server is the RPC command layer: it owns the dispatcher, creates sessions
// for accepted connections, and bridges engine change callbacks into the
// event hub.
type Server struct {
	mgr        DatabaseManager
	hub        events.Hub
	disp       *Dispatcher
	log        *slog.Logger
	startTs    time.Time
	maxCursors int

	obsMu    sync.Mutex
	observed map[string]*fanoutObserver
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMaxCursors overrides the per-connection open result set cap
// (0 disables the cap).
func WithMaxCursors(n int) Option {
	return func(s *Server) { s.maxCursors = n }
}

func NewServer(mgr DatabaseManager, hub events.Hub, opts ...Option) *Server {
	s := &Server{
		mgr:        mgr,
		hub:        hub,
		log:        slog.Default(),
		startTs:    time.Now(),
		maxCursors: DefaultMaxCursors,
		observed:   make(map[string]*fanoutObserver),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.disp = NewDispatcher(s.logHook)
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	str := proto.ArgString
	num := proto.ArgInt
	blob := proto.ArgBytes

	sig := func(types ...proto.ArgType) proto.Signature { return proto.Signature{Types: types} }

	s.disp.Register(proto.CmdPing, sig(), s.ping)
	s.disp.Register(proto.CmdLogin, sig(str, str, str), s.login)
	s.disp.Register(proto.CmdOpenDatabase, sig(str), s.openDatabase)
	s.disp.Register(proto.CmdCloseDatabase, sig(), s.closeDatabase)
	s.disp.Register(proto.CmdDropDatabase, sig(), s.dropDatabase)
	s.disp.Register(proto.CmdEnumDatabases, sig(), s.enumDatabases)

	// OpenNamespace takes optional trailing storage options.
	s.disp.Register(proto.CmdOpenNamespace, proto.Signature{Types: []proto.ArgType{str}, Variadic: true}, s.openNamespace)
	s.disp.Register(proto.CmdDropNamespace, sig(str), s.dropNamespace)
	s.disp.Register(proto.CmdCloseNamespace, sig(str), s.closeNamespace)
	s.disp.Register(proto.CmdEnumNamespaces, sig(), s.enumNamespaces)

	s.disp.Register(proto.CmdAddIndex, sig(str, blob), s.addIndex)
	s.disp.Register(proto.CmdUpdateIndex, sig(str, blob), s.updateIndex)
	s.disp.Register(proto.CmdDropIndex, sig(str, str), s.dropIndex)
	s.disp.Register(proto.CmdCommit, sig(str), s.commit)

	s.disp.Register(proto.CmdModifyItem, sig(str, num, blob, num, blob, num, num), s.modifyItem)
	s.disp.Register(proto.CmdDeleteQuery, sig(blob), s.deleteQuery)

	s.disp.Register(proto.CmdSelect, sig(blob, num, num, blob), s.selectQuery)
	s.disp.Register(proto.CmdSelectSQL, sig(blob, num, num, blob), s.selectSQL)
	s.disp.Register(proto.CmdFetchResults, sig(num, num, num, num), s.fetchResults)
	s.disp.Register(proto.CmdCloseResults, sig(num), s.closeResults)

	s.disp.Register(proto.CmdGetMeta, sig(str, str), s.getMeta)
	s.disp.Register(proto.CmdPutMeta, sig(str, str, blob), s.putMeta)
	s.disp.Register(proto.CmdEnumMeta, sig(str), s.enumMeta)

	s.disp.Register(proto.CmdSubscribeUpdates, sig(num), s.subscribeUpdates)
}

// NewSession creates the per-connection state for an accepted connection.
func (s *Server) NewSession(conn Conn) *Session {
	return newSession(conn, s.maxCursors)
}

// Dispatch executes one command for sess. The transport calls this from the
// single per-connection read loop, preserving request order.
func (s *Server) Dispatch(ctx context.Context, sess *Session, req *proto.Request) *proto.Reply {
	return s.disp.Dispatch(ctx, sess, req)
}

// OnClose releases everything a session owns: cursors, subscription, and
// database binding. Invoked exactly once per connection teardown, whether
// graceful or after an I/O error.
func (s *Server) OnClose(ctx context.Context, sess *Session, err error) {
	subscribed := sess.Subscribed()
	sess.teardown()
	attrs := []any{slog.Bool("subscribed", subscribed)}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
	}
	s.log.InfoContext(ctx, "rpc.conn.close", attrs...)
}

// logHook is the dispatcher's completion hook: the sole place command
// outcomes are observed for auditing.
func (s *Server) logHook(ctx context.Context, c *Call, err error, elapsed time.Duration) {
	attrs := []any{
		slog.String("command", c.Cmd.String()),
		slog.Int("args", len(c.Args)),
		slog.Int64("dur_ms", elapsed.Milliseconds()),
	}
	if err != nil {
		attrs = append(attrs,
			slog.Int("status", int(statusOf(err))),
			slog.String("err", err.Error()),
		)
		s.log.InfoContext(ctx, "rpc.dispatch.fail", attrs...)
		return
	}
	attrs = append(attrs, slog.Int("ret", len(c.ret)))
	s.log.DebugContext(ctx, "rpc.dispatch", attrs...)
}
