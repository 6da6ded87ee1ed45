package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quartzdb/quartz-server/auth"
	"github.com/quartzdb/quartz-server/dbmanager"
	"github.com/quartzdb/quartz-server/events"
	"github.com/quartzdb/quartz-server/events/memoryhub"
	"github.com/quartzdb/quartz-server/internal/proto"
)

// fakeConn records pushed events in place of a network transport.
type fakeConn struct {
	mu     sync.Mutex
	events []events.Event
	closed bool
}

var _ Conn = (*fakeConn)(nil)

func (f *fakeConn) RemoteAddr() string { return "fake:0" }

func (f *fakeConn) WriteEvent(ev events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeConn) event(i int) events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[i]
}

type testEnv struct {
	srv *Server
	hub *memoryhub.Hub
	seq uint32
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	mgr, err := dbmanager.New(dbmanager.Config{AutoCreate: true})
	if err != nil {
		t.Fatalf("dbmanager.New() failed: %v", err)
	}
	mgr.AddUser("root", "rootpw", map[string]auth.Role{"*": auth.RoleOwner})
	mgr.AddUser("writer", "writerpw", map[string]auth.Role{"testdb": auth.RoleReadWrite})
	mgr.AddUser("reader", "readerpw", map[string]auth.Role{"testdb": auth.RoleReader})

	hub := memoryhub.New()
	t.Cleanup(func() { hub.Close() })

	return &testEnv{srv: NewServer(mgr, hub, opts...), hub: hub}
}

func (e *testEnv) session() (*Session, *fakeConn) {
	fc := &fakeConn{}
	return e.srv.NewSession(fc), fc
}

func (e *testEnv) do(sess *Session, cmd proto.CmdCode, args ...proto.Arg) *proto.Reply {
	e.seq++
	return e.srv.Dispatch(context.Background(), sess, &proto.Request{Seq: e.seq, Cmd: cmd, Args: args})
}

func (e *testEnv) mustOK(t *testing.T, sess *Session, cmd proto.CmdCode, args ...proto.Arg) *proto.Reply {
	t.Helper()
	rep := e.do(sess, cmd, args...)
	if rep.Status != proto.StatusOK {
		t.Fatalf("%s: status %v, err %q", cmd, rep.Status, rep.ErrMsg)
	}
	return rep
}

func (e *testEnv) loginOpen(t *testing.T, sess *Session, login, password, db string) {
	t.Helper()
	e.mustOK(t, sess, proto.CmdLogin, proto.StringArg(login), proto.StringArg(password), proto.StringArg(db))
	e.mustOK(t, sess, proto.CmdOpenDatabase, proto.StringArg(db))
}

func TestPingNeedsNoAuth(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session()
	env.mustOK(t, sess, proto.CmdPing)
}

func TestCommandsRejectedBeforeLogin(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session()

	for _, cmd := range []proto.CmdCode{
		proto.CmdOpenDatabase,
	} {
		rep := env.do(sess, cmd, proto.StringArg("testdb"))
		if rep.Status != proto.StatusUnauthorized {
			t.Fatalf("%s before login: status %v, want Unauthorized", cmd, rep.Status)
		}
	}

	rep := env.do(sess, proto.CmdEnumNamespaces)
	if rep.Status != proto.StatusUnauthorized {
		t.Fatalf("EnumNamespaces before login: status %v, want Unauthorized", rep.Status)
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session()

	rep := env.mustOK(t, sess, proto.CmdLogin,
		proto.StringArg("writer"), proto.StringArg("writerpw"), proto.StringArg("testdb"))
	if len(rep.Args) != 2 {
		t.Fatalf("login reply carries %d args, want 2", len(rep.Args))
	}
	if rep.Args[0].Int == 0 {
		t.Fatal("login reply start timestamp is zero")
	}
	if rep.Args[1].Str != "readwrite" {
		t.Fatalf("login reply role: got %q, want readwrite", rep.Args[1].Str)
	}

	// Same identity again is a no-op.
	env.mustOK(t, sess, proto.CmdLogin,
		proto.StringArg("writer"), proto.StringArg("writerpw"), proto.StringArg("testdb"))

	// Switching identity mid-connection is refused.
	rep = env.do(sess, proto.CmdLogin,
		proto.StringArg("reader"), proto.StringArg("readerpw"), proto.StringArg("testdb"))
	if rep.Status != proto.StatusUnauthorized {
		t.Fatalf("identity switch: status %v, want Unauthorized", rep.Status)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session()

	rep := env.do(sess, proto.CmdLogin,
		proto.StringArg("writer"), proto.StringArg("nope"), proto.StringArg("testdb"))
	if rep.Status != proto.StatusUnauthorized {
		t.Fatalf("status %v, want Unauthorized", rep.Status)
	}

	// A failed login leaves the connection unauthenticated.
	rep = env.do(sess, proto.CmdOpenDatabase, proto.StringArg("testdb"))
	if rep.Status != proto.StatusUnauthorized {
		t.Fatalf("status %v, want Unauthorized", rep.Status)
	}
}

func TestOpenDatabase(t *testing.T) {
	env := newTestEnv(t)

	// A non-owner cannot create a missing database.
	sess, _ := env.session()
	env.mustOK(t, sess, proto.CmdLogin,
		proto.StringArg("writer"), proto.StringArg("writerpw"), proto.StringArg("testdb"))
	rep := env.do(sess, proto.CmdOpenDatabase, proto.StringArg("testdb"))
	if rep.Status != proto.StatusNotFound {
		t.Fatalf("open missing db as writer: status %v, want NotFound", rep.Status)
	}

	// The owner creates it; the writer can then open it.
	owner, _ := env.session()
	env.loginOpen(t, owner, "root", "rootpw", "testdb")
	env.mustOK(t, sess, proto.CmdOpenDatabase, proto.StringArg("testdb"))

	// Re-opening the same database is idempotent.
	env.mustOK(t, sess, proto.CmdOpenDatabase, proto.StringArg("testdb"))

	// Opening another database on the same connection conflicts.
	rep = env.do(sess, proto.CmdOpenDatabase, proto.StringArg("otherdb"))
	if rep.Status != proto.StatusConflict && rep.Status != proto.StatusUnauthorized {
		t.Fatalf("second open: status %v, want Conflict or Unauthorized", rep.Status)
	}
}

func TestOpenDatabaseOutsideGrant(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session()
	env.mustOK(t, sess, proto.CmdLogin,
		proto.StringArg("writer"), proto.StringArg("writerpw"), proto.StringArg("testdb"))

	rep := env.do(sess, proto.CmdOpenDatabase, proto.StringArg("elsewhere"))
	if rep.Status != proto.StatusUnauthorized {
		t.Fatalf("status %v, want Unauthorized", rep.Status)
	}
}

func TestRoleEnforcement(t *testing.T) {
	env := newTestEnv(t)
	owner, _ := env.session()
	env.loginOpen(t, owner, "root", "rootpw", "testdb")
	env.mustOK(t, owner, proto.CmdOpenNamespace, proto.StringArg("items"))

	reader, _ := env.session()
	env.loginOpen(t, reader, "reader", "readerpw", "testdb")

	rep := env.do(reader, proto.CmdModifyItem,
		proto.StringArg("items"), proto.Int64Arg(0), proto.BytesArg([]byte(`{"id":1}`)),
		proto.Int64Arg(2), proto.BytesArg(nil), proto.Int64Arg(0), proto.Int64Arg(0))
	if rep.Status != proto.StatusUnauthorized {
		t.Fatalf("reader write: status %v, want Unauthorized", rep.Status)
	}

	rep = env.do(reader, proto.CmdDropNamespace, proto.StringArg("items"))
	if rep.Status != proto.StatusUnauthorized {
		t.Fatalf("reader drop namespace: status %v, want Unauthorized", rep.Status)
	}

	// Reads are allowed.
	env.mustOK(t, reader, proto.CmdEnumNamespaces)
}

func TestCommandNeedsOpenDatabase(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session()
	env.mustOK(t, sess, proto.CmdLogin,
		proto.StringArg("root"), proto.StringArg("rootpw"), proto.StringArg("testdb"))

	rep := env.do(sess, proto.CmdOpenNamespace, proto.StringArg("items"))
	if rep.Status != proto.StatusProtocolError {
		t.Fatalf("status %v, want ProtocolError", rep.Status)
	}
}

func TestUnknownCommand(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session()

	rep := env.do(sess, proto.CmdCode(0x7a7a))
	if rep.Status != proto.StatusProtocolError {
		t.Fatalf("status %v, want ProtocolError", rep.Status)
	}
}

func TestSignatureMismatch(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session()

	rep := env.do(sess, proto.CmdLogin, proto.StringArg("only-one-arg"))
	if rep.Status != proto.StatusProtocolError {
		t.Fatalf("status %v, want ProtocolError", rep.Status)
	}
}

func upsertItem(t *testing.T, env *testEnv, sess *Session, ns, doc string) {
	t.Helper()
	env.mustOK(t, sess, proto.CmdModifyItem,
		proto.StringArg(ns), proto.Int64Arg(0), proto.BytesArg([]byte(doc)),
		proto.Int64Arg(2), proto.BytesArg(nil), proto.Int64Arg(0), proto.Int64Arg(0))
}

// page unpacks a result-page reply: reqID, total, offset, rows.
func page(t *testing.T, rep *proto.Reply) (reqID, total, offset int, rows [][]byte) {
	t.Helper()
	if len(rep.Args) < 4 {
		t.Fatalf("result page carries %d args", len(rep.Args))
	}
	reqID = int(rep.Args[0].Int)
	total = int(rep.Args[1].Int)
	offset = int(rep.Args[2].Int)
	count := int(rep.Args[3].Int)
	if len(rep.Args) != 4+count {
		t.Fatalf("row count %d does not match %d trailing args", count, len(rep.Args)-4)
	}
	for i := 0; i < count; i++ {
		rows = append(rows, rep.Args[4+i].Bytes)
	}
	return reqID, total, offset, rows
}

func TestSelectFetchPaging(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session()
	env.loginOpen(t, sess, "root", "rootpw", "testdb")
	env.mustOK(t, sess, proto.CmdOpenNamespace, proto.StringArg("items"))
	for _, doc := range []string{`{"id":1}`, `{"id":2}`, `{"id":3}`} {
		upsertItem(t, env, sess, "items", doc)
	}

	rep := env.mustOK(t, sess, proto.CmdSelectSQL,
		proto.BytesArg([]byte("SELECT * FROM items")), proto.Int64Arg(FlagWithTotalCount), proto.Int64Arg(1), proto.BytesArg(nil))
	reqID, total, offset, rows := page(t, rep)
	if total != 3 || offset != 0 || len(rows) != 1 {
		t.Fatalf("first page: total=%d offset=%d rows=%d", total, offset, len(rows))
	}

	// Middle page.
	rep = env.mustOK(t, sess, proto.CmdFetchResults,
		proto.Int64Arg(int64(reqID)), proto.Int64Arg(FlagWithTotalCount), proto.Int64Arg(1), proto.Int64Arg(1))
	_, total, offset, rows = page(t, rep)
	if total != 3 || offset != 1 || len(rows) != 1 {
		t.Fatalf("second page: total=%d offset=%d rows=%d", total, offset, len(rows))
	}

	// Final window is clamped to the remaining rows and exhausts the
	// cursor, which auto-closes.
	rep = env.mustOK(t, sess, proto.CmdFetchResults,
		proto.Int64Arg(int64(reqID)), proto.Int64Arg(FlagWithTotalCount), proto.Int64Arg(2), proto.Int64Arg(10))
	_, total, _, rows = page(t, rep)
	if total != 3 || len(rows) != 1 {
		t.Fatalf("final page: total=%d rows=%d", total, len(rows))
	}

	rep = env.do(sess, proto.CmdFetchResults,
		proto.Int64Arg(int64(reqID)), proto.Int64Arg(0), proto.Int64Arg(0), proto.Int64Arg(1))
	if rep.Status != proto.StatusNotFound {
		t.Fatalf("fetch after exhaustion: status %v, want NotFound", rep.Status)
	}
}

func TestSelectSinglePageAutoCloses(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session()
	env.loginOpen(t, sess, "root", "rootpw", "testdb")
	env.mustOK(t, sess, proto.CmdOpenNamespace, proto.StringArg("items"))
	upsertItem(t, env, sess, "items", `{"id":1}`)

	rep := env.mustOK(t, sess, proto.CmdSelectSQL,
		proto.BytesArg([]byte("SELECT * FROM items")), proto.Int64Arg(FlagWithTotalCount), proto.Int64Arg(0), proto.BytesArg(nil))
	reqID, total, _, rows := page(t, rep)
	if total != 1 || len(rows) != 1 {
		t.Fatalf("got total=%d rows=%d", total, len(rows))
	}

	rep = env.do(sess, proto.CmdFetchResults,
		proto.Int64Arg(int64(reqID)), proto.Int64Arg(0), proto.Int64Arg(0), proto.Int64Arg(1))
	if rep.Status != proto.StatusNotFound {
		t.Fatalf("fetch on auto-closed cursor: status %v, want NotFound", rep.Status)
	}
}

func TestTotalCountOnlyWhenRequested(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session()
	env.loginOpen(t, sess, "root", "rootpw", "testdb")
	env.mustOK(t, sess, proto.CmdOpenNamespace, proto.StringArg("items"))
	upsertItem(t, env, sess, "items", `{"id":1}`)
	upsertItem(t, env, sess, "items", `{"id":2}`)

	rep := env.mustOK(t, sess, proto.CmdSelectSQL,
		proto.BytesArg([]byte("SELECT * FROM items")), proto.Int64Arg(0), proto.Int64Arg(0), proto.BytesArg(nil))
	_, total, _, rows := page(t, rep)
	if total != 0 || len(rows) != 2 {
		t.Fatalf("without flag: total=%d rows=%d, want 0 and 2", total, len(rows))
	}

	rep = env.mustOK(t, sess, proto.CmdSelectSQL,
		proto.BytesArg([]byte("SELECT * FROM items")), proto.Int64Arg(FlagWithTotalCount), proto.Int64Arg(0), proto.BytesArg(nil))
	_, total, _, rows = page(t, rep)
	if total != 2 || len(rows) != 2 {
		t.Fatalf("with flag: total=%d rows=%d, want 2 and 2", total, len(rows))
	}
}

func TestCloseResults(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session()
	env.loginOpen(t, sess, "root", "rootpw", "testdb")
	env.mustOK(t, sess, proto.CmdOpenNamespace, proto.StringArg("items"))
	upsertItem(t, env, sess, "items", `{"id":1}`)
	upsertItem(t, env, sess, "items", `{"id":2}`)

	rep := env.mustOK(t, sess, proto.CmdSelectSQL,
		proto.BytesArg([]byte("SELECT * FROM items")), proto.Int64Arg(FlagKeepResults), proto.Int64Arg(1), proto.BytesArg(nil))
	reqID, _, _, _ := page(t, rep)

	env.mustOK(t, sess, proto.CmdCloseResults, proto.Int64Arg(int64(reqID)))

	rep = env.do(sess, proto.CmdCloseResults, proto.Int64Arg(int64(reqID)))
	if rep.Status != proto.StatusNotFound {
		t.Fatalf("double close: status %v, want NotFound", rep.Status)
	}
}

func TestCursorIDReuseAfterClose(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session()
	env.loginOpen(t, sess, "root", "rootpw", "testdb")
	env.mustOK(t, sess, proto.CmdOpenNamespace, proto.StringArg("items"))
	upsertItem(t, env, sess, "items", `{"id":1}`)
	upsertItem(t, env, sess, "items", `{"id":2}`)

	sel := func() int {
		rep := env.mustOK(t, sess, proto.CmdSelectSQL,
			proto.BytesArg([]byte("SELECT * FROM items")), proto.Int64Arg(FlagKeepResults), proto.Int64Arg(1), proto.BytesArg(nil))
		id, _, _, _ := page(t, rep)
		return id
	}

	first := sel()
	second := sel()
	if first == second {
		t.Fatalf("two open cursors share id %d", first)
	}

	env.mustOK(t, sess, proto.CmdCloseResults, proto.Int64Arg(int64(first)))
	third := sel()
	if third != first {
		t.Fatalf("freed slot not reused: got id %d, want %d", third, first)
	}
}

func TestTooManyCursors(t *testing.T) {
	env := newTestEnv(t, WithMaxCursors(1))
	sess, _ := env.session()
	env.loginOpen(t, sess, "root", "rootpw", "testdb")
	env.mustOK(t, sess, proto.CmdOpenNamespace, proto.StringArg("items"))
	upsertItem(t, env, sess, "items", `{"id":1}`)
	upsertItem(t, env, sess, "items", `{"id":2}`)

	env.mustOK(t, sess, proto.CmdSelectSQL,
		proto.BytesArg([]byte("SELECT * FROM items")), proto.Int64Arg(FlagKeepResults), proto.Int64Arg(1), proto.BytesArg(nil))

	rep := env.do(sess, proto.CmdSelectSQL,
		proto.BytesArg([]byte("SELECT * FROM items")), proto.Int64Arg(FlagKeepResults), proto.Int64Arg(1), proto.BytesArg(nil))
	if rep.Status != proto.StatusResourceExhausted {
		t.Fatalf("status %v, want ResourceExhausted", rep.Status)
	}
}

func TestDropNamespaceInvalidatesCursor(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session()
	env.loginOpen(t, sess, "root", "rootpw", "testdb")
	env.mustOK(t, sess, proto.CmdOpenNamespace, proto.StringArg("items"))
	upsertItem(t, env, sess, "items", `{"id":1}`)
	upsertItem(t, env, sess, "items", `{"id":2}`)

	rep := env.mustOK(t, sess, proto.CmdSelectSQL,
		proto.BytesArg([]byte("SELECT * FROM items")), proto.Int64Arg(FlagKeepResults), proto.Int64Arg(1), proto.BytesArg(nil))
	reqID, _, _, _ := page(t, rep)

	env.mustOK(t, sess, proto.CmdDropNamespace, proto.StringArg("items"))

	rep = env.do(sess, proto.CmdFetchResults,
		proto.Int64Arg(int64(reqID)), proto.Int64Arg(0), proto.Int64Arg(1), proto.Int64Arg(1))
	if rep.Status != proto.StatusConflict {
		t.Fatalf("fetch after drop: status %v, want Conflict", rep.Status)
	}

	// The invalidated cursor was released; the id no longer resolves.
	rep = env.do(sess, proto.CmdFetchResults,
		proto.Int64Arg(int64(reqID)), proto.Int64Arg(0), proto.Int64Arg(1), proto.Int64Arg(1))
	if rep.Status != proto.StatusNotFound {
		t.Fatalf("fetch after release: status %v, want NotFound", rep.Status)
	}
}

func TestModifyItemReturnsAffectedRows(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session()
	env.loginOpen(t, sess, "root", "rootpw", "testdb")
	env.mustOK(t, sess, proto.CmdOpenNamespace, proto.StringArg("items"))

	rep := env.mustOK(t, sess, proto.CmdModifyItem,
		proto.StringArg("items"), proto.Int64Arg(0), proto.BytesArg([]byte(`{"id":1,"v":"x"}`)),
		proto.Int64Arg(2), proto.BytesArg(nil), proto.Int64Arg(0), proto.Int64Arg(0))
	_, total, _, rows := page(t, rep)
	if total != 1 || len(rows) != 1 {
		t.Fatalf("upsert page: total=%d rows=%d", total, len(rows))
	}
	var doc map[string]any
	if err := json.Unmarshal(rows[0], &doc); err != nil {
		t.Fatalf("affected row is not JSON: %v", err)
	}
	if doc["v"] != "x" {
		t.Fatalf("got v=%v, want x", doc["v"])
	}
}

func TestDeleteQuery(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session()
	env.loginOpen(t, sess, "root", "rootpw", "testdb")
	env.mustOK(t, sess, proto.CmdOpenNamespace, proto.StringArg("logs"))
	upsertItem(t, env, sess, "logs", `{"id":1,"level":"debug"}`)
	upsertItem(t, env, sess, "logs", `{"id":2,"level":"error"}`)

	rep := env.mustOK(t, sess, proto.CmdDeleteQuery,
		proto.BytesArg([]byte(`DELETE FROM logs WHERE level = 'debug'`)))
	reqID, total, _, rows := page(t, rep)
	if total != 1 || len(rows) != 1 {
		t.Fatalf("delete page: total=%d rows=%d", total, len(rows))
	}

	// Deleted rows are never paged back out.
	rep = env.do(sess, proto.CmdFetchResults,
		proto.Int64Arg(int64(reqID)), proto.Int64Arg(0), proto.Int64Arg(0), proto.Int64Arg(1))
	if rep.Status != proto.StatusNotFound {
		t.Fatalf("fetch on delete results: status %v, want NotFound", rep.Status)
	}
}

func TestMetaCommands(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session()
	env.loginOpen(t, sess, "root", "rootpw", "testdb")
	env.mustOK(t, sess, proto.CmdOpenNamespace, proto.StringArg("cfg"))

	env.mustOK(t, sess, proto.CmdPutMeta,
		proto.StringArg("cfg"), proto.StringArg("schema"), proto.BytesArg([]byte("v1")))

	rep := env.mustOK(t, sess, proto.CmdGetMeta, proto.StringArg("cfg"), proto.StringArg("schema"))
	if len(rep.Args) != 1 || string(rep.Args[0].Bytes) != "v1" {
		t.Fatalf("got %+v", rep.Args)
	}

	rep = env.do(sess, proto.CmdGetMeta, proto.StringArg("cfg"), proto.StringArg("missing"))
	if rep.Status != proto.StatusNotFound {
		t.Fatalf("missing key: status %v, want NotFound", rep.Status)
	}

	rep = env.mustOK(t, sess, proto.CmdEnumMeta, proto.StringArg("cfg"))
	var keys []string
	if err := json.Unmarshal(rep.Args[0].Bytes, &keys); err != nil {
		t.Fatalf("EnumMeta reply: %v", err)
	}
	if len(keys) != 1 || keys[0] != "schema" {
		t.Fatalf("got keys %v", keys)
	}
}

func TestStaleStateTokenConflicts(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session()
	env.loginOpen(t, sess, "root", "rootpw", "testdb")
	env.mustOK(t, sess, proto.CmdOpenNamespace, proto.StringArg("items"))
	upsertItem(t, env, sess, "items", `{"id":1}`)

	rep := env.do(sess, proto.CmdModifyItem,
		proto.StringArg("items"), proto.Int64Arg(0), proto.BytesArg([]byte(`{"id":2}`)),
		proto.Int64Arg(2), proto.BytesArg(nil), proto.Int64Arg(12345), proto.Int64Arg(0))
	if rep.Status != proto.StatusConflict {
		t.Fatalf("stale token: status %v, want Conflict", rep.Status)
	}
}

func TestEnumDatabasesRequiresOwner(t *testing.T) {
	env := newTestEnv(t)

	owner, _ := env.session()
	env.loginOpen(t, owner, "root", "rootpw", "testdb")

	rep := env.mustOK(t, owner, proto.CmdEnumDatabases)
	var names []string
	if err := json.Unmarshal(rep.Args[0].Bytes, &names); err != nil {
		t.Fatalf("EnumDatabases reply: %v", err)
	}
	if len(names) != 1 || names[0] != "testdb" {
		t.Fatalf("got %v", names)
	}

	writer, _ := env.session()
	env.loginOpen(t, writer, "writer", "writerpw", "testdb")
	rep = env.do(writer, proto.CmdEnumDatabases)
	if rep.Status != proto.StatusUnauthorized {
		t.Fatalf("status %v, want Unauthorized", rep.Status)
	}
}

func TestDropDatabase(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session()
	env.loginOpen(t, sess, "root", "rootpw", "testdb")
	env.mustOK(t, sess, proto.CmdOpenNamespace, proto.StringArg("items"))

	env.mustOK(t, sess, proto.CmdDropDatabase)

	// The binding is gone; database-scoped commands need a new open.
	rep := env.do(sess, proto.CmdEnumNamespaces)
	if rep.Status != proto.StatusProtocolError {
		t.Fatalf("status %v, want ProtocolError", rep.Status)
	}
}

func waitForEvents(t *testing.T, fc *fakeConn, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fc.eventCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", want, fc.eventCount())
}

func TestSubscribeUpdatesFanout(t *testing.T) {
	env := newTestEnv(t)

	writer, _ := env.session()
	env.loginOpen(t, writer, "root", "rootpw", "testdb")
	env.mustOK(t, writer, proto.CmdOpenNamespace, proto.StringArg("items"))

	sub, subConn := env.session()
	env.loginOpen(t, sub, "reader", "readerpw", "testdb")
	env.mustOK(t, sub, proto.CmdSubscribeUpdates, proto.Int64Arg(1))

	other, otherConn := env.session()
	env.loginOpen(t, other, "writer", "writerpw", "testdb")

	upsertItem(t, env, writer, "items", `{"id":1,"v":"a"}`)

	waitForEvents(t, subConn, 1)
	ev := subConn.event(0)
	if ev.Kind != events.KindItemModified {
		t.Fatalf("got kind %v, want item modified", ev.Kind)
	}
	if ev.Database != "testdb" || ev.Namespace != "items" {
		t.Fatalf("got db=%q ns=%q", ev.Database, ev.Namespace)
	}
	if ev.ID == "" {
		t.Fatal("event has no id")
	}

	if n := otherConn.eventCount(); n != 0 {
		t.Fatalf("non-subscriber received %d events", n)
	}

	// Unsubscribe takes effect immediately: nothing published afterwards
	// reaches the connection.
	env.mustOK(t, sub, proto.CmdSubscribeUpdates, proto.Int64Arg(0))
	upsertItem(t, env, writer, "items", `{"id":2,"v":"b"}`)
	time.Sleep(50 * time.Millisecond)
	if n := subConn.eventCount(); n != 1 {
		t.Fatalf("events after unsubscribe: have %d, want 1", n)
	}
}

func TestSubscribeRequiresOpenDatabase(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session()
	env.mustOK(t, sess, proto.CmdLogin,
		proto.StringArg("root"), proto.StringArg("rootpw"), proto.StringArg("testdb"))

	rep := env.do(sess, proto.CmdSubscribeUpdates, proto.Int64Arg(1))
	if rep.Status != proto.StatusProtocolError {
		t.Fatalf("status %v, want ProtocolError", rep.Status)
	}
}

// failingConn rejects every event write.
type failingConn struct {
	fakeConn
}

func (f *failingConn) WriteEvent(ev events.Event) error {
	return errors.New("peer went away")
}

func TestWriteFailureRevokesOnlyItsOwnSubscription(t *testing.T) {
	env := newTestEnv(t)
	sess := env.srv.NewSession(&failingConn{})

	stream, err := env.hub.Subscribe(context.Background(), "testdb")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	oldCtx, oldCancel := context.WithCancel(context.Background())
	old := &subscription{cancel: oldCancel}
	newCtx, newCancel := context.WithCancel(context.Background())
	defer newCancel()
	replacement := &subscription{cancel: newCancel}

	// An unsubscribe/resubscribe has already replaced the delivery
	// goroutine's subscription.
	sess.mu.Lock()
	sess.sub = replacement
	sess.mu.Unlock()

	if _, err := env.hub.Publish(context.Background(), events.Event{Kind: events.KindItemModified, Database: "testdb", Namespace: "items"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	env.srv.deliver(oldCtx, sess, stream, old)

	if oldCtx.Err() == nil {
		t.Fatal("failed delivery did not revoke its own subscription")
	}
	if newCtx.Err() != nil {
		t.Fatal("failed delivery cancelled the replacement subscription")
	}
	if !sess.Subscribed() {
		t.Fatal("replacement subscription was cleared")
	}
}

func TestTeardownReleasesSubscription(t *testing.T) {
	env := newTestEnv(t)

	writer, _ := env.session()
	env.loginOpen(t, writer, "root", "rootpw", "testdb")
	env.mustOK(t, writer, proto.CmdOpenNamespace, proto.StringArg("items"))

	sub, subConn := env.session()
	env.loginOpen(t, sub, "reader", "readerpw", "testdb")
	env.mustOK(t, sub, proto.CmdSubscribeUpdates, proto.Int64Arg(1))

	env.srv.OnClose(context.Background(), sub, nil)

	upsertItem(t, env, writer, "items", `{"id":1}`)
	time.Sleep(50 * time.Millisecond)
	if n := subConn.eventCount(); n != 0 {
		t.Fatalf("closed session received %d events", n)
	}

	// Commands after teardown fail rather than panic.
	rep := env.do(sub, proto.CmdEnumNamespaces)
	if rep.Status == proto.StatusOK {
		t.Fatal("command succeeded on a torn-down session")
	}
}

func TestFullScenario(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.session()

	env.mustOK(t, sess, proto.CmdLogin,
		proto.StringArg("root"), proto.StringArg("rootpw"), proto.StringArg("inventory"))
	env.mustOK(t, sess, proto.CmdOpenDatabase, proto.StringArg("inventory"))
	env.mustOK(t, sess, proto.CmdOpenNamespace, proto.StringArg("stock"), proto.BoolArg(true), proto.BoolArg(false))
	env.mustOK(t, sess, proto.CmdAddIndex,
		proto.StringArg("stock"), proto.BytesArg([]byte(`{"Name":"sku","JSONPath":"sku","IndexType":"hash","FieldType":"string"}`)))

	for _, doc := range []string{
		`{"id":1,"sku":"a-1","qty":10}`,
		`{"id":2,"sku":"b-2","qty":0}`,
		`{"id":3,"sku":"c-3","qty":7}`,
	} {
		upsertItem(t, env, sess, "stock", doc)
	}

	rep := env.mustOK(t, sess, proto.CmdSelectSQL,
		proto.BytesArg([]byte(`SELECT * FROM stock WHERE sku = 'b-2'`)),
		proto.Int64Arg(FlagWithTotalCount), proto.Int64Arg(0), proto.BytesArg(nil))
	_, total, _, rows := page(t, rep)
	if total != 1 || len(rows) != 1 {
		t.Fatalf("got total=%d rows=%d", total, len(rows))
	}

	env.mustOK(t, sess, proto.CmdCommit, proto.StringArg("stock"))
	env.mustOK(t, sess, proto.CmdCloseNamespace, proto.StringArg("stock"))
	env.mustOK(t, sess, proto.CmdCloseDatabase)

	// After CloseDatabase the auth context survives; re-open works without
	// a fresh login.
	env.mustOK(t, sess, proto.CmdOpenDatabase, proto.StringArg("inventory"))
	rep = env.mustOK(t, sess, proto.CmdEnumNamespaces)
	var defs []map[string]any
	if err := json.Unmarshal(rep.Args[0].Bytes, &defs); err != nil {
		t.Fatalf("EnumNamespaces reply: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("got %d namespaces, want 1", len(defs))
	}
}
