package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quartzdb/quartz-server/auth"
	"github.com/quartzdb/quartz-server/engine"
	"github.com/quartzdb/quartz-server/internal/proto"
)

func (s *Server) ping(ctx context.Context, c *Call) error {
	// Ping carries no auth: it is the liveness probe.
	return nil
}

// login authenticates the connection. Repeated logins with the same
// credentials are a no-op; switching identity mid-connection is refused.
func (s *Server) login(ctx context.Context, c *Call) error {
	loginName, password, dbName := c.String(0), c.String(1), c.String(2)

	sess := c.Sess
	sess.mu.Lock()
	already := sess.auth.Authenticated()
	sameIdentity := sess.auth.Login() == loginName && sess.auth.Database() == dbName
	sess.mu.Unlock()

	if already && !sameIdentity {
		a := sess.Auth()
		return fmt.Errorf("connection already authenticated as %q: %w", a.Login(), auth.ErrUnauthorized)
	}

	role, err := s.mgr.Authenticate(ctx, loginName, password, dbName)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	sess.auth.Authenticate(loginName, role, dbName)
	sess.mu.Unlock()

	c.Return(
		proto.Int64Arg(s.startTs.Unix()),
		proto.StringArg(role.String()),
	)
	return nil
}

func (s *Server) openDatabase(ctx context.Context, c *Call) error {
	if err := c.Sess.checkAuth(auth.RoleReader); err != nil {
		return err
	}
	name := c.String(0)

	sess := c.Sess
	sess.mu.Lock()
	bound := sess.dbName
	granted := sess.auth.Role()
	authDB := sess.auth.Database()
	sess.mu.Unlock()

	if bound == name {
		return nil // idempotent re-open
	}
	if bound != "" {
		return proto.NewError(proto.StatusConflict, "database %q already opened", bound)
	}
	if authDB != "" && authDB != name {
		return fmt.Errorf("authenticated for database %q: %w", authDB, auth.ErrUnauthorized)
	}

	db, err := s.mgr.GetDatabase(ctx, name, granted)
	if err != nil {
		return err
	}
	s.ensureObserver(name, db)

	sess.mu.Lock()
	sess.db = db
	sess.dbName = name
	sess.mu.Unlock()
	return nil
}

// closeDatabase unbinds the database and releases every open cursor. Auth
// state survives; a following OpenDatabase needs no new Login.
func (s *Server) closeDatabase(ctx context.Context, c *Call) error {
	if err := c.Sess.checkAuth(auth.RoleReader); err != nil {
		return err
	}
	sess := c.Sess
	sess.mu.Lock()
	sess.cursors.closeAll()
	sess.db = nil
	sess.dbName = ""
	sub := sess.sub
	sess.sub = nil
	sess.mu.Unlock()
	if sub != nil {
		sub.cancel()
	}
	return nil
}

func (s *Server) dropDatabase(ctx context.Context, c *Call) error {
	if err := c.Sess.checkAuth(auth.RoleOwner); err != nil {
		return err
	}
	sess := c.Sess
	sess.mu.Lock()
	target := sess.dbName
	if target == "" {
		target = sess.auth.Database()
	}
	sess.mu.Unlock()
	if target == "" {
		return proto.NewError(proto.StatusNotFound, "no database selected")
	}

	if err := s.mgr.Drop(ctx, target); err != nil {
		return err
	}
	s.dropObserver(target)

	// Force-close this session's own binding if it pointed at the dropped
	// database.
	sess.mu.Lock()
	var sub *subscription
	if sess.dbName == target {
		sess.cursors.closeAll()
		sess.db = nil
		sess.dbName = ""
		sub = sess.sub
		sess.sub = nil
	}
	sess.mu.Unlock()
	if sub != nil {
		sub.cancel()
	}
	return nil
}

func (s *Server) enumDatabases(ctx context.Context, c *Call) error {
	if err := c.Sess.checkAuth(auth.RoleOwner); err != nil {
		return err
	}
	names, err := s.mgr.EnumDatabases(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(names)
	if err != nil {
		return err
	}
	c.Return(proto.BytesArg(data))
	return nil
}

// getDB is the common auth + binding check for database-scoped commands.
func (c *Call) getDB(required auth.Role) (engine.Engine, error) {
	if err := c.Sess.checkAuth(required); err != nil {
		return nil, err
	}
	db, _, err := c.Sess.database()
	if err != nil {
		return nil, proto.WrapError(proto.StatusProtocolError, err, "command needs an open database")
	}
	return db, nil
}

func (s *Server) openNamespace(ctx context.Context, c *Call) error {
	db, err := c.getDB(auth.RoleReadWrite)
	if err != nil {
		return err
	}
	def := engine.NamespaceDef{Name: c.String(0)}
	// Optional trailing storage options: enabled, dropOnFormatError.
	if len(c.Args) > 1 && c.Args[1].Type == proto.ArgBool {
		def.Storage.Enabled = c.Bool(1)
	}
	if len(c.Args) > 2 && c.Args[2].Type == proto.ArgBool {
		def.Storage.DropOnFormatError = c.Bool(2)
	}
	return db.OpenNamespace(ctx, def)
}

func (s *Server) dropNamespace(ctx context.Context, c *Call) error {
	db, err := c.getDB(auth.RoleOwner)
	if err != nil {
		return err
	}
	return db.DropNamespace(ctx, c.String(0))
}

func (s *Server) closeNamespace(ctx context.Context, c *Call) error {
	db, err := c.getDB(auth.RoleReadWrite)
	if err != nil {
		return err
	}
	return db.CloseNamespace(ctx, c.String(0))
}

func (s *Server) enumNamespaces(ctx context.Context, c *Call) error {
	db, err := c.getDB(auth.RoleReader)
	if err != nil {
		return err
	}
	defs, err := db.EnumNamespaces(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(defs)
	if err != nil {
		return err
	}
	c.Return(proto.BytesArg(data))
	return nil
}

func decodeIndexDef(data []byte) (engine.IndexDef, error) {
	var def engine.IndexDef
	if err := json.Unmarshal(data, &def); err != nil {
		return def, proto.WrapError(proto.StatusProtocolError, err, "decode index definition")
	}
	if def.Name == "" {
		return def, proto.NewError(proto.StatusProtocolError, "index definition has no name")
	}
	return def, nil
}

func (s *Server) addIndex(ctx context.Context, c *Call) error {
	db, err := c.getDB(auth.RoleReadWrite)
	if err != nil {
		return err
	}
	def, err := decodeIndexDef(c.Bytes(1))
	if err != nil {
		return err
	}
	return db.AddIndex(ctx, c.String(0), def)
}

func (s *Server) updateIndex(ctx context.Context, c *Call) error {
	db, err := c.getDB(auth.RoleReadWrite)
	if err != nil {
		return err
	}
	def, err := decodeIndexDef(c.Bytes(1))
	if err != nil {
		return err
	}
	return db.UpdateIndex(ctx, c.String(0), def)
}

func (s *Server) dropIndex(ctx context.Context, c *Call) error {
	db, err := c.getDB(auth.RoleReadWrite)
	if err != nil {
		return err
	}
	return db.DropIndex(ctx, c.String(0), c.String(1))
}

func (s *Server) commit(ctx context.Context, c *Call) error {
	db, err := c.getDB(auth.RoleReadWrite)
	if err != nil {
		return err
	}
	return db.Commit(ctx, c.String(0))
}

func (s *Server) modifyItem(ctx context.Context, c *Call) error {
	db, err := c.getDB(auth.RoleReadWrite)
	if err != nil {
		return err
	}
	ns := c.String(0)
	format := engine.ItemFormat(c.Int(1))
	itemData := c.Bytes(2)
	mode := engine.ModifyMode(c.Int(3))
	perceptsPack := c.Bytes(4)
	stateToken := c.Int(5)
	txID := c.Int(6)

	var percepts []string
	if len(perceptsPack) > 0 {
		if err := json.Unmarshal(perceptsPack, &percepts); err != nil {
			return proto.WrapError(proto.StatusProtocolError, err, "decode percepts")
		}
	}

	res, err := db.ModifyItem(ctx, ns, format, itemData, mode, percepts, stateToken, txID)
	if err != nil {
		return err
	}
	if res == nil {
		c.Return(proto.Int64Arg(-1), proto.Int64Arg(0), proto.Int64Arg(0), proto.Int64Arg(0))
		return nil
	}
	// ModifyItem has no flags argument; the affected count is always
	// reported.
	return s.sendResults(c, res, false, FlagWithTotalCount, 0, 0)
}

func (s *Server) deleteQuery(ctx context.Context, c *Call) error {
	db, err := c.getDB(auth.RoleReadWrite)
	if err != nil {
		return err
	}
	res, err := db.Delete(ctx, engine.Query{Data: c.Bytes(0)})
	if err != nil {
		return err
	}
	// Deleted rows are reported once and never paged back out.
	return s.sendResults(c, res, true, FlagWithTotalCount, 0, 0)
}

func decodePTVersions(data []byte) ([]int64, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var versions []int64
	if err := json.Unmarshal(data, &versions); err != nil {
		return nil, proto.WrapError(proto.StatusProtocolError, err, "decode ptVersions")
	}
	return versions, nil
}

func (s *Server) selectQuery(ctx context.Context, c *Call) error {
	return s.runSelect(ctx, c, false)
}

func (s *Server) selectSQL(ctx context.Context, c *Call) error {
	return s.runSelect(ctx, c, true)
}

func (s *Server) runSelect(ctx context.Context, c *Call, sql bool) error {
	db, err := c.getDB(auth.RoleReader)
	if err != nil {
		return err
	}
	flags := c.Int(1)
	limit := int(c.Int(2))
	versions, err := decodePTVersions(c.Bytes(3))
	if err != nil {
		return err
	}
	res, err := db.Select(ctx, engine.Query{SQL: sql, Data: c.Bytes(0), PTVersions: versions})
	if err != nil {
		return err
	}
	return s.sendResults(c, res, false, flags, 0, limit)
}

func (s *Server) fetchResults(ctx context.Context, c *Call) error {
	if err := c.Sess.checkAuth(auth.RoleReader); err != nil {
		return err
	}
	reqID := int(c.Int(0))
	flags := c.Int(1)
	offset := int(c.Int(2))
	limit := int(c.Int(3))

	sess := c.Sess
	sess.mu.Lock()
	res, localOnly, err := sess.cursors.get(reqID)
	sess.mu.Unlock()
	if err != nil {
		return err
	}
	if localOnly {
		// Local-only result sets are never paged back out.
		return fmt.Errorf("%d: %w", reqID, ErrCursorNotFound)
	}

	rows, err := res.Fetch(offset, limit)
	if err != nil {
		// A cursor invalidated by a namespace drop is unusable; release it
		// so the id cannot return stale data later.
		sess.mu.Lock()
		sess.cursors.close(reqID)
		sess.mu.Unlock()
		return err
	}

	total := res.TotalCount()
	if offset+len(rows) >= total && flags&FlagKeepResults == 0 {
		sess.mu.Lock()
		sess.cursors.close(reqID)
		sess.mu.Unlock()
	}
	returnPage(c, reqID, reportedTotal(total, flags), offset, rows)
	return nil
}

func (s *Server) closeResults(ctx context.Context, c *Call) error {
	if err := c.Sess.checkAuth(auth.RoleReader); err != nil {
		return err
	}
	reqID := int(c.Int(0))
	sess := c.Sess
	sess.mu.Lock()
	ok := sess.cursors.close(reqID)
	sess.mu.Unlock()
	if !ok {
		// Idempotent at the protocol level; the status is reported for
		// observability only.
		return fmt.Errorf("%d: %w", reqID, ErrCursorNotFound)
	}
	return nil
}

func (s *Server) getMeta(ctx context.Context, c *Call) error {
	db, err := c.getDB(auth.RoleReader)
	if err != nil {
		return err
	}
	data, err := db.GetMeta(ctx, c.String(0), c.String(1))
	if err != nil {
		return err
	}
	c.Return(proto.BytesArg(data))
	return nil
}

func (s *Server) putMeta(ctx context.Context, c *Call) error {
	db, err := c.getDB(auth.RoleReadWrite)
	if err != nil {
		return err
	}
	return db.PutMeta(ctx, c.String(0), c.String(1), c.Bytes(2))
}

func (s *Server) enumMeta(ctx context.Context, c *Call) error {
	db, err := c.getDB(auth.RoleReader)
	if err != nil {
		return err
	}
	keys, err := db.EnumMeta(ctx, c.String(0))
	if err != nil {
		return err
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	c.Return(proto.BytesArg(data))
	return nil
}

// sendResults registers res in the session's cursor table, returns the first
// page, and auto-closes the cursor when that page exhausts it. limit <= 0
// returns all rows from offset.
func (s *Server) sendResults(c *Call, res engine.Results, localOnly bool, flags int64, offset, limit int) error {
	sess := c.Sess
	sess.mu.Lock()
	reqID, err := sess.cursors.put(res, localOnly)
	sess.mu.Unlock()
	if err != nil {
		res.Close()
		return err
	}

	rows, err := res.Fetch(offset, limit)
	if err != nil {
		sess.mu.Lock()
		sess.cursors.close(reqID)
		sess.mu.Unlock()
		return err
	}

	total := res.TotalCount()
	if offset+len(rows) >= total && flags&FlagKeepResults == 0 {
		sess.mu.Lock()
		sess.cursors.close(reqID)
		sess.mu.Unlock()
	}
	returnPage(c, reqID, reportedTotal(total, flags), offset, rows)
	return nil
}

// reportedTotal hides the total match count unless the caller asked for it.
// Exhaustion tracking always uses the real count; only the wire value is
// masked.
func reportedTotal(total int, flags int64) int {
	if flags&FlagWithTotalCount == 0 {
		return 0
	}
	return total
}

// returnPage encodes a result page: reqID, total, offset, row count, rows.
func returnPage(c *Call, reqID, total, offset int, rows [][]byte) {
	c.Return(
		proto.Int64Arg(int64(reqID)),
		proto.Int64Arg(int64(total)),
		proto.Int64Arg(int64(offset)),
		proto.Int64Arg(int64(len(rows))),
	)
	for _, row := range rows {
		c.Return(proto.BytesArg(row))
	}
}
