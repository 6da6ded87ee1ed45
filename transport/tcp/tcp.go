// Package tcp serves the binary command protocol over plain TCP. Each
// connection gets one goroutine running a serialized read-dispatch-reply
// loop; pushed change events share the socket with replies under a write
// mutex.
package tcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quartzdb/quartz-server/events"
	"github.com/quartzdb/quartz-server/internal/logctx"
	"github.com/quartzdb/quartz-server/internal/proto"
	"github.com/quartzdb/quartz-server/rpc"
)

// writeTimeout bounds how long a slow peer can stall a reply or event write
// before the connection is torn down.
const writeTimeout = 10 * time.Second

// Server accepts TCP connections and drives the command loop for each.
type Server struct {
	rpc *rpc.Server
	log *slog.Logger

	mu     sync.Mutex
	lis    net.Listener
	conns  map[*conn]struct{}
	closed bool

	wg sync.WaitGroup
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger routes transport logs to log instead of slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

func New(rpcSrv *rpc.Server, opts ...Option) *Server {
	s := &Server{
		rpc:   rpcSrv,
		log:   slog.Default(),
		conns: make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins listening on addr and returns once the listener is bound.
// Connection handling continues in the background until Stop.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		lis.Close()
		return net.ErrClosed
	}
	s.lis = lis
	s.mu.Unlock()

	s.log.Info("tcp.listen", slog.String("addr", lis.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop(lis)
	return nil
}

// Addr reports the bound listen address, useful when Start was given ":0".
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Stop closes the listener and every live connection, then waits for all
// per-connection goroutines to drain.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.closed = true
	lis := s.lis
	open := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	var err error
	if lis != nil {
		err = lis.Close()
	}
	for _, c := range open {
		c.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(lis net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := lis.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Error("tcp.accept.fail", slog.String("err", err.Error()))
			}
			return
		}
		c := &conn{c: nc}
		if !s.track(c) {
			nc.Close()
			return
		}
		s.wg.Add(1)
		go s.handle(c)
	}
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handle(c *conn) {
	defer s.wg.Done()
	defer s.untrack(c)

	sess := s.rpc.NewSession(c)

	cd := &logctx.ConnData{
		ConnID:     sess.ConnID(),
		RemoteAddr: c.RemoteAddr(),
	}
	ctx := logctx.WithConnData(context.Background(), cd)

	s.log.InfoContext(ctx, "tcp.conn.open")

	for {
		req, err := proto.ReadRequest(c.c)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			s.rpc.OnClose(ctx, sess, err)
			c.Close()
			return
		}

		rep := s.rpc.Dispatch(ctx, sess, req)

		// Login and OpenDatabase change session identity; refresh the
		// attribution carried by subsequent log records.
		a := sess.Auth()
		cd.Login = a.Login()
		cd.Database = a.Database()

		if err := c.writeReply(rep); err != nil {
			s.rpc.OnClose(ctx, sess, err)
			c.Close()
			return
		}
	}
}

// conn is the transport half of a session. Replies and pushed events share
// the socket, serialized by writeMu.
type conn struct {
	c       net.Conn
	writeMu sync.Mutex
}

var _ rpc.Conn = (*conn)(nil)

func (c *conn) RemoteAddr() string { return c.c.RemoteAddr().String() }

func (c *conn) WriteEvent(ev events.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.c.SetWriteDeadline(time.Now().Add(writeTimeout))
	return proto.WriteEvent(c.c, rpc.EncodeEvent(ev))
}

func (c *conn) writeReply(rep *proto.Reply) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.c.SetWriteDeadline(time.Now().Add(writeTimeout))
	return proto.WriteReply(c.c, rep)
}

func (c *conn) Close() error { return c.c.Close() }
