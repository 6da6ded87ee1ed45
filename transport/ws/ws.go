// Package ws serves the binary command protocol over WebSocket for clients
// that cannot open raw TCP sockets. Every WebSocket binary message carries
// exactly one protocol frame; the command loop and event push semantics
// match the TCP transport.
package ws

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quartzdb/quartz-server/events"
	"github.com/quartzdb/quartz-server/internal/logctx"
	"github.com/quartzdb/quartz-server/internal/proto"
	"github.com/quartzdb/quartz-server/rpc"
)

const writeTimeout = 10 * time.Second

// Handler upgrades HTTP requests and runs the per-connection command loop.
// It implements http.Handler so callers choose the mux and listen address.
type Handler struct {
	rpc      *rpc.Server
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// Option customizes a Handler.
type Option func(*Handler)

// WithLogger routes transport logs to log instead of slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithCheckOrigin overrides the browser origin check applied on upgrade.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = check }
}

func New(rpcSrv *rpc.Server, opts ...Option) *Handler {
	h := &Handler{
		rpc: rpcSrv,
		log: slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var _ http.Handler = (*Handler)(nil)

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.log.Info("ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	c := &conn{ws: ws}
	sess := h.rpc.NewSession(c)

	cd := &logctx.ConnData{
		ConnID:     sess.ConnID(),
		RemoteAddr: ws.RemoteAddr().String(),
	}
	ctx := logctx.WithConnData(context.Background(), cd)

	h.log.InfoContext(ctx, "ws.conn.open")

	for {
		req, err := c.readRequest()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			h.rpc.OnClose(ctx, sess, err)
			c.Close()
			return
		}

		rep := h.rpc.Dispatch(ctx, sess, req)

		a := sess.Auth()
		cd.Login = a.Login()
		cd.Database = a.Database()

		if err := c.writeReply(rep); err != nil {
			h.rpc.OnClose(ctx, sess, err)
			c.Close()
			return
		}
	}
}

// conn adapts a WebSocket connection to the session's transport interface.
// gorilla/websocket permits one concurrent writer, so writeMu serializes
// replies against pushed events.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

var _ rpc.Conn = (*conn)(nil)

func (c *conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

func (c *conn) readRequest() (*proto.Request, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, errors.New("non-binary websocket message")
	}
	return proto.ReadRequest(bytes.NewReader(data))
}

func (c *conn) writeReply(rep *proto.Reply) error {
	var buf bytes.Buffer
	if err := proto.WriteReply(&buf, rep); err != nil {
		return err
	}
	return c.writeMessage(buf.Bytes())
}

func (c *conn) WriteEvent(ev events.Event) error {
	var buf bytes.Buffer
	if err := proto.WriteEvent(&buf, rpc.EncodeEvent(ev)); err != nil {
		return err
	}
	return c.writeMessage(buf.Bytes())
}

func (c *conn) writeMessage(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *conn) Close() error { return c.ws.Close() }
