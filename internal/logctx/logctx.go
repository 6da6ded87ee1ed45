// Package logctx carries connection and command identity through contexts so
// every log record emitted under a dispatch is attributable without threading
// fields by hand.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps a slog.Handler and enriches records with conn/cmd groups
// found on the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnID),
			slog.String("remote_addr", cd.RemoteAddr),
			slog.String("login", cd.Login),
			slog.String("db", cd.Database),
		))
	}

	if cd, ok := ctx.Value(cmdDataKey{}).(*CmdData); ok {
		r.AddAttrs(slog.Group("cmd",
			slog.String("name", cd.Name),
			slog.Uint64("seq", uint64(cd.Seq)),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type connDataKey struct{}

// ConnData identifies the connection a record was emitted under. Login and
// Database are filled in after a successful Login.
type ConnData struct {
	ConnID     string
	RemoteAddr string
	Login      string
	Database   string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type cmdDataKey struct{}

// CmdData identifies the command currently being dispatched.
type CmdData struct {
	Name string
	Seq  uint32
}

func WithCmdData(ctx context.Context, data *CmdData) context.Context {
	return context.WithValue(ctx, cmdDataKey{}, data)
}
