package rpc

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/quartzdb/quartz-server/auth"
	"github.com/quartzdb/quartz-server/engine"
	"github.com/quartzdb/quartz-server/events"
	"github.com/quartzdb/quartz-server/internal/proto"
)

// fanoutObserver is the single engine observer registered per database. Each
// callback is translated into an events.Event and published to the hub; the
// hub's bounded queues keep slow subscribers from stalling the engine.
type fanoutObserver struct {
	db  string
	hub events.Hub
	log *slog.Logger
}

var _ engine.Observer = (*fanoutObserver)(nil)

func (o *fanoutObserver) publish(ev events.Event) {
	ev.Database = o.db
	if _, err := o.hub.Publish(context.Background(), ev); err != nil {
		o.log.Error("fanout.publish.fail",
			slog.String("db", o.db),
			slog.String("kind", ev.Kind.String()),
			slog.String("err", err.Error()),
		)
	}
}

func (o *fanoutObserver) OnModifyItem(ns string, item []byte, mode engine.ModifyMode) {
	o.publish(events.Event{Kind: events.KindItemModified, Namespace: ns, Mode: int(mode), Payload: item})
}

func (o *fanoutObserver) OnNewNamespace(ns string) {
	o.publish(events.Event{Kind: events.KindNamespaceCreated, Namespace: ns})
}

func (o *fanoutObserver) OnModifyIndex(ns string, index engine.IndexDef, mode engine.ModifyMode) {
	o.publish(events.Event{Kind: events.KindIndexModified, Namespace: ns, Name: index.Name, Mode: int(mode)})
}

func (o *fanoutObserver) OnDropIndex(ns, indexName string) {
	o.publish(events.Event{Kind: events.KindIndexDropped, Namespace: ns, Name: indexName})
}

func (o *fanoutObserver) OnDropNamespace(ns string) {
	o.publish(events.Event{Kind: events.KindNamespaceDropped, Namespace: ns})
}

func (o *fanoutObserver) OnPutMeta(ns, key string, data []byte) {
	o.publish(events.Event{Kind: events.KindMetaPut, Namespace: ns, Name: key, Payload: data})
}

// ensureObserver registers the fan-out observer with db's engine once.
func (s *Server) ensureObserver(name string, db engine.Engine) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	if _, ok := s.observed[name]; ok {
		return
	}
	obs := &fanoutObserver{db: name, hub: s.hub, log: s.log}
	db.Subscribe(obs)
	s.observed[name] = obs
}

// dropObserver forgets the observer for a dropped database so a recreated
// database gets a fresh registration.
func (s *Server) dropObserver(name string) {
	s.obsMu.Lock()
	delete(s.observed, name)
	s.obsMu.Unlock()
}

// subscribeUpdates toggles the session's change-event subscription. Toggling
// off takes effect immediately; toggling on sees only events published after
// this call.
func (s *Server) subscribeUpdates(ctx context.Context, c *Call) error {
	if err := c.Sess.checkAuth(auth.RoleReader); err != nil {
		return err
	}
	subscribe := c.Int(0) != 0
	sess := c.Sess

	if !subscribe {
		sess.mu.Lock()
		sub := sess.sub
		sess.sub = nil
		sess.mu.Unlock()
		if sub != nil {
			sub.cancel()
		}
		return nil
	}

	sess.mu.Lock()
	if sess.sub != nil {
		sess.mu.Unlock()
		return nil // already subscribed
	}
	dbName := sess.dbName
	sess.mu.Unlock()
	if dbName == "" {
		return proto.NewError(proto.StatusProtocolError, "subscription needs an open database")
	}

	// The delivery goroutine outlives this command; its lifetime is bound
	// to the subscription, not the request context.
	dctx, cancel := context.WithCancel(context.Background())
	stream, err := s.hub.Subscribe(dctx, dbName)
	if err != nil {
		cancel()
		return err
	}

	sub := &subscription{cancel: cancel}
	sess.mu.Lock()
	if sess.closed || sess.sub != nil {
		sess.mu.Unlock()
		cancel()
		stream.Close()
		return nil
	}
	sess.sub = sub
	sess.mu.Unlock()

	go s.deliver(dctx, sess, stream, sub)
	return nil
}

// deliver pumps one subscriber's event stream onto its connection until the
// subscription is revoked, the hub closes, or the write path fails. A write
// failure drops the subscription rather than propagating to any command.
func (s *Server) deliver(ctx context.Context, sess *Session, stream events.Stream, sub *subscription) {
	defer stream.Close()
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				s.log.Error("fanout.stream.fail", slog.String("err", err.Error()))
			}
			return
		}
		if ctx.Err() != nil {
			// Revoked between receive and write: deliver nothing further.
			return
		}
		if err := sess.conn.WriteEvent(ev); err != nil {
			s.log.Info("fanout.drop_subscriber", slog.String("err", err.Error()))
			// Revoke only this goroutine's subscription; a racing
			// unsubscribe/resubscribe may have installed a newer one.
			sess.mu.Lock()
			if sess.sub == sub {
				sess.sub = nil
			}
			sess.mu.Unlock()
			sub.cancel()
			return
		}
	}
}
