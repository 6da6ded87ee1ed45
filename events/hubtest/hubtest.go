// Package hubtest provides a conformance suite run against every events.Hub
// implementation.
package hubtest

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/quartzdb/quartz-server/events"
)

// HubFactory creates a fresh Hub for one test.
type HubFactory func(t *testing.T) events.Hub

// RunHubTests runs the complete Hub test suite against the factory.
func RunHubTests(t *testing.T, factory HubFactory) {
	t.Run("PublishReachesSubscriber", func(t *testing.T) { testPublishReachesSubscriber(t, factory) })
	t.Run("PublishBeforeFirstRead", func(t *testing.T) { testPublishBeforeFirstRead(t, factory) })
	t.Run("PublishAfterIdleRead", func(t *testing.T) { testPublishAfterIdleRead(t, factory) })
	t.Run("NoHistoryReplay", func(t *testing.T) { testNoHistoryReplay(t, factory) })
	t.Run("DatabaseIsolation", func(t *testing.T) { testDatabaseIsolation(t, factory) })
	t.Run("ClosedStreamStopsDelivery", func(t *testing.T) { testClosedStreamStopsDelivery(t, factory) })
	t.Run("NextHonorsContext", func(t *testing.T) { testNextHonorsContext(t, factory) })
}

func testPublishReachesSubscriber(t *testing.T, factory HubFactory) {
	h := factory(t)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := h.Subscribe(ctx, "db1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer st.Close()

	ready := make(chan events.Event, 1)
	errCh := make(chan error, 1)
	go func() {
		ev, err := st.Next(ctx)
		if err != nil {
			errCh <- err
			return
		}
		ready <- ev
	}()

	id, err := h.Publish(ctx, events.Event{Kind: events.KindNamespaceCreated, Database: "db1", Namespace: "items"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id == "" {
		t.Fatal("Publish returned empty event ID")
	}

	select {
	case ev := <-ready:
		if ev.Kind != events.KindNamespaceCreated || ev.Namespace != "items" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.ID == "" {
			t.Fatal("delivered event has no ID")
		}
	case err := <-errCh:
		t.Fatalf("Next: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

// testPublishBeforeFirstRead publishes after Subscribe but before the first
// Next call: the subscription anchors at Subscribe time, so the event must
// still arrive.
func testPublishBeforeFirstRead(t *testing.T, factory HubFactory) {
	h := factory(t)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := h.Subscribe(ctx, "db1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer st.Close()

	if _, err := h.Publish(ctx, events.Event{Kind: events.KindItemModified, Database: "db1", Namespace: "items"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ev, err := st.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Kind != events.KindItemModified || ev.Namespace != "items" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

// testPublishAfterIdleRead lets at least one blocking read time out empty
// before publishing; the event landing between two reads must not be lost.
func testPublishAfterIdleRead(t *testing.T, factory HubFactory) {
	h := factory(t)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := h.Subscribe(ctx, "db1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer st.Close()

	idle, icancel := context.WithTimeout(ctx, 700*time.Millisecond)
	if _, err := st.Next(idle); !errors.Is(err, context.DeadlineExceeded) {
		icancel()
		t.Fatalf("idle Next: expected deadline, got %v", err)
	}
	icancel()

	if _, err := h.Publish(ctx, events.Event{Kind: events.KindMetaPut, Database: "db1", Namespace: "items", Name: "k"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ev, err := st.Next(ctx)
	if err != nil {
		t.Fatalf("Next after idle read: %v", err)
	}
	if ev.Kind != events.KindMetaPut || ev.Name != "k" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func testNoHistoryReplay(t *testing.T, factory HubFactory) {
	h := factory(t)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := h.Publish(ctx, events.Event{Kind: events.KindMetaPut, Database: "db1", Namespace: "items", Name: "k"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	st, err := h.Subscribe(ctx, "db1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer st.Close()

	nctx, ncancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer ncancel()
	if ev, err := st.Next(nctx); err == nil {
		t.Fatalf("late subscriber saw historical event: %+v", ev)
	} else if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next: expected deadline, got %v", err)
	}
}

func testDatabaseIsolation(t *testing.T, factory HubFactory) {
	h := factory(t)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := h.Subscribe(ctx, "db2")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer st.Close()

	got := make(chan events.Event, 1)
	go func() {
		if ev, err := st.Next(ctx); err == nil {
			got <- ev
		}
	}()
	time.Sleep(100 * time.Millisecond)

	if _, err := h.Publish(ctx, events.Event{Kind: events.KindNamespaceDropped, Database: "db1", Namespace: "items"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-got:
		t.Fatalf("db2 subscriber received db1 event: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func testClosedStreamStopsDelivery(t *testing.T, factory HubFactory) {
	h := factory(t)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := h.Subscribe(ctx, "db1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Second close is a no-op.
	if err := st.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := h.Publish(ctx, events.Event{Kind: events.KindMetaPut, Database: "db1", Namespace: "items", Name: "k"}); err != nil {
		t.Fatalf("Publish after close: %v", err)
	}

	nctx, ncancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer ncancel()
	if _, err := st.Next(nctx); err == nil {
		t.Fatal("Next on closed stream returned an event")
	} else if !errors.Is(err, io.EOF) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next: expected EOF or deadline, got %v", err)
	}
}

func testNextHonorsContext(t *testing.T, factory HubFactory) {
	h := factory(t)
	defer h.Close()

	st, err := h.Subscribe(context.Background(), "db1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := st.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next: expected deadline, got %v", err)
	}
}
