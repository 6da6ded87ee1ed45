package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/quartzdb/quartz-server/engine"
)

func openNS(t *testing.T, e *Engine, name string) {
	t.Helper()
	if err := e.OpenNamespace(context.Background(), engine.NamespaceDef{Name: name}); err != nil {
		t.Fatalf("OpenNamespace(%q) failed: %v", name, err)
	}
}

func upsertJSON(t *testing.T, e *Engine, ns, doc string) {
	t.Helper()
	res, err := e.ModifyItem(context.Background(), ns, engine.FormatJSON, []byte(doc), engine.ModeUpsert, nil, 0, 0)
	if err != nil {
		t.Fatalf("ModifyItem(%s) failed: %v", doc, err)
	}
	res.Close()
}

func selectAll(t *testing.T, e *Engine, ns string) engine.Results {
	t.Helper()
	res, err := e.Select(context.Background(), engine.Query{SQL: true, Data: []byte("SELECT * FROM " + ns)})
	if err != nil {
		t.Fatalf("Select() failed: %v", err)
	}
	return res
}

func TestOpenNamespaceIdempotent(t *testing.T) {
	e := New()
	openNS(t, e, "items")
	upsertJSON(t, e, "items", `{"id": 1}`)

	// Reopening must not clear existing documents.
	openNS(t, e, "items")

	res := selectAll(t, e, "items")
	defer res.Close()
	if res.TotalCount() != 1 {
		t.Fatalf("got %d rows after reopen, want 1", res.TotalCount())
	}
}

func TestModifyItemModes(t *testing.T) {
	e := New()
	openNS(t, e, "items")
	ctx := context.Background()

	// Update of a missing item applies nothing.
	res, err := e.ModifyItem(ctx, "items", engine.FormatJSON, []byte(`{"id": 1, "v": "a"}`), engine.ModeUpdate, nil, 0, 0)
	if err != nil {
		t.Fatalf("ModifyItem(update) failed: %v", err)
	}
	if res.TotalCount() != 0 {
		t.Fatalf("update of missing item affected %d rows", res.TotalCount())
	}
	res.Close()

	// Insert creates it.
	res, err = e.ModifyItem(ctx, "items", engine.FormatJSON, []byte(`{"id": 1, "v": "a"}`), engine.ModeInsert, nil, 0, 0)
	if err != nil {
		t.Fatalf("ModifyItem(insert) failed: %v", err)
	}
	if res.TotalCount() != 1 {
		t.Fatalf("insert affected %d rows, want 1", res.TotalCount())
	}
	res.Close()

	// A second insert with the same id is a no-op.
	res, err = e.ModifyItem(ctx, "items", engine.FormatJSON, []byte(`{"id": 1, "v": "b"}`), engine.ModeInsert, nil, 0, 0)
	if err != nil {
		t.Fatalf("ModifyItem(insert dup) failed: %v", err)
	}
	if res.TotalCount() != 0 {
		t.Fatalf("duplicate insert affected %d rows", res.TotalCount())
	}
	res.Close()

	// Upsert replaces the document.
	upsertJSON(t, e, "items", `{"id": 1, "v": "c"}`)

	res = selectAll(t, e, "items")
	rows, err := res.Fetch(0, 10)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	res.Close()
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	var got map[string]any
	if err := json.Unmarshal(rows[0], &got); err != nil {
		t.Fatalf("row is not JSON: %v", err)
	}
	if got["v"] != "c" {
		t.Fatalf("got v=%v, want c", got["v"])
	}

	// Delete removes it.
	res, err = e.ModifyItem(ctx, "items", engine.FormatJSON, []byte(`{"id": 1}`), engine.ModeDelete, nil, 0, 0)
	if err != nil {
		t.Fatalf("ModifyItem(delete) failed: %v", err)
	}
	if res.TotalCount() != 1 {
		t.Fatalf("delete affected %d rows, want 1", res.TotalCount())
	}
	res.Close()

	res = selectAll(t, e, "items")
	defer res.Close()
	if res.TotalCount() != 0 {
		t.Fatalf("namespace still holds %d rows after delete", res.TotalCount())
	}
}

func TestModifyItemStaleStateToken(t *testing.T) {
	e := New()
	openNS(t, e, "items")
	ctx := context.Background()

	tok := e.StateToken("items")
	if tok == 0 {
		t.Fatal("state token is zero for an open namespace")
	}

	// A matching token passes.
	res, err := e.ModifyItem(ctx, "items", engine.FormatJSON, []byte(`{"id": 1}`), engine.ModeUpsert, nil, tok, 0)
	if err != nil {
		t.Fatalf("ModifyItem() with current token failed: %v", err)
	}
	res.Close()

	// Changing the schema invalidates the token.
	if err := e.AddIndex(ctx, "items", engine.IndexDef{Name: "v", JSONPath: "v", IndexType: "hash", FieldType: "string"}); err != nil {
		t.Fatalf("AddIndex() failed: %v", err)
	}
	if e.StateToken("items") == tok {
		t.Fatal("state token unchanged after AddIndex")
	}

	_, err = e.ModifyItem(ctx, "items", engine.FormatJSON, []byte(`{"id": 2}`), engine.ModeUpsert, nil, tok, 0)
	if !errors.Is(err, engine.ErrStaleState) {
		t.Fatalf("got %v, want ErrStaleState", err)
	}
}

func TestSelectWhereAndLimit(t *testing.T) {
	e := New()
	openNS(t, e, "users")
	upsertJSON(t, e, "users", `{"id": 1, "city": "oslo"}`)
	upsertJSON(t, e, "users", `{"id": 2, "city": "bergen"}`)
	upsertJSON(t, e, "users", `{"id": 3, "city": "oslo"}`)

	res, err := e.Select(context.Background(), engine.Query{SQL: true, Data: []byte(`SELECT * FROM users WHERE city = 'oslo'`)})
	if err != nil {
		t.Fatalf("Select() failed: %v", err)
	}
	if res.TotalCount() != 2 {
		t.Fatalf("got %d rows, want 2", res.TotalCount())
	}
	res.Close()

	res, err = e.Select(context.Background(), engine.Query{SQL: true, Data: []byte(`SELECT * FROM users LIMIT 1`)})
	if err != nil {
		t.Fatalf("Select() failed: %v", err)
	}
	if res.TotalCount() != 1 {
		t.Fatalf("got %d rows, want 1", res.TotalCount())
	}
	res.Close()
}

func TestSelectPreservesInsertionOrder(t *testing.T) {
	e := New()
	openNS(t, e, "seq")
	for _, doc := range []string{`{"id": 3}`, `{"id": 1}`, `{"id": 2}`} {
		upsertJSON(t, e, "seq", doc)
	}

	res := selectAll(t, e, "seq")
	defer res.Close()
	rows, err := res.Fetch(0, 10)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}

	want := []float64{3, 1, 2}
	for i, row := range rows {
		var got map[string]any
		if err := json.Unmarshal(row, &got); err != nil {
			t.Fatalf("row %d: %v", i, err)
		}
		if got["id"] != want[i] {
			t.Fatalf("row %d: got id=%v, want %v", i, got["id"], want[i])
		}
	}
}

func TestDeleteQuery(t *testing.T) {
	e := New()
	openNS(t, e, "logs")
	upsertJSON(t, e, "logs", `{"id": 1, "level": "debug"}`)
	upsertJSON(t, e, "logs", `{"id": 2, "level": "error"}`)
	upsertJSON(t, e, "logs", `{"id": 3, "level": "debug"}`)

	res, err := e.Delete(context.Background(), engine.Query{SQL: true, Data: []byte(`DELETE FROM logs WHERE level = 'debug'`)})
	if err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if res.TotalCount() != 2 {
		t.Fatalf("deleted %d rows, want 2", res.TotalCount())
	}
	res.Close()

	left := selectAll(t, e, "logs")
	defer left.Close()
	if left.TotalCount() != 1 {
		t.Fatalf("%d rows remain, want 1", left.TotalCount())
	}
}

func TestFetchWindowClamping(t *testing.T) {
	e := New()
	openNS(t, e, "nums")
	for _, doc := range []string{`{"id": 1}`, `{"id": 2}`, `{"id": 3}`, `{"id": 4}`, `{"id": 5}`} {
		upsertJSON(t, e, "nums", doc)
	}

	res := selectAll(t, e, "nums")
	defer res.Close()

	rows, err := res.Fetch(3, 10)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows for window past the end, want 2", len(rows))
	}

	rows, err = res.Fetch(5, 10)
	if err != nil {
		t.Fatalf("Fetch() at the end failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("got %d rows past the end, want 0", len(rows))
	}
}

func TestDropNamespaceInvalidatesResults(t *testing.T) {
	e := New()
	openNS(t, e, "tmp")
	upsertJSON(t, e, "tmp", `{"id": 1}`)

	res := selectAll(t, e, "tmp")
	defer res.Close()

	if err := e.DropNamespace(context.Background(), "tmp"); err != nil {
		t.Fatalf("DropNamespace() failed: %v", err)
	}

	if _, err := res.Fetch(0, 10); !errors.Is(err, engine.ErrResultsInvalidated) {
		t.Fatalf("got %v, want ErrResultsInvalidated", err)
	}
}

func TestPercepts(t *testing.T) {
	e := New()
	openNS(t, e, "orders")

	res, err := e.ModifyItem(context.Background(), "orders", engine.FormatJSON,
		[]byte(`{"id": 1}`), engine.ModeUpsert, []string{"seq=serial()", "created=now()"}, 0, 0)
	if err != nil {
		t.Fatalf("ModifyItem() failed: %v", err)
	}
	rows, err := res.Fetch(0, 1)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	res.Close()

	var got map[string]any
	if err := json.Unmarshal(rows[0], &got); err != nil {
		t.Fatalf("row is not JSON: %v", err)
	}
	if got["seq"] != float64(1) {
		t.Fatalf("got seq=%v, want 1", got["seq"])
	}
	if s, _ := got["created"].(string); s == "" {
		t.Fatal("created field not populated")
	}

	_, err = e.ModifyItem(context.Background(), "orders", engine.FormatJSON,
		[]byte(`{"id": 2}`), engine.ModeUpsert, []string{"seq=rand()"}, 0, 0)
	if err == nil {
		t.Fatal("unknown percept expression accepted")
	}
}

func TestMeta(t *testing.T) {
	e := New()
	openNS(t, e, "cfg")
	ctx := context.Background()

	if _, err := e.GetMeta(ctx, "cfg", "missing"); !errors.Is(err, engine.ErrMetaNotFound) {
		t.Fatalf("got %v, want ErrMetaNotFound", err)
	}

	if err := e.PutMeta(ctx, "cfg", "b-key", []byte("two")); err != nil {
		t.Fatalf("PutMeta() failed: %v", err)
	}
	if err := e.PutMeta(ctx, "cfg", "a-key", []byte("one")); err != nil {
		t.Fatalf("PutMeta() failed: %v", err)
	}

	data, err := e.GetMeta(ctx, "cfg", "a-key")
	if err != nil {
		t.Fatalf("GetMeta() failed: %v", err)
	}
	if string(data) != "one" {
		t.Fatalf("got %q, want %q", data, "one")
	}

	keys, err := e.EnumMeta(ctx, "cfg")
	if err != nil {
		t.Fatalf("EnumMeta() failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a-key" || keys[1] != "b-key" {
		t.Fatalf("got keys %v", keys)
	}
}

type recordingObserver struct {
	items []string
	drops []string
}

func (r *recordingObserver) OnModifyItem(ns string, item []byte, mode engine.ModifyMode) {
	r.items = append(r.items, ns+":"+mode.String())
}
func (r *recordingObserver) OnNewNamespace(ns string)                                          {}
func (r *recordingObserver) OnModifyIndex(ns string, def engine.IndexDef, m engine.ModifyMode) {}
func (r *recordingObserver) OnDropIndex(ns, indexName string)                                  {}
func (r *recordingObserver) OnDropNamespace(ns string)                                         { r.drops = append(r.drops, ns) }
func (r *recordingObserver) OnPutMeta(ns, key string, data []byte)                             {}

func TestObserverCallbacks(t *testing.T) {
	e := New()
	obs := &recordingObserver{}
	e.Subscribe(obs)
	openNS(t, e, "ev")

	upsertJSON(t, e, "ev", `{"id": 1}`)
	if err := e.DropNamespace(context.Background(), "ev"); err != nil {
		t.Fatalf("DropNamespace() failed: %v", err)
	}

	if len(obs.items) != 1 || obs.items[0] != "ev:upsert" {
		t.Fatalf("got item events %v", obs.items)
	}
	if len(obs.drops) != 1 || obs.drops[0] != "ev" {
		t.Fatalf("got drop events %v", obs.drops)
	}

	// After Unsubscribe no further callbacks arrive.
	e.Unsubscribe(obs)
	openNS(t, e, "ev2")
	upsertJSON(t, e, "ev2", `{"id": 1}`)
	if len(obs.items) != 1 {
		t.Fatalf("observer still receiving after Unsubscribe: %v", obs.items)
	}
}

func TestRawFormatRoundTrip(t *testing.T) {
	e := New()
	openNS(t, e, "blobs")

	payload := []byte{0x01, 0x02, 0x03}
	res, err := e.ModifyItem(context.Background(), "blobs", engine.FormatRaw, payload, engine.ModeUpsert, nil, 0, 0)
	if err != nil {
		t.Fatalf("ModifyItem(raw) failed: %v", err)
	}
	res.Close()

	all := selectAll(t, e, "blobs")
	defer all.Close()
	rows, err := all.Fetch(0, 1)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if len(rows) != 1 || string(rows[0]) != string(payload) {
		t.Fatalf("got rows %v", rows)
	}
}
