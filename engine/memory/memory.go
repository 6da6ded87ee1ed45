// Package memory provides an in-memory implementation of engine.Engine. It
// backs tests and single-binary deployments; state is local to the process.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash"
	"github.com/quartzdb/quartz-server/engine"
)

// Engine implements engine.Engine over process-local maps. Namespaces hold
// JSON documents keyed by their "id" field (raw documents are keyed by a
// content hash).
type Engine struct {
	mu   sync.RWMutex
	nss  map[string]*namespace
	obs  engine.Observer
	obsM sync.RWMutex
}

type namespace struct {
	def     engine.NamespaceDef
	indexes []engine.IndexDef
	docs    map[string]*document
	order   []string // insertion order of keys
	meta    map[string][]byte
	serial  int64
	token   int64

	// open result sets referencing this namespace; invalidated on drop
	results map[*results]struct{}
}

type document struct {
	fields map[string]any // nil for raw documents
	raw    []byte
}

func New() *Engine {
	return &Engine{nss: make(map[string]*namespace)}
}

var _ engine.Engine = (*Engine)(nil)

func (e *Engine) ns(name string) (*namespace, error) {
	n, ok := e.nss[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, engine.ErrNamespaceNotFound)
	}
	return n, nil
}

func (n *namespace) bumpToken() {
	h := xxhash.New()
	for _, idx := range n.indexes {
		h.Write([]byte(idx.Name))
		h.Write([]byte{0})
		h.Write([]byte(idx.JSONPath))
		h.Write([]byte{0})
		h.Write([]byte(idx.IndexType))
		h.Write([]byte{0})
		h.Write([]byte(idx.FieldType))
		h.Write([]byte{0})
	}
	n.token = int64(h.Sum64())
}

func (e *Engine) OpenNamespace(ctx context.Context, def engine.NamespaceDef) error {
	if def.Name == "" {
		return fmt.Errorf("empty namespace name")
	}
	e.mu.Lock()
	_, exists := e.nss[def.Name]
	if !exists {
		n := &namespace{
			def:     def,
			docs:    make(map[string]*document),
			meta:    make(map[string][]byte),
			results: make(map[*results]struct{}),
		}
		n.bumpToken()
		e.nss[def.Name] = n
	}
	e.mu.Unlock()

	// Opening an existing namespace is idempotent and emits no event.
	if !exists {
		e.notify(func(o engine.Observer) { o.OnNewNamespace(def.Name) })
	}
	return nil
}

func (e *Engine) CloseNamespace(ctx context.Context, ns string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, err := e.ns(ns)
	// Closing only detaches storage; the in-memory engine keeps the data.
	return err
}

func (e *Engine) DropNamespace(ctx context.Context, ns string) error {
	e.mu.Lock()
	n, err := e.ns(ns)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	for r := range n.results {
		r.invalidate()
	}
	delete(e.nss, ns)
	e.mu.Unlock()

	e.notify(func(o engine.Observer) { o.OnDropNamespace(ns) })
	return nil
}

func (e *Engine) EnumNamespaces(ctx context.Context) ([]engine.NamespaceDef, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	defs := make([]engine.NamespaceDef, 0, len(e.nss))
	for _, n := range e.nss {
		defs = append(defs, n.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

func (e *Engine) AddIndex(ctx context.Context, ns string, def engine.IndexDef) error {
	e.mu.Lock()
	n, err := e.ns(ns)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	for _, idx := range n.indexes {
		if idx.Name == def.Name {
			e.mu.Unlock()
			return fmt.Errorf("index %q already exists on %q", def.Name, ns)
		}
	}
	n.indexes = append(n.indexes, def)
	n.bumpToken()
	e.mu.Unlock()

	e.notify(func(o engine.Observer) { o.OnModifyIndex(ns, def, engine.ModeInsert) })
	return nil
}

func (e *Engine) UpdateIndex(ctx context.Context, ns string, def engine.IndexDef) error {
	e.mu.Lock()
	n, err := e.ns(ns)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	found := false
	for i, idx := range n.indexes {
		if idx.Name == def.Name {
			n.indexes[i] = def
			found = true
			break
		}
	}
	if !found {
		e.mu.Unlock()
		return fmt.Errorf("%q on %q: %w", def.Name, ns, engine.ErrIndexNotFound)
	}
	n.bumpToken()
	e.mu.Unlock()

	e.notify(func(o engine.Observer) { o.OnModifyIndex(ns, def, engine.ModeUpdate) })
	return nil
}

func (e *Engine) DropIndex(ctx context.Context, ns, indexName string) error {
	e.mu.Lock()
	n, err := e.ns(ns)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	found := false
	for i, idx := range n.indexes {
		if idx.Name == indexName {
			n.indexes = append(n.indexes[:i], n.indexes[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		e.mu.Unlock()
		return fmt.Errorf("%q on %q: %w", indexName, ns, engine.ErrIndexNotFound)
	}
	n.bumpToken()
	e.mu.Unlock()

	e.notify(func(o engine.Observer) { o.OnDropIndex(ns, indexName) })
	return nil
}

func (e *Engine) Commit(ctx context.Context, ns string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, err := e.ns(ns)
	// Nothing buffered: every write is applied immediately.
	return err
}

func (e *Engine) ModifyItem(ctx context.Context, ns string, format engine.ItemFormat, data []byte, mode engine.ModifyMode, percepts []string, stateToken int64, txID int64) (engine.Results, error) {
	e.mu.Lock()
	n, err := e.ns(ns)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if stateToken != 0 && stateToken != n.token {
		e.mu.Unlock()
		return nil, fmt.Errorf("namespace %q: %w", ns, engine.ErrStaleState)
	}

	var key string
	var doc *document
	switch format {
	case engine.FormatJSON:
		fields := map[string]any{}
		if err := json.Unmarshal(data, &fields); err != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("decode item: %w", err)
		}
		if err := n.applyPercepts(fields, percepts); err != nil {
			e.mu.Unlock()
			return nil, err
		}
		id, ok := fields["id"]
		if !ok {
			e.mu.Unlock()
			return nil, fmt.Errorf("item has no id field")
		}
		key = scalarKey(id)
		doc = &document{fields: fields}
	case engine.FormatRaw:
		key = strconv.FormatUint(xxhash.Sum64(data), 16)
		doc = &document{raw: append([]byte(nil), data...)}
	default:
		e.mu.Unlock()
		return nil, fmt.Errorf("unknown item format %d", format)
	}

	_, exists := n.docs[key]
	applied := false
	switch mode {
	case engine.ModeInsert:
		if !exists {
			n.put(key, doc)
			applied = true
		}
	case engine.ModeUpdate:
		if exists {
			n.docs[key] = doc
			applied = true
		}
	case engine.ModeUpsert:
		if exists {
			n.docs[key] = doc
		} else {
			n.put(key, doc)
		}
		applied = true
	case engine.ModeDelete:
		if exists {
			doc = n.docs[key]
			n.remove(key)
			applied = true
		}
	default:
		e.mu.Unlock()
		return nil, fmt.Errorf("unknown modify mode %d", mode)
	}

	var rows [][]byte
	if applied {
		rows = [][]byte{doc.encode()}
	}
	res := e.newResults(n, rows)
	e.mu.Unlock()

	if applied {
		payload := doc.encode()
		e.notify(func(o engine.Observer) { o.OnModifyItem(ns, payload, mode) })
	}
	return res, nil
}

func (e *Engine) Select(ctx context.Context, q engine.Query) (engine.Results, error) {
	mq, err := parseQuery(string(q.Data))
	if err != nil {
		return nil, err
	}
	if mq.del {
		return nil, fmt.Errorf("delete query passed to select")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.ns(mq.ns)
	if err != nil {
		return nil, err
	}
	for _, v := range q.PTVersions {
		if v != 0 && v != n.token {
			return nil, fmt.Errorf("namespace %q: %w", mq.ns, engine.ErrStaleState)
		}
	}
	rows := n.match(mq)
	return e.newResults(n, rows), nil
}

func (e *Engine) Delete(ctx context.Context, q engine.Query) (engine.Results, error) {
	mq, err := parseQuery(string(q.Data))
	if err != nil {
		return nil, err
	}
	if !mq.del {
		return nil, fmt.Errorf("select query passed to delete")
	}

	e.mu.Lock()
	n, err := e.ns(mq.ns)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	var rows [][]byte
	var keys []string
	for _, key := range n.order {
		doc := n.docs[key]
		if mq.matches(doc) {
			rows = append(rows, doc.encode())
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		n.remove(key)
	}
	res := e.newResults(n, rows)
	e.mu.Unlock()

	for _, row := range rows {
		payload := row
		e.notify(func(o engine.Observer) { o.OnModifyItem(mq.ns, payload, engine.ModeDelete) })
	}
	return res, nil
}

func (e *Engine) GetMeta(ctx context.Context, ns, key string) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n, err := e.ns(ns)
	if err != nil {
		return nil, err
	}
	data, ok := n.meta[key]
	if !ok {
		return nil, fmt.Errorf("%q on %q: %w", key, ns, engine.ErrMetaNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (e *Engine) PutMeta(ctx context.Context, ns, key string, data []byte) error {
	e.mu.Lock()
	n, err := e.ns(ns)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	n.meta[key] = append([]byte(nil), data...)
	e.mu.Unlock()

	e.notify(func(o engine.Observer) { o.OnPutMeta(ns, key, data) })
	return nil
}

func (e *Engine) EnumMeta(ctx context.Context, ns string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n, err := e.ns(ns)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(n.meta))
	for k := range n.meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (e *Engine) StateToken(ns string) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if n, ok := e.nss[ns]; ok {
		return n.token
	}
	return 0
}

func (e *Engine) Subscribe(obs engine.Observer) {
	e.obsM.Lock()
	e.obs = obs
	e.obsM.Unlock()
}

func (e *Engine) Unsubscribe(obs engine.Observer) {
	e.obsM.Lock()
	if e.obs == obs {
		e.obs = nil
	}
	e.obsM.Unlock()
}

// notify invokes fn with the registered observer, if any. Called after the
// mutation has been applied, outside e.mu.
func (e *Engine) notify(fn func(engine.Observer)) {
	e.obsM.RLock()
	obs := e.obs
	e.obsM.RUnlock()
	if obs != nil {
		fn(obs)
	}
}

// --- namespace internals ---

func (n *namespace) put(key string, doc *document) {
	n.docs[key] = doc
	n.order = append(n.order, key)
}

func (n *namespace) remove(key string) {
	delete(n.docs, key)
	for i, k := range n.order {
		if k == key {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}

// applyPercepts evaluates computed-field expressions of the form
// "field=serial()" or "field=now()" against the decoded document.
func (n *namespace) applyPercepts(fields map[string]any, percepts []string) error {
	for _, p := range percepts {
		name, expr, ok := strings.Cut(p, "=")
		if !ok {
			return fmt.Errorf("bad percept %q", p)
		}
		name = strings.TrimSpace(name)
		switch strings.TrimSpace(expr) {
		case "serial()":
			n.serial++
			fields[name] = n.serial
		case "now()":
			fields[name] = time.Now().UTC().Format(time.RFC3339)
		default:
			return fmt.Errorf("unknown percept expression %q", expr)
		}
	}
	return nil
}

func (n *namespace) match(mq *memQuery) [][]byte {
	var rows [][]byte
	for _, key := range n.order {
		doc := n.docs[key]
		if !mq.matches(doc) {
			continue
		}
		rows = append(rows, doc.encode())
		if mq.limit > 0 && len(rows) >= mq.limit {
			break
		}
	}
	return rows
}

func (d *document) encode() []byte {
	if d.fields != nil {
		b, _ := json.Marshal(d.fields)
		return b
	}
	return append([]byte(nil), d.raw...)
}

// scalarKey normalizes an id value to a map key. JSON numbers arrive as
// float64; integral values print without a fraction so 1 and 1.0 collide.
func scalarKey(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// --- results ---

type results struct {
	mu          sync.Mutex
	rows        [][]byte
	closed      bool
	invalidated bool
	ns          *namespace
	eng         *Engine
}

var _ engine.Results = (*results)(nil)

// newResults snapshots rows under e.mu and registers the result set for
// invalidation on namespace drop.
func (e *Engine) newResults(n *namespace, rows [][]byte) *results {
	r := &results{rows: rows, ns: n, eng: e}
	n.results[r] = struct{}{}
	return r
}

func (r *results) TotalCount() int { return len(r.rows) }

func (r *results) Fetch(offset, limit int) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.invalidated {
		return nil, engine.ErrResultsInvalidated
	}
	if r.closed {
		return nil, fmt.Errorf("result set closed")
	}
	if offset < 0 || limit < 0 {
		return nil, fmt.Errorf("negative offset/limit")
	}
	if offset >= len(r.rows) {
		return nil, nil
	}
	end := offset + limit
	if limit == 0 || end > len(r.rows) {
		end = len(r.rows)
	}
	return r.rows[offset:end], nil
}

func (r *results) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.eng.mu.Lock()
	delete(r.ns.results, r)
	r.eng.mu.Unlock()
	return nil
}

func (r *results) invalidate() {
	r.mu.Lock()
	r.invalidated = true
	r.mu.Unlock()
}
