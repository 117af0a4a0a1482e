package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemStore is the in-memory document store used when USE_MOCK_STORE is set
// and by tests. A single RWMutex covers all collections; Transaction holds
// the write lock for the whole body, so bodies are trivially serializable.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]map[string]Doc
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]map[string]Doc)}
}

func (m *MemStore) col(name string) map[string]Doc {
	c, ok := m.data[name]
	if !ok {
		c = make(map[string]Doc)
		m.data[name] = c
	}
	return c
}

// Get returns a copy of the document or ErrNotFound.
func (m *MemStore) Get(ctx context.Context, collection, id string) (Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.data[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return CloneDoc(d), nil
}

// Put stores the document, replacing any existing one.
func (m *MemStore) Put(ctx context.Context, collection, id string, doc Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.col(collection)[id] = CloneDoc(doc)
	return nil
}

// Patch merges fields into the document, creating it when absent.
func (m *MemStore) Patch(ctx context.Context, collection, id string, fields Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.col(collection)
	d, ok := c[id]
	if !ok {
		d = Doc{}
	}
	for k, v := range fields {
		d[k] = cloneValue(v)
	}
	c[id] = d
	return nil
}

// Delete removes the document. Deleting an absent document is a no-op.
func (m *MemStore) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[collection], id)
	return nil
}

// Query filters, orders, and limits documents of one collection.
func (m *MemStore) Query(ctx context.Context, collection string, q Query) ([]Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Doc
	for id, d := range m.data[collection] {
		ok := true
		for _, f := range q.Filters {
			if !Matches(d, f) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		c := CloneDoc(d)
		c["_id"] = id
		out = append(out, c)
	}
	sortDocs(out, q)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Batch applies all ops under one write lock.
func (m *MemStore) Batch(ctx context.Context, ops []Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	applyOps(m.data, ops)
	return nil
}

// Transaction runs f with exclusive access. Writes stage in memory and apply
// on a nil return; an error discards them.
func (m *MemStore) Transaction(ctx context.Context, f func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{store: m}
	if err := f(tx); err != nil {
		return err
	}
	applyOps(m.data, tx.ops)
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error { return nil }

type memTx struct {
	store *MemStore
	ops   []Op
}

func (t *memTx) Get(collection, id string) (Doc, error) {
	// Reads see the transaction's own staged writes first.
	for i := len(t.ops) - 1; i >= 0; i-- {
		op := t.ops[i]
		if op.Collection != collection || op.ID != id {
			continue
		}
		switch op.Kind {
		case "delete":
			return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		case "put":
			return CloneDoc(op.Doc), nil
		case "patch":
			base, err := t.getBelow(i, collection, id)
			if err != nil {
				base = Doc{}
			}
			for k, v := range op.Doc {
				base[k] = cloneValue(v)
			}
			return base, nil
		}
	}
	d, ok := t.store.data[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return CloneDoc(d), nil
}

func (t *memTx) getBelow(limit int, collection, id string) (Doc, error) {
	saved := t.ops
	t.ops = t.ops[:limit]
	defer func() { t.ops = saved }()
	return t.Get(collection, id)
}

func (t *memTx) Put(collection, id string, doc Doc) {
	t.ops = append(t.ops, Op{Kind: "put", Collection: collection, ID: id, Doc: CloneDoc(doc)})
}

func (t *memTx) Patch(collection, id string, fields Doc) {
	t.ops = append(t.ops, Op{Kind: "patch", Collection: collection, ID: id, Doc: CloneDoc(fields)})
}

func (t *memTx) Delete(collection, id string) {
	t.ops = append(t.ops, Op{Kind: "delete", Collection: collection, ID: id})
}

func applyOps(data map[string]map[string]Doc, ops []Op) {
	for _, op := range ops {
		c, ok := data[op.Collection]
		if !ok {
			c = make(map[string]Doc)
			data[op.Collection] = c
		}
		switch op.Kind {
		case "put":
			c[op.ID] = CloneDoc(op.Doc)
		case "patch":
			d, ok := c[op.ID]
			if !ok {
				d = Doc{}
			}
			for k, v := range op.Doc {
				d[k] = cloneValue(v)
			}
			c[op.ID] = d
		case "delete":
			delete(c, op.ID)
		}
	}
}

func sortDocs(docs []Doc, q Query) {
	if q.OrderBy == "" {
		// Stable order for deterministic tests.
		sort.Slice(docs, func(i, j int) bool { return docs[i].ID() < docs[j].ID() })
		return
	}
	sort.Slice(docs, func(i, j int) bool {
		cmp, ok := Compare(docs[i][q.OrderBy], docs[j][q.OrderBy])
		if !ok {
			return docs[i].ID() < docs[j].ID()
		}
		if q.Desc {
			return cmp > 0
		}
		return cmp < 0
	})
}
