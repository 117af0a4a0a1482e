package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fleetpricing/internal/logger"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists documents in a single SQLite table. It is the real
// driver behind the Store interface; payloads are JSON bodies and queries
// are evaluated over decoded documents.
type SQLiteStore struct {
	sql *sql.DB
}

// OpenSQLite opens (or creates) the database file and runs migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &SQLiteStore{sql: sqlDB}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	logger.Success("Store", fmt.Sprintf("Opened %s", path))
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.sql.Close()
}

func (s *SQLiteStore) migrate() error {
	version := 0
	s.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := s.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS documents (
				collection TEXT NOT NULL,
				id         TEXT NOT NULL,
				body       TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (collection, id)
			);
			CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		logger.Info("Store", "Applied migration v1 (documents)")
	}
	return nil
}

// Get returns the decoded document or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (Doc, error) {
	var body string
	err := s.sql.QueryRowContext(ctx,
		"SELECT body FROM documents WHERE collection = ? AND id = ?", collection, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return decodeDoc(body)
}

// Put stores the document, replacing any existing one.
func (s *SQLiteStore) Put(ctx context.Context, collection, id string, doc Doc) error {
	body, err := encodeDoc(doc)
	if err != nil {
		return err
	}
	_, err = s.sql.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		collection, id, body, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, id, err)
	}
	return nil
}

// Patch merges fields into the document, creating it when absent.
func (s *SQLiteStore) Patch(ctx context.Context, collection, id string, fields Doc) error {
	return s.Transaction(ctx, func(tx Tx) error {
		tx.Patch(collection, id, fields)
		return nil
	})
}

// Delete removes the document. Deleting an absent document is a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.sql.ExecContext(ctx,
		"DELETE FROM documents WHERE collection = ? AND id = ?", collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Query decodes the collection and filters in process. Collections here are
// small (thousands of docs); filter pushdown is not worth a schema.
func (s *SQLiteStore) Query(ctx context.Context, collection string, q Query) ([]Doc, error) {
	rows, err := s.sql.QueryContext(ctx,
		"SELECT id, body FROM documents WHERE collection = ?", collection)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Doc
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("query %s: %w", collection, err)
		}
		d, err := decodeDoc(body)
		if err != nil {
			continue
		}
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
		d["_id"] = id
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	sortDocs(out, q)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Batch applies all ops inside one SQL transaction.
func (s *SQLiteStore) Batch(ctx context.Context, ops []Op) error {
	return s.Transaction(ctx, func(tx Tx) error {
		for _, op := range ops {
			switch op.Kind {
			case "put":
				tx.Put(op.Collection, op.ID, op.Doc)
			case "patch":
				tx.Patch(op.Collection, op.ID, op.Doc)
			case "delete":
				tx.Delete(op.Collection, op.ID)
			}
		}
		return nil
	})
}

const txRetries = 5

// Transaction runs f inside an immediate SQL transaction. Busy/locked
// commits re-run the body up to txRetries times, then ErrConflict.
func (s *SQLiteStore) Transaction(ctx context.Context, f func(tx Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < txRetries; attempt++ {
		err := s.tryTransaction(ctx, f)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

func (s *SQLiteStore) tryTransaction(ctx context.Context, f func(tx Tx) error) error {
	sqlTx, err := s.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	tx := &sqliteTx{ctx: ctx, tx: sqlTx}
	if err := f(tx); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := tx.flush(); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
	ops []Op
}

func (t *sqliteTx) Get(collection, id string) (Doc, error) {
	// Staged writes shadow committed state.
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
			base, err := t.baseGet(collection, id)
			if err != nil {
				base = Doc{}
			}
			for k, v := range op.Doc {
				base[k] = cloneValue(v)
			}
			return base, nil
		}
	}
	return t.baseGet(collection, id)
}

func (t *sqliteTx) baseGet(collection, id string) (Doc, error) {
	var body string
	err := t.tx.QueryRowContext(t.ctx,
		"SELECT body FROM documents WHERE collection = ? AND id = ?", collection, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeDoc(body)
}

func (t *sqliteTx) Put(collection, id string, doc Doc) {
	t.ops = append(t.ops, Op{Kind: "put", Collection: collection, ID: id, Doc: CloneDoc(doc)})
}

func (t *sqliteTx) Patch(collection, id string, fields Doc) {
	t.ops = append(t.ops, Op{Kind: "patch", Collection: collection, ID: id, Doc: CloneDoc(fields)})
}

func (t *sqliteTx) Delete(collection, id string) {
	t.ops = append(t.ops, Op{Kind: "delete", Collection: collection, ID: id})
}

func (t *sqliteTx) flush() error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, op := range t.ops {
		switch op.Kind {
		case "put":
			body, err := encodeDoc(op.Doc)
			if err != nil {
				return err
			}
			if _, err := t.tx.ExecContext(t.ctx, `
				INSERT INTO documents (collection, id, body, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT (collection, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
				op.Collection, op.ID, body, now); err != nil {
				return err
			}
		case "patch":
			base, err := t.baseGet(op.Collection, op.ID)
			if err != nil {
				base = Doc{}
			}
			for k, v := range op.Doc {
				base[k] = v
			}
			body, err := encodeDoc(base)
			if err != nil {
				return err
			}
			if _, err := t.tx.ExecContext(t.ctx, `
				INSERT INTO documents (collection, id, body, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT (collection, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
				op.Collection, op.ID, body, now); err != nil {
				return err
			}
		case "delete":
			if _, err := t.tx.ExecContext(t.ctx,
				"DELETE FROM documents WHERE collection = ? AND id = ?", op.Collection, op.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func encodeDoc(d Doc) (string, error) {
	clean := CloneDoc(d)
	delete(clean, "_id")
	b, err := json.Marshal(clean)
	if err != nil {
		return "", fmt.Errorf("encode doc: %w", err)
	}
	return string(b), nil
}

func decodeDoc(body string) (Doc, error) {
	var d Doc
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return nil, fmt.Errorf("decode doc: %w", err)
	}
	return d, nil
}
