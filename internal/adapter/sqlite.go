package adapter

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/ledgermesh/ledgermesh/faults"
	"github.com/ledgermesh/ledgermesh/internal/wal"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteAdapter is a backend with native transactions: unlike File/Memory,
// its staging buffer *is* an open *sql.Tx — writes land in the engine
// immediately but stay invisible to other readers until the transaction
// commits, so PrepareCommit/FinalizeCommit map directly onto SQLite's own
// two-phase-ish BEGIN/COMMIT rather than simulating staging in memory.
type SQLiteAdapter struct {
	*Base
	db *sql.DB

	mu sync.Mutex
	tx map[string]*sql.Tx
}

// NewSQLiteAdapter opens (creating if necessary) a SQLite database at path
// using the pure-Go modernc.org/sqlite driver.
func NewSQLiteAdapter(id, path string, walEngine *wal.Engine, log *logrus.Entry) (*SQLiteAdapter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, faults.Wrap(faults.KindIO, "open sqlite database", err)
	}
	return &SQLiteAdapter{
		Base: NewBase(id, Capability{Read: true, Write: true, Realtime: true, Transactions: true, Batch: true}, walEngine, log),
		db:   db,
		tx:   make(map[string]*sql.Tx),
	}, nil
}

func (s *SQLiteAdapter) Initialize(ctx context.Context) error {
	return s.TransitionLifecycle(StateActive, func() error {
		// WAL journal mode lets readers on other connections see the
		// pre-transaction snapshot while a write transaction is open,
		// instead of blocking behind (or erroring out on) the writer —
		// required since staged writes live in an open *sql.Tx until commit.
		if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			return faults.Wrap(faults.KindIO, "set sqlite journal mode", err)
		}
		if _, err := s.db.ExecContext(ctx, `PRAGMA busy_timeout=5000`); err != nil {
			return faults.Wrap(faults.KindIO, "set sqlite busy timeout", err)
		}
		_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		)`)
		if err != nil {
			return faults.Wrap(faults.KindIO, "create documents table", err)
		}
		return nil
	})
}

func (s *SQLiteAdapter) Start(ctx context.Context) error {
	s.setState(StateActive)
	return nil
}

func (s *SQLiteAdapter) Stop(ctx context.Context) error {
	s.setState(StateStopping)
	s.setState(StateInactive)
	return nil
}

func (s *SQLiteAdapter) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Initialize(ctx)
}

func (s *SQLiteAdapter) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return faults.Wrap(faults.KindIO, "ping sqlite adapter", err)
	}
	return nil
}

func (s *SQLiteAdapter) HealthCheck(ctx context.Context) HealthStatus {
	if err := s.Ping(ctx); err != nil {
		s.RecordHealthFailure()
		return HealthStatus{Healthy: false, Message: err.Error(), CheckedAt: time.Now().UTC()}
	}
	s.ResetHealthFailures()
	return HealthStatus{Healthy: true, CheckedAt: time.Now().UTC()}
}

// Close releases the underlying database handle. Not part of the Adapter
// contract; the Adapter Registry does not call it.
func (s *SQLiteAdapter) Close() error {
	return s.db.Close()
}

func (s *SQLiteAdapter) getTx(ctx context.Context, txID string) (*sql.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.tx[txID]; ok {
		return tx, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, faults.Wrap(faults.KindIO, "begin sqlite transaction", err)
	}
	s.tx[txID] = tx
	return tx, nil
}

func (s *SQLiteAdapter) Query(ctx context.Context, collection string, filter map[string]any) ([]Document, error) {
	if err := s.RequireCapability("read", s.Capabilities().Read); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM documents WHERE collection = ?`, collection)
	if err != nil {
		return nil, faults.Wrap(faults.KindIO, "query sqlite documents", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, faults.Wrap(faults.KindIO, "scan sqlite row", err)
		}
		var doc Document
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return nil, faults.Wrap(faults.KindCorruption, "decode sqlite document", err)
		}
		if matchesFilter(doc, filter) {
			out = append(out, doc)
		}
	}
	return out, rows.Err()
}

func (s *SQLiteAdapter) Insert(ctx context.Context, txID, collection string, doc Document) error {
	if err := s.RequireCapability("write", s.Capabilities().Write); err != nil {
		return err
	}
	tx, err := s.getTx(ctx, txID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return faults.Wrap(faults.KindIO, "encode document", err)
	}
	id := documentID(doc)
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO documents(collection, id, body) VALUES (?, ?, ?)`, collection, id, body); err != nil {
		return faults.Wrap(faults.KindIO, "insert document", err)
	}
	s.Stage(txID, StagedOperation{Kind: OpInsert, Collection: collection, DocumentID: id, NewValue: doc})
	return nil
}

func (s *SQLiteAdapter) Update(ctx context.Context, txID, collection, documentID string, patch Document) error {
	if err := s.RequireCapability("write", s.Capabilities().Write); err != nil {
		return err
	}
	tx, err := s.getTx(ctx, txID)
	if err != nil {
		return err
	}
	var existingBody string
	row := tx.QueryRowContext(ctx, `SELECT body FROM documents WHERE collection = ? AND id = ?`, collection, documentID)
	existing := make(Document)
	if err := row.Scan(&existingBody); err == nil {
		_ = json.Unmarshal([]byte(existingBody), &existing)
	} else if err != sql.ErrNoRows {
		return faults.Wrap(faults.KindIO, "read document for update", err)
	}
	for k, v := range patch {
		existing[k] = v
	}
	body, err := json.Marshal(existing)
	if err != nil {
		return faults.Wrap(faults.KindIO, "encode updated document", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO documents(collection, id, body) VALUES (?, ?, ?)`, collection, documentID, body); err != nil {
		return faults.Wrap(faults.KindIO, "update document", err)
	}
	s.Stage(txID, StagedOperation{Kind: OpUpdate, Collection: collection, DocumentID: documentID, NewValue: patch})
	return nil
}

func (s *SQLiteAdapter) Delete(ctx context.Context, txID, collection, documentID string, filter map[string]any) error {
	if err := s.RequireCapability("write", s.Capabilities().Write); err != nil {
		return err
	}
	tx, err := s.getTx(ctx, txID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, documentID); err != nil {
		return faults.Wrap(faults.KindIO, "delete document", err)
	}
	s.Stage(txID, StagedOperation{Kind: OpDelete, Collection: collection, DocumentID: documentID, Filter: filter})
	return nil
}

func (s *SQLiteAdapter) BatchInsert(ctx context.Context, txID, collection string, docs []Document) error {
	for _, d := range docs {
		if err := s.Insert(ctx, txID, collection, d); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteAdapter) BatchUpdate(ctx context.Context, txID, collection string, ops []BatchUpdateOp) error {
	for _, op := range ops {
		if err := s.Update(ctx, txID, collection, op.DocumentID, op.Patch); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteAdapter) BatchDelete(ctx context.Context, txID, collection string, ids []string) error {
	for _, id := range ids {
		if err := s.Delete(ctx, txID, collection, id, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteAdapter) PrepareCommit(ctx context.Context, txID string) (bool, error) {
	s.mu.Lock()
	_, open := s.tx[txID]
	s.mu.Unlock()
	if !open {
		// Zero-operation transaction on this adapter: nothing staged, trivially ready.
		if err := s.WriteSystemRecord(ctx, txID, wal.RecordPrepare, wal.SystemCollection); err != nil {
			return false, err
		}
		s.markPrepared(txID)
		return true, nil
	}
	if err := s.WriteSystemRecord(ctx, txID, wal.RecordPrepare, wal.SystemCollection); err != nil {
		return false, err
	}
	s.markPrepared(txID)
	return true, nil
}

func (s *SQLiteAdapter) FinalizeCommit(ctx context.Context, txID string) error {
	if s.AlreadyFinalized(txID) {
		return nil
	}
	s.mu.Lock()
	tx, open := s.tx[txID]
	delete(s.tx, txID)
	s.mu.Unlock()

	if open {
		if err := tx.Commit(); err != nil {
			s.setState(StateError)
			return faults.Wrap(faults.KindIO, "commit sqlite transaction", err)
		}
	}

	if err := s.WriteSystemRecord(ctx, txID, wal.RecordCommit, wal.SystemCollection); err != nil {
		return err
	}
	for _, op := range s.StagedOps(txID) {
		s.emit(changeEventFor(op))
	}
	s.MarkFinalized(txID)
	s.ClearStage(txID)
	return nil
}

func (s *SQLiteAdapter) Rollback(ctx context.Context, txID string) error {
	if s.AlreadyRolledBack(txID) {
		return nil
	}
	s.mu.Lock()
	tx, open := s.tx[txID]
	delete(s.tx, txID)
	s.mu.Unlock()

	if open {
		if err := tx.Rollback(); err != nil {
			return faults.Wrap(faults.KindIO, "rollback sqlite transaction", err)
		}
	}
	if err := s.WriteSystemRecord(ctx, txID, wal.RecordRollback, wal.SystemCollection); err != nil {
		return err
	}
	s.MarkRolledBack(txID)
	s.ClearStage(txID)
	return nil
}
