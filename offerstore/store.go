// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package offerstore persists offer records in SQLite. It is the one
// mutable resource shared between user-triggered writes and the
// background poller; every write is a wholesale read-merge-write of
// one record, last writer wins.
//
// The store keeps at most one record per trade id. Save routes to an
// update when the trade id already exists, and every read first
// collapses any duplicates that slipped in from outside (imports,
// older databases), keeping the most recently modified row.
package offerstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/offermesh/offermesh/lib/clock"
	"github.com/offermesh/offermesh/lib/codec"
	"github.com/offermesh/offermesh/lib/sqlitepool"
	"github.com/offermesh/offermesh/offer"
)

// ErrNotFound reports an update or delete against an id the store
// does not have.
var ErrNotFound = errors.New("offerstore: record not found")

const schema = `
CREATE TABLE IF NOT EXISTS offers (
	id             TEXT PRIMARY KEY,
	trade_id       TEXT NOT NULL,
	wallet_address TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	state          INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	expires_at     INTEGER NOT NULL DEFAULT 0,
	fee            INTEGER NOT NULL DEFAULT 0,
	index_id       TEXT NOT NULL DEFAULT '',
	is_local       INTEGER NOT NULL DEFAULT 0,
	synced_at      INTEGER NOT NULL DEFAULT 0,
	last_modified  INTEGER NOT NULL,
	payload        BLOB,
	assets         BLOB,
	snapshot       BLOB
);
CREATE INDEX IF NOT EXISTS offers_trade_id ON offers (trade_id);
CREATE INDEX IF NOT EXISTS offers_status ON offers (status);
CREATE INDEX IF NOT EXISTS offers_created_at ON offers (created_at);
CREATE INDEX IF NOT EXISTS offers_wallet_address ON offers (wallet_address);
`

// recordAssets is the CBOR shape of the assets column.
type recordAssets struct {
	Offered   []offer.Asset `cbor:"offered"`
	Requested []offer.Asset `cbor:"requested"`
}

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the SQLite database file. Required.
	Path string

	// PoolSize is forwarded to the connection pool.
	PoolSize int

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock stamps syncedAt in MarkSynced. Defaults to the system
	// clock.
	Clock clock.Clock
}

// Store is the durable offer record collection. Safe for concurrent
// use.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
	clock  clock.Clock

	mu           sync.Mutex
	observers    map[int]func()
	nextObserver int
}

// Open opens (creating if needed) the store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("offerstore: opening %s: %w", cfg.Path, err)
	}

	return &Store{
		pool:      pool,
		logger:    logger,
		clock:     clk,
		observers: make(map[int]func()),
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Subscribe registers an observer called after every successful
// mutation. The returned cancel function removes it. Observers run
// on the mutating goroutine and must not call back into the store
// synchronously with long work.
func (s *Store) Subscribe(observer func()) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = observer
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Store) notify() {
	s.mu.Lock()
	observers := make([]func(), 0, len(s.observers))
	for _, observer := range s.observers {
		observers = append(observers, observer)
	}
	s.mu.Unlock()
	for _, observer := range observers {
		observer()
	}
}

// Save upserts a record. If a record with the same trade id already
// exists, the existing row is rewritten in place (keeping its local
// id); Save never creates a second row for the same trade.
func (s *Store) Save(ctx context.Context, record offer.Record) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = func() (err error) {
		defer sqlitex.Save(conn)(&err)

		existingID := ""
		err = sqlitex.Execute(conn,
			`SELECT id FROM offers WHERE trade_id = ? ORDER BY last_modified DESC LIMIT 1`,
			&sqlitex.ExecOptions{
				Args: []any{record.TradeID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					existingID = stmt.GetText("id")
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("offerstore: looking up trade %s: %w", record.TradeID, err)
		}
		if existingID != "" {
			record.ID = existingID
			return s.writeRecord(conn, record, true)
		}
		return s.writeRecord(conn, record, false)
	}()
	if err != nil {
		return err
	}

	s.notify()
	return nil
}

// Update applies a partial mutation to the record with the given
// local id, as a full read-merge-write. Returns ErrNotFound if the id
// is unknown.
func (s *Store) Update(ctx context.Context, id string, update offer.Update) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = func() (err error) {
		defer sqlitex.Save(conn)(&err)

		record, err := s.readRecord(conn, id)
		if err != nil {
			return err
		}
		return s.writeRecord(conn, update.Apply(record), true)
	}()
	if err != nil {
		return err
	}

	s.notify()
	return nil
}

// Delete removes the record with the given local id. Returns
// ErrNotFound if the id is unknown.
func (s *Store) Delete(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, `DELETE FROM offers WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return fmt.Errorf("offerstore: deleting %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("offerstore: deleting %s: %w", id, ErrNotFound)
	}

	s.notify()
	return nil
}

// Get returns the record with the given local id.
func (s *Store) Get(ctx context.Context, id string) (offer.Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return offer.Record{}, err
	}
	defer s.pool.Put(conn)
	return s.readRecord(conn, id)
}

// List returns every record, deduplicated by trade id and ordered by
// creation time, newest first.
func (s *Store) List(ctx context.Context) ([]offer.Record, error) {
	return s.listWhere(ctx, "", nil)
}

// ListByStatus returns all records with the given legacy status.
func (s *Store) ListByStatus(ctx context.Context, status string) ([]offer.Record, error) {
	return s.listWhere(ctx, "WHERE status = ?", []any{status})
}

// ListUnsynced returns all records not yet confirmed by the index.
func (s *Store) ListUnsynced(ctx context.Context) ([]offer.Record, error) {
	return s.listWhere(ctx, "WHERE is_local = 1", nil)
}

// MarkSynced clears the local flag on the given records and stamps
// their sync time. Ids the store does not have are skipped.
func (s *Store) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	now := s.clock.Now().UnixMilli()
	err = func() (err error) {
		defer sqlitex.Save(conn)(&err)
		for _, id := range ids {
			if err := sqlitex.Execute(conn,
				`UPDATE offers SET is_local = 0, synced_at = ?, last_modified = ? WHERE id = ?`,
				&sqlitex.ExecOptions{Args: []any{now, now, id}}); err != nil {
				return fmt.Errorf("offerstore: marking %s synced: %w", id, err)
			}
		}
		return nil
	}()
	if err != nil {
		return err
	}

	s.notify()
	return nil
}

// listWhere runs the dedup pass, then returns rows matching the
// where clause.
func (s *Store) listWhere(ctx context.Context, where string, args []any) ([]offer.Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	if err := s.dedup(conn); err != nil {
		return nil, err
	}

	var records []offer.Record
	query := `SELECT * FROM offers ` + where + ` ORDER BY created_at DESC`
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			record, err := scanRecord(stmt)
			if err != nil {
				return err
			}
			records = append(records, record)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("offerstore: listing records: %w", err)
	}
	return records, nil
}

// dedup collapses rows sharing a trade id, keeping the one with the
// greatest last_modified. Runs before every read so duplicates from
// outside writers never reach a caller.
func (s *Store) dedup(conn *sqlite.Conn) error {
	err := sqlitex.Execute(conn,
		`DELETE FROM offers WHERE rowid NOT IN
			(SELECT keep FROM
				(SELECT rowid AS keep, MAX(last_modified) FROM offers GROUP BY trade_id))`,
		nil)
	if err != nil {
		return fmt.Errorf("offerstore: deduplicating by trade id: %w", err)
	}
	if dropped := conn.Changes(); dropped > 0 {
		s.logger.Warn("collapsed duplicate trade records", "dropped", dropped)
	}
	return nil
}

func (s *Store) readRecord(conn *sqlite.Conn, id string) (offer.Record, error) {
	var record offer.Record
	found := false
	err := sqlitex.Execute(conn, `SELECT * FROM offers WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			var err error
			record, err = scanRecord(stmt)
			return err
		},
	})
	if err != nil {
		return offer.Record{}, fmt.Errorf("offerstore: reading %s: %w", id, err)
	}
	if !found {
		return offer.Record{}, fmt.Errorf("offerstore: reading %s: %w", id, ErrNotFound)
	}
	return record, nil
}

func (s *Store) writeRecord(conn *sqlite.Conn, record offer.Record, replace bool) error {
	assets, err := codec.Marshal(recordAssets{
		Offered:   record.AssetsOffered,
		Requested: record.AssetsRequested,
	})
	if err != nil {
		return fmt.Errorf("offerstore: encoding assets for %s: %w", record.ID, err)
	}
	var snapshot []byte
	if record.IndexSnapshot != nil {
		snapshot, err = codec.Marshal(record.IndexSnapshot)
		if err != nil {
			return fmt.Errorf("offerstore: encoding snapshot for %s: %w", record.ID, err)
		}
	}

	verb := "INSERT INTO"
	if replace {
		verb = "INSERT OR REPLACE INTO"
	}
	query := verb + ` offers
		(id, trade_id, wallet_address, status, state, created_at, expires_at,
		 fee, index_id, is_local, synced_at, last_modified, payload, assets, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{
			record.ID,
			record.TradeID,
			record.WalletAddress,
			record.Status,
			int64(record.State),
			record.CreatedAt.UnixMilli(),
			optionalMilli(record.ExpiresAt),
			int64(record.Fee),
			record.IndexID,
			boolToInt(record.IsLocal),
			optionalMilli(record.SyncedAt),
			record.LastModified.UnixMilli(),
			record.OfferPayload,
			assets,
			snapshot,
		},
	})
	if err != nil {
		return fmt.Errorf("offerstore: writing %s: %w", record.ID, err)
	}
	return nil
}

func scanRecord(stmt *sqlite.Stmt) (offer.Record, error) {
	record := offer.Record{
		ID:            stmt.GetText("id"),
		TradeID:       stmt.GetText("trade_id"),
		WalletAddress: stmt.GetText("wallet_address"),
		Status:        stmt.GetText("status"),
		State:         offer.State(stmt.GetInt64("state")),
		CreatedAt:     time.UnixMilli(stmt.GetInt64("created_at")).UTC(),
		Fee:           uint64(stmt.GetInt64("fee")),
		IndexID:       stmt.GetText("index_id"),
		IsLocal:       stmt.GetInt64("is_local") != 0,
		LastModified:  time.UnixMilli(stmt.GetInt64("last_modified")).UTC(),
		OfferPayload:  columnBlob(stmt, "payload"),
	}
	if millis := stmt.GetInt64("expires_at"); millis != 0 {
		at := time.UnixMilli(millis).UTC()
		record.ExpiresAt = &at
	}
	if millis := stmt.GetInt64("synced_at"); millis != 0 {
		at := time.UnixMilli(millis).UTC()
		record.SyncedAt = &at
	}

	if assets := columnBlob(stmt, "assets"); len(assets) > 0 {
		var decoded recordAssets
		if err := codec.Unmarshal(assets, &decoded); err != nil {
			return offer.Record{}, fmt.Errorf("offerstore: decoding assets for %s: %w", record.ID, err)
		}
		record.AssetsOffered = decoded.Offered
		record.AssetsRequested = decoded.Requested
	}
	if snapshot := columnBlob(stmt, "snapshot"); len(snapshot) > 0 {
		var signal offer.Signal
		if err := codec.Unmarshal(snapshot, &signal); err != nil {
			return offer.Record{}, fmt.Errorf("offerstore: decoding snapshot for %s: %w", record.ID, err)
		}
		record.IndexSnapshot = &signal
	}
	return record, nil
}

func columnBlob(stmt *sqlite.Stmt, name string) []byte {
	length := stmt.GetLen(name)
	if length == 0 {
		return nil
	}
	buf := make([]byte, length)
	stmt.GetBytes(name, buf)
	return buf
}

func optionalMilli(at *time.Time) int64 {
	if at == nil {
		return 0
	}
	return at.UnixMilli()
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
