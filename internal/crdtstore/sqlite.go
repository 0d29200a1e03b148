// Package crdtstore provides durable backends for CRDT documents: a
// single-file SQLite store for real workspaces and an in-memory store for
// ephemeral modes and tests. Both persist a compacted state blob per
// document plus an append-only, origin-tagged update log.
package crdtstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/diaryx-org/diaryx-go/internal/crdt"
)

// SQL statements for document operations.
const (
	sqlLoadDoc = `SELECT state FROM doc_state WHERE key = ?`

	sqlSaveDoc = `INSERT INTO doc_state (key, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
		 state = excluded.state,
		 updated_at = excluded.updated_at`

	sqlAppendUpdate = `INSERT INTO doc_updates
		(key, update_blob, origin, device_id, device_name, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	sqlLoadUpdates = `SELECT id, update_blob, origin, device_id, device_name, inserted_at
		FROM doc_updates WHERE key = ? ORDER BY id`

	sqlTruncateUpdates = `DELETE FROM doc_updates WHERE key = ? AND id <= ?`
)

// SQLiteStore persists CRDT documents in a single database file, usually
// <workspace>/.diaryx/crdt.db. Writes are serialized through a single
// connection so per-document reads never observe a torn compaction.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the database at dbPath and runs migrations.
func OpenSQLite(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("crdtstore: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("crdt store opened", slog.String("db_path", dbPath))

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadDoc returns the compacted state blob for key, or ok=false if absent.
func (s *SQLiteStore) LoadDoc(ctx context.Context, key crdt.DocKey) ([]byte, bool, error) {
	var state []byte

	err := s.db.QueryRowContext(ctx, sqlLoadDoc, string(key)).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("crdtstore: loading doc %s: %w", key, err)
	}

	return state, true, nil
}

// SaveDoc atomically replaces the state blob for key.
func (s *SQLiteStore) SaveDoc(ctx context.Context, key crdt.DocKey, state []byte) error {
	_, err := s.db.ExecContext(ctx, sqlSaveDoc, string(key), state, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("crdtstore: saving doc %s: %w", key, err)
	}

	return nil
}

// AppendUpdate appends one origin-tagged entry to key's update log.
func (s *SQLiteStore) AppendUpdate(ctx context.Context, key crdt.DocKey, update []byte, origin crdt.UpdateOrigin, deviceID, deviceName string) error {
	_, err := s.db.ExecContext(ctx, sqlAppendUpdate,
		string(key), update, string(origin),
		nullString(deviceID), nullString(deviceName),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("crdtstore: appending update for %s: %w", key, err)
	}

	return nil
}

// LoadUpdates returns all log entries for key in insertion order.
func (s *SQLiteStore) LoadUpdates(ctx context.Context, key crdt.DocKey) ([]crdt.UpdateRecord, error) {
	rows, err := s.db.QueryContext(ctx, sqlLoadUpdates, string(key))
	if err != nil {
		return nil, fmt.Errorf("crdtstore: loading updates for %s: %w", key, err)
	}
	defer rows.Close()

	var out []crdt.UpdateRecord

	for rows.Next() {
		var (
			rec        crdt.UpdateRecord
			origin     string
			deviceID   sql.NullString
			deviceName sql.NullString
		)

		if err := rows.Scan(&rec.ID, &rec.Update, &origin, &deviceID, &deviceName, &rec.InsertedAt); err != nil {
			return nil, fmt.Errorf("crdtstore: scanning update row for %s: %w", key, err)
		}

		rec.Origin = crdt.UpdateOrigin(origin)
		rec.DeviceID = deviceID.String
		rec.DeviceName = deviceName.String

		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("crdtstore: iterating update rows for %s: %w", key, err)
	}

	return out, nil
}

// Compact merges the stored state with all newer log entries, replaces the
// state blob, and truncates the log — all in one transaction so concurrent
// readers see either the pre- or post-compaction snapshot.
func (s *SQLiteStore) Compact(ctx context.Context, key crdt.DocKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("crdtstore: compact begin for %s: %w", key, err)
	}
	defer tx.Rollback()

	var state []byte

	err = tx.QueryRowContext(ctx, sqlLoadDoc, string(key)).Scan(&state)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("crdtstore: compact load state for %s: %w", key, err)
	}

	rows, err := tx.QueryContext(ctx, sqlLoadUpdates, string(key))
	if err != nil {
		return fmt.Errorf("crdtstore: compact load updates for %s: %w", key, err)
	}

	blobs := [][]byte{state}
	var maxID int64

	for rows.Next() {
		var (
			id         int64
			blob       []byte
			origin     string
			deviceID   sql.NullString
			deviceName sql.NullString
			insertedAt int64
		)

		if scanErr := rows.Scan(&id, &blob, &origin, &deviceID, &deviceName, &insertedAt); scanErr != nil {
			rows.Close()
			return fmt.Errorf("crdtstore: compact scanning update for %s: %w", key, scanErr)
		}

		blobs = append(blobs, blob)
		maxID = id
	}

	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("crdtstore: compact iterating updates for %s: %w", key, err)
	}

	rows.Close()

	if maxID == 0 {
		return tx.Commit() // nothing newer than the state blob
	}

	merged, err := crdt.MergeUpdates(blobs...)
	if err != nil {
		return fmt.Errorf("crdtstore: compact merging %s: %w", key, err)
	}

	if _, err := tx.ExecContext(ctx, sqlSaveDoc, string(key), merged, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("crdtstore: compact saving %s: %w", key, err)
	}

	if _, err := tx.ExecContext(ctx, sqlTruncateUpdates, string(key), maxID); err != nil {
		return fmt.Errorf("crdtstore: compact truncating log for %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("crdtstore: compact commit for %s: %w", key, err)
	}

	s.logger.Debug("compacted document", "key", string(key), "log_entries", maxID)

	return nil
}

// QueryActiveFiles rebuilds the workspace document from storage and
// returns its live entries — the file manifest sent at handshake.
func (s *SQLiteStore) QueryActiveFiles(ctx context.Context, workspaceID string) ([]crdt.ActiveFileRow, error) {
	return queryActiveFiles(ctx, s, workspaceID)
}

// queryActiveFiles is shared by both backends: replay the workspace doc
// read-only and list its live entries.
func queryActiveFiles(ctx context.Context, store crdt.Store, workspaceID string) ([]crdt.ActiveFileRow, error) {
	doc, err := crdt.LoadWorkspaceDoc(ctx, store, workspaceID, 0, "", "")
	if err != nil {
		return nil, fmt.Errorf("crdtstore: rebuilding workspace doc: %w", err)
	}

	files := doc.ActiveFiles()
	out := make([]crdt.ActiveFileRow, 0, len(files))

	for _, f := range files {
		out = append(out, crdt.ActiveFileRow{Path: f.Path, Title: f.Title, PartOf: f.PartOf})
	}

	return out, nil
}

// nullString converts an empty string to NULL for nullable columns.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}
