package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/notesync/internal/crdt"
	"github.com/roach88/notesync/internal/errs"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - documents, updates, file_index
// 2 - Added compactions table
const currentSchemaVersion = 2

// Store is the SQLite storage backend.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store or Memory backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithNow overrides the clock used for update and snapshot timestamps.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	o := buildOptions(opts)
	return &Store{db: db, now: o.now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV2 adds the compactions table for databases created at v1.
// New databases get it from schema.sql.
func migrateToV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS compactions (
			doc_name TEXT PRIMARY KEY,
			floor_id INTEGER NOT NULL,
			base     BLOB NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// LoadDoc returns the stored snapshot of a document.
func (s *Store) LoadDoc(ctx context.Context, name string) (Snapshot, bool, error) {
	snap := Snapshot{DocName: name}
	err := s.db.QueryRowContext(ctx, `
		SELECT state, state_summary, updated_at FROM documents WHERE name = ?
	`, name).Scan(&snap.State, &snap.Summary, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load doc %s: %w", name, err)
	}
	return snap, true, nil
}

// SaveDoc replaces the snapshot of a document.
func (s *Store) SaveDoc(ctx context.Context, name string, state, summary []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (name, state, state_summary, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			state = excluded.state,
			state_summary = excluded.state_summary,
			updated_at = excluded.updated_at
	`, name, nonNil(state), nonNil(summary), s.now().UnixMilli())
	if err != nil {
		return errs.StorageWrite(name, err)
	}
	return nil
}

// DeleteDoc removes a document with its update log and compaction base.
func (s *Store) DeleteDoc(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.StorageWrite(name, err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM documents WHERE name = ?`,
		`DELETE FROM updates WHERE doc_name = ?`,
		`DELETE FROM compactions WHERE doc_name = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, name); err != nil {
			return errs.StorageWrite(name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.StorageWrite(name, err)
	}
	return nil
}

// ListDocs returns the names of every stored document, sorted.
func (s *Store) ListDocs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM documents
		UNION
		SELECT DISTINCT doc_name FROM updates
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("list docs: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan doc name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate docs: %w", err)
	}
	return names, nil
}

// AppendUpdate appends an update to the log and returns its id.
// A zero Timestamp is filled in with the current time.
func (s *Store) AppendUpdate(ctx context.Context, u Update) (int64, error) {
	if u.Timestamp == 0 {
		u.Timestamp = s.now().UnixMilli()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO updates (doc_name, data, origin, timestamp, device_id, device_name)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.DocName, u.Data, string(u.Origin), u.Timestamp, nullString(u.DeviceID), nullString(u.DeviceName))
	if err != nil {
		return 0, errs.StorageWrite(u.DocName, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errs.StorageWrite(u.DocName, err)
	}
	return id, nil
}

// GetUpdatesSince returns the updates of a document with id > afterID, oldest first.
func (s *Store) GetUpdatesSince(ctx context.Context, name string, afterID int64) ([]Update, error) {
	return s.queryUpdates(ctx, s.db, name, afterID)
}

// GetAllUpdates returns every logged update of a document, oldest first.
func (s *Store) GetAllUpdates(ctx context.Context, name string) ([]Update, error) {
	return s.queryUpdates(ctx, s.db, name, 0)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) queryUpdates(ctx context.Context, q queryer, name string, afterID int64) ([]Update, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, doc_name, data, origin, timestamp, device_id, device_name
		FROM updates
		WHERE doc_name = ? AND id > ?
		ORDER BY id ASC
	`, name, afterID)
	if err != nil {
		return nil, fmt.Errorf("query updates %s: %w", name, err)
	}
	defer rows.Close()

	updates := []Update{}
	for rows.Next() {
		var (
			u                    Update
			origin               string
			deviceID, deviceName sql.NullString
		)
		if err := rows.Scan(&u.ID, &u.DocName, &u.Data, &origin, &u.Timestamp, &deviceID, &deviceName); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		u.Origin = crdt.Origin(origin)
		u.DeviceID = deviceID.String
		u.DeviceName = deviceName.String
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return updates, nil
}

// GetLatestUpdateID returns the highest update id of a document, or the
// compaction floor when every update has been folded. 0 means no history.
func (s *Store) GetLatestUpdateID(ctx context.Context, name string) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(id) FROM (
			SELECT id FROM updates WHERE doc_name = ?
			UNION ALL
			SELECT floor_id FROM compactions WHERE doc_name = ?
		)
	`, name, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("latest update id %s: %w", name, err)
	}
	return id.Int64, nil
}

// CompactionBase returns the state folded out of the log and the floor id.
func (s *Store) CompactionBase(ctx context.Context, name string) (Base, error) {
	var b Base
	err := s.db.QueryRowContext(ctx, `
		SELECT floor_id, base FROM compactions WHERE doc_name = ?
	`, name).Scan(&b.Floor, &b.State)
	if errors.Is(err, sql.ErrNoRows) {
		return Base{}, nil
	}
	if err != nil {
		return Base{}, fmt.Errorf("compaction base %s: %w", name, err)
	}
	return b, nil
}

// Compact folds all but the newest keep updates of a document into its
// compaction base and snapshot, then drops them from the log. It returns
// the number of updates folded.
func (s *Store) Compact(ctx context.Context, name string, keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("compact %s: keep must be >= 0, got %d", name, keep)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.StorageWrite(name, err)
	}
	defer tx.Rollback()

	updates, err := s.queryUpdates(ctx, tx, name, 0)
	if err != nil {
		return 0, err
	}
	var base Base
	err = tx.QueryRowContext(ctx, `SELECT floor_id, base FROM compactions WHERE doc_name = ?`, name).
		Scan(&base.Floor, &base.State)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("compact %s: %w", name, err)
	}
	var snapshot []byte
	err = tx.QueryRowContext(ctx, `SELECT state FROM documents WHERE name = ?`, name).Scan(&snapshot)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("compact %s: %w", name, err)
	}

	plan, err := PlanCompaction(base, snapshot, updates, keep)
	if err != nil {
		return 0, fmt.Errorf("compact %s: %w", name, err)
	}
	if plan.Folded == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (name, state, state_summary, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			state = excluded.state,
			state_summary = excluded.state_summary,
			updated_at = excluded.updated_at
	`, name, plan.Snapshot, plan.Summary, s.now().UnixMilli()); err != nil {
		return 0, errs.StorageWrite(name, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO compactions (doc_name, floor_id, base) VALUES (?, ?, ?)
		ON CONFLICT(doc_name) DO UPDATE SET floor_id = excluded.floor_id, base = excluded.base
	`, name, plan.Floor, plan.Base); err != nil {
		return 0, errs.StorageWrite(name, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM updates WHERE doc_name = ? AND id <= ?
	`, name, plan.Floor); err != nil {
		return 0, errs.StorageWrite(name, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.StorageWrite(name, err)
	}
	return plan.Folded, nil
}

// UpdateFileIndex upserts file index rows.
func (s *Store) UpdateFileIndex(ctx context.Context, rows []FileIndexRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.StorageWrite("file_index", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO file_index (path, title, part_of, deleted, modified_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			title = excluded.title,
			part_of = excluded.part_of,
			deleted = excluded.deleted,
			modified_at = excluded.modified_at
	`)
	if err != nil {
		return errs.StorageWrite("file_index", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Path, r.Title, nullString(r.ParentPath), r.Deleted, r.ModifiedAt); err != nil {
			return errs.StorageWrite("file_index", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.StorageWrite("file_index", err)
	}
	return nil
}

// QueryActiveFiles returns the rows of live entries, sorted by path.
func (s *Store) QueryActiveFiles(ctx context.Context) ([]FileIndexRow, error) {
	return s.queryFileIndex(ctx, `WHERE deleted = 0`)
}

// QueryAllFiles returns every file index row including tombstones, sorted by path.
func (s *Store) QueryAllFiles(ctx context.Context) ([]FileIndexRow, error) {
	return s.queryFileIndex(ctx, ``)
}

func (s *Store) queryFileIndex(ctx context.Context, where string) ([]FileIndexRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, title, part_of, deleted, modified_at FROM file_index `+where+`
		ORDER BY path ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query file index: %w", err)
	}
	defer rows.Close()

	out := []FileIndexRow{}
	for rows.Next() {
		var (
			r      FileIndexRow
			partOf sql.NullString
		)
		if err := rows.Scan(&r.Path, &r.Title, &partOf, &r.Deleted, &r.ModifiedAt); err != nil {
			return nil, fmt.Errorf("scan file index row: %w", err)
		}
		r.ParentPath = partOf.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file index: %w", err)
	}
	return out, nil
}

// RemoveFromFileIndex deletes file index rows by path.
func (s *Store) RemoveFromFileIndex(ctx context.Context, paths ...string) error {
	for _, p := range paths {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM file_index WHERE path = ?`, p); err != nil {
			return errs.StorageWrite("file_index", err)
		}
	}
	return nil
}

// PurgeDeletedFiles removes tombstoned file index rows last modified before
// olderThan and returns how many were removed. Tombstones in the workspace
// document itself are never purged.
func (s *Store) PurgeDeletedFiles(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM file_index WHERE deleted = 1 AND modified_at < ?
	`, olderThan.UnixMilli())
	if err != nil {
		return 0, errs.StorageWrite("file_index", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
