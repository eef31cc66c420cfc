// Package pgstore is the Postgres storage backend. It keeps the same tables
// and contract as the SQLite store, so a relay can move between the two
// without touching replicas.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/notesync/internal/crdt"
	"github.com/roach88/notesync/internal/errs"
	"github.com/roach88/notesync/internal/store"
)

// TableNames holds the prefixed table names.
type TableNames struct {
	Documents   string
	Updates     string
	FileIndex   string
	Compactions string
}

// NewTableNames creates table names with the given prefix.
func NewTableNames(prefix string) TableNames {
	return TableNames{
		Documents:   prefix + "documents",
		Updates:     prefix + "updates",
		FileIndex:   prefix + "file_index",
		Compactions: prefix + "compactions",
	}
}

// Store is the Postgres backend.
type Store struct {
	pool   *pgxpool.Pool
	tables TableNames
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTablePrefix prefixes every table name (e.g. "test_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tables = NewTableNames(prefix) }
}

// WithNow overrides the clock used for timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open connects to databaseURL and creates the tables if needed.
func Open(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	config.MaxConns = 10

	// Transaction poolers (PgBouncer on 6543) reject prepared statements.
	if config.ConnConfig.Port == 6543 && config.ConnConfig.DefaultQueryExecMode == pgx.QueryExecModeCacheStatement {
		config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheDescribe
		slog.Debug("auto-configured cache_describe mode for PgBouncer compatibility", "port", 6543)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool, tables: NewTableNames(""), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	t := s.tables
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name          TEXT PRIMARY KEY,
			state         BYTEA NOT NULL,
			state_summary BYTEA NOT NULL,
			updated_at    BIGINT NOT NULL
		)`, t.Documents),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id          BIGSERIAL PRIMARY KEY,
			doc_name    TEXT NOT NULL,
			data        BYTEA NOT NULL,
			origin      TEXT NOT NULL,
			timestamp   BIGINT NOT NULL,
			device_id   TEXT,
			device_name TEXT
		)`, t.Updates),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_doc_idx ON %s (doc_name, id)`, t.Updates, t.Updates),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			path        TEXT PRIMARY KEY,
			title       TEXT NOT NULL,
			part_of     TEXT,
			deleted     BOOLEAN NOT NULL DEFAULT FALSE,
			modified_at BIGINT NOT NULL
		)`, t.FileIndex),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_deleted_idx ON %s (deleted)`, t.FileIndex, t.FileIndex),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			doc_name TEXT PRIMARY KEY,
			floor_id BIGINT NOT NULL,
			base     BYTEA NOT NULL
		)`, t.Compactions),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// DropTables removes every table of this store. Used by tests.
func (s *Store) DropTables(ctx context.Context) error {
	t := s.tables
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s, %s, %s, %s`,
		t.Documents, t.Updates, t.FileIndex, t.Compactions))
	return err
}

func (s *Store) LoadDoc(ctx context.Context, name string) (store.Snapshot, bool, error) {
	snap := store.Snapshot{DocName: name}
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT state, state_summary, updated_at FROM %s WHERE name = $1
	`, s.tables.Documents), name).Scan(&snap.State, &snap.Summary, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Snapshot{}, false, nil
	}
	if err != nil {
		return store.Snapshot{}, false, fmt.Errorf("load doc %s: %w", name, err)
	}
	return snap, true, nil
}

func (s *Store) SaveDoc(ctx context.Context, name string, state, summary []byte) error {
	_, err := s.pool.Exec(ctx, s.upsertDocSQL(), name, nonNil(state), nonNil(summary), s.now().UnixMilli())
	if err != nil {
		return errs.StorageWrite(name, err)
	}
	return nil
}

func (s *Store) upsertDocSQL() string {
	return fmt.Sprintf(`
		INSERT INTO %s (name, state, state_summary, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			state = EXCLUDED.state,
			state_summary = EXCLUDED.state_summary,
			updated_at = EXCLUDED.updated_at
	`, s.tables.Documents)
}

func (s *Store) DeleteDoc(ctx context.Context, name string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, table := range []string{s.tables.Updates, s.tables.Compactions} {
			if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE doc_name = $1`, table), name); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE name = $1`, s.tables.Documents), name)
		return err
	})
	if err != nil {
		return errs.StorageWrite(name, err)
	}
	return nil
}

func (s *Store) ListDocs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT name FROM %s
		UNION
		SELECT DISTINCT doc_name FROM %s
		ORDER BY 1
	`, s.tables.Documents, s.tables.Updates))
	if err != nil {
		return nil, fmt.Errorf("list docs: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list docs: %w", err)
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

func (s *Store) AppendUpdate(ctx context.Context, u store.Update) (int64, error) {
	if u.Timestamp == 0 {
		u.Timestamp = s.now().UnixMilli()
	}
	var id int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (doc_name, data, origin, timestamp, device_id, device_name)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, s.tables.Updates), u.DocName, u.Data, string(u.Origin), u.Timestamp,
		nullable(u.DeviceID), nullable(u.DeviceName)).Scan(&id)
	if err != nil {
		return 0, errs.StorageWrite(u.DocName, err)
	}
	return id, nil
}

func (s *Store) GetUpdatesSince(ctx context.Context, name string, afterID int64) ([]store.Update, error) {
	return s.queryUpdates(ctx, s.pool, name, afterID)
}

func (s *Store) GetAllUpdates(ctx context.Context, name string) ([]store.Update, error) {
	return s.queryUpdates(ctx, s.pool, name, 0)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) queryUpdates(ctx context.Context, q querier, name string, afterID int64) ([]store.Update, error) {
	rows, err := q.Query(ctx, fmt.Sprintf(`
		SELECT id, doc_name, data, origin, timestamp, device_id, device_name
		FROM %s
		WHERE doc_name = $1 AND id > $2
		ORDER BY id ASC
	`, s.tables.Updates), name, afterID)
	if err != nil {
		return nil, fmt.Errorf("query updates %s: %w", name, err)
	}
	updates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Update, error) {
		var (
			u                    store.Update
			origin               string
			deviceID, deviceName *string
		)
		if err := row.Scan(&u.ID, &u.DocName, &u.Data, &origin, &u.Timestamp, &deviceID, &deviceName); err != nil {
			return store.Update{}, err
		}
		u.Origin = crdt.Origin(origin)
		if deviceID != nil {
			u.DeviceID = *deviceID
		}
		if deviceName != nil {
			u.DeviceName = *deviceName
		}
		return u, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan updates %s: %w", name, err)
	}
	if updates == nil {
		updates = []store.Update{}
	}
	return updates, nil
}

func (s *Store) GetLatestUpdateID(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT GREATEST(
			COALESCE((SELECT MAX(id) FROM %s WHERE doc_name = $1), 0),
			COALESCE((SELECT floor_id FROM %s WHERE doc_name = $1), 0)
		)
	`, s.tables.Updates, s.tables.Compactions), name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("latest update id %s: %w", name, err)
	}
	return id, nil
}

func (s *Store) CompactionBase(ctx context.Context, name string) (store.Base, error) {
	return s.compactionBase(ctx, s.pool, name)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) compactionBase(ctx context.Context, q rowQuerier, name string) (store.Base, error) {
	var b store.Base
	err := q.QueryRow(ctx, fmt.Sprintf(`
		SELECT floor_id, base FROM %s WHERE doc_name = $1
	`, s.tables.Compactions), name).Scan(&b.Floor, &b.State)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Base{}, nil
	}
	if err != nil {
		return store.Base{}, fmt.Errorf("compaction base %s: %w", name, err)
	}
	return b, nil
}

// Compact folds all but the newest keep updates into the compaction base.
// Concurrent compactions of one document are serialized with an advisory lock.
func (s *Store) Compact(ctx context.Context, name string, keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("compact %s: keep must be >= 0, got %d", name, keep)
	}
	folded := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, s.tables.Compactions+":"+name); err != nil {
			return err
		}
		updates, err := s.queryUpdates(ctx, tx, name, 0)
		if err != nil {
			return err
		}
		base, err := s.compactionBase(ctx, tx, name)
		if err != nil {
			return err
		}
		var snapshot []byte
		err = tx.QueryRow(ctx, fmt.Sprintf(`SELECT state FROM %s WHERE name = $1`, s.tables.Documents), name).Scan(&snapshot)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		plan, err := store.PlanCompaction(base, snapshot, updates, keep)
		if err != nil {
			return err
		}
		if plan.Folded == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, s.upsertDocSQL(), name, plan.Snapshot, plan.Summary, s.now().UnixMilli()); err != nil {
			return errs.StorageWrite(name, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (doc_name, floor_id, base) VALUES ($1, $2, $3)
			ON CONFLICT (doc_name) DO UPDATE SET floor_id = EXCLUDED.floor_id, base = EXCLUDED.base
		`, s.tables.Compactions), name, plan.Floor, plan.Base); err != nil {
			return errs.StorageWrite(name, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			DELETE FROM %s WHERE doc_name = $1 AND id <= $2
		`, s.tables.Updates), name, plan.Floor); err != nil {
			return errs.StorageWrite(name, err)
		}
		folded = plan.Folded
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("compact %s: %w", name, err)
	}
	return folded, nil
}

func (s *Store) UpdateFileIndex(ctx context.Context, rows []store.FileIndexRow) error {
	if len(rows) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (path, title, part_of, deleted, modified_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (path) DO UPDATE SET
			title = EXCLUDED.title,
			part_of = EXCLUDED.part_of,
			deleted = EXCLUDED.deleted,
			modified_at = EXCLUDED.modified_at
	`, s.tables.FileIndex)
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(query, r.Path, r.Title, nullable(r.ParentPath), r.Deleted, r.ModifiedAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return errs.StorageWrite("file_index", err)
	}
	return nil
}

func (s *Store) QueryActiveFiles(ctx context.Context) ([]store.FileIndexRow, error) {
	return s.queryFileIndex(ctx, `WHERE deleted = FALSE`)
}

func (s *Store) QueryAllFiles(ctx context.Context) ([]store.FileIndexRow, error) {
	return s.queryFileIndex(ctx, ``)
}

func (s *Store) queryFileIndex(ctx context.Context, where string) ([]store.FileIndexRow, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT path, title, part_of, deleted, modified_at FROM %s %s ORDER BY path ASC
	`, s.tables.FileIndex, where))
	if err != nil {
		return nil, fmt.Errorf("query file index: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.FileIndexRow, error) {
		var (
			r      store.FileIndexRow
			partOf *string
		)
		if err := row.Scan(&r.Path, &r.Title, &partOf, &r.Deleted, &r.ModifiedAt); err != nil {
			return store.FileIndexRow{}, err
		}
		if partOf != nil {
			r.ParentPath = *partOf
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan file index: %w", err)
	}
	if out == nil {
		out = []store.FileIndexRow{}
	}
	return out, nil
}

func (s *Store) RemoveFromFileIndex(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE path = ANY($1)`, s.tables.FileIndex), paths)
	if err != nil {
		return errs.StorageWrite("file_index", err)
	}
	return nil
}

func (s *Store) PurgeDeletedFiles(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE deleted = TRUE AND modified_at < $1
	`, s.tables.FileIndex), olderThan.UnixMilli())
	if err != nil {
		return 0, errs.StorageWrite("file_index", err)
	}
	return tag.RowsAffected(), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

var _ store.Backend = (*Store)(nil)
