package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ignatij/replog/pkg/models"
	"github.com/ignatij/replog/pkg/storage"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverSQLite   = "sqlite"
)

const (
	entryColumns     = "id, object_type, object_id, mutation_kind, payload, created_at"
	watermarkColumns = "id, task_name, task, object_type, range_min, range_max, fetch_from, state, attempt, rows_processed, error_msg, execution_id, started_at, ended_at"
)

type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Rebind(query string) string
	DriverName() string
}

// SQLStore keeps the change log and the watermark history in a relational
// database reachable through database/sql.
type SQLStore struct {
	db DBInterface
}

var _ storage.Store = (*SQLStore)(nil)

func NewSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("database DSN is required")
	}
	switch driver {
	case DriverPostgres, DriverPgx:
	case DriverSQLite:
		if err := ensureSQLitePath(dsn); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one writer at a time; also keeps :memory: databases on a single connection
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return &SQLStore{db: db}, nil
}

// NewSQLStoreFromDB wraps an already opened handle.
func NewSQLStoreFromDB(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Begin(ctx context.Context) (*SQLStore, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, err
		}
		return &SQLStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *SQLStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *SQLStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *SQLStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *SQLStore) error) (err error) {
	if _, ok := s.db.(*sqlx.Tx); ok {
		return fn(s)
	}
	tx, err := s.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("commit transaction: %w", commitErr)
		}
	}()
	return fn(tx)
}

func (s *SQLStore) ListEntries(ctx context.Context, objectType string, idFrom, idTo int64, limit int) ([]models.ChangeLogEntry, error) {
	query := "SELECT " + entryColumns + " FROM change_log WHERE object_type = ? AND id >= ?"
	args := []interface{}{objectType, idFrom}
	if idTo > 0 {
		query += " AND id <= ?"
		args = append(args, idTo)
	}
	query += " ORDER BY id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	entries := []models.ChangeLogEntry{}
	if err := s.db.SelectContext(ctx, &entries, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list %s entries from %d: %w", objectType, idFrom, err)
	}
	return entries, nil
}

func (s *SQLStore) NextEntryID(ctx context.Context, objectType string, idFrom int64) (int64, bool, error) {
	var next sql.NullInt64
	err := s.db.GetContext(ctx, &next,
		s.db.Rebind("SELECT MIN(id) FROM change_log WHERE object_type = ? AND id >= ?"),
		objectType, idFrom)
	if err != nil {
		return 0, false, fmt.Errorf("next %s entry from %d: %w", objectType, idFrom, err)
	}
	return next.Int64, next.Valid, nil
}

func (s *SQLStore) AppendEntry(ctx context.Context, entry models.ChangeLogEntry) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	payload := s.payloadArg(entry.Payload)

	var id int64
	var err error
	if entry.ID > 0 {
		err = s.db.QueryRowxContext(ctx,
			s.db.Rebind("INSERT INTO change_log ("+entryColumns+") VALUES (?, ?, ?, ?, ?, ?) RETURNING id"),
			entry.ID, entry.ObjectType, entry.ObjectID, string(entry.MutationKind), payload, entry.CreatedAt).Scan(&id)
	} else {
		err = s.db.QueryRowxContext(ctx,
			s.db.Rebind("INSERT INTO change_log (object_type, object_id, mutation_kind, payload, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id"),
			entry.ObjectType, entry.ObjectID, string(entry.MutationKind), payload, entry.CreatedAt).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("append change log entry: %w", err)
	}
	return id, nil
}

// payloadArg adapts the payload to the column type: JSONB on Postgres, BLOB on SQLite.
func (s *SQLStore) payloadArg(payload []byte) interface{} {
	if len(payload) == 0 {
		payload = []byte("null")
	}
	if s.db.DriverName() == DriverSQLite {
		return payload
	}
	return string(payload)
}

func (s *SQLStore) Latest(ctx context.Context, key string) (models.Watermark, error) {
	var w models.Watermark
	err := s.db.GetContext(ctx, &w,
		s.db.Rebind("SELECT "+watermarkColumns+" FROM watermarks WHERE task_name = ? ORDER BY id DESC LIMIT 1"), key)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Watermark{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Watermark{}, fmt.Errorf("latest watermark %s: %w", key, err)
	}
	return w, nil
}

// Insert appends a watermark row. The latest-id check and the insert share a
// transaction holding the key's lock, so a writer that finished a whole batch
// in between cannot slip past the check; the partial unique index on
// IN_PROGRESS rows backs this up.
func (s *SQLStore) Insert(ctx context.Context, w models.Watermark, expectedPrevID int64) (models.Watermark, error) {
	if w.StartedAt.IsZero() {
		w.StartedAt = time.Now().UTC()
	}
	err := s.withTx(ctx, func(tx *SQLStore) error {
		if err := tx.lockKey(ctx, w.Key); err != nil {
			return err
		}
		var prevID int64
		if err := tx.db.GetContext(ctx, &prevID,
			tx.db.Rebind("SELECT COALESCE(MAX(id), 0) FROM watermarks WHERE task_name = ?"), w.Key); err != nil {
			return fmt.Errorf("read latest watermark id %s: %w", w.Key, err)
		}
		if prevID != expectedPrevID {
			return storage.ErrStaleWatermark
		}
		err := tx.db.QueryRowxContext(ctx, tx.db.Rebind(`
			INSERT INTO watermarks (task_name, task, object_type, range_min, range_max, fetch_from, state, attempt,
				rows_processed, error_msg, execution_id, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`),
			w.Key, w.Task, w.ObjectType, w.RangeMin, w.RangeMax, w.FetchFrom, string(w.State), w.Attempt,
			w.RowsProcessed, w.ErrorMsg, w.ExecutionID, w.StartedAt, w.EndedAt).Scan(&w.ID)
		if isUniqueViolation(err) {
			return storage.ErrInProgress
		}
		if err != nil {
			return fmt.Errorf("insert watermark %s: %w", w.Key, err)
		}
		return nil
	})
	if err != nil {
		return models.Watermark{}, err
	}
	return w, nil
}

// lockKey serializes Insert per key until the transaction ends. SQLite needs
// no lock: the store uses a single connection, so transactions never overlap.
func (s *SQLStore) lockKey(ctx context.Context, key string) error {
	switch s.db.DriverName() {
	case DriverPostgres, DriverPgx:
		if _, err := s.db.ExecContext(ctx, s.db.Rebind("SELECT pg_advisory_xact_lock(hashtext(?))"), key); err != nil {
			return fmt.Errorf("lock watermark key %s: %w", key, err)
		}
	}
	return nil
}

func (s *SQLStore) Complete(ctx context.Context, id int64, rowsProcessed int, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE watermarks
		SET state = ?, rows_processed = ?, error_msg = '', ended_at = ?
		WHERE id = ? AND state = ?`),
		string(models.CompletedWatermarkState), rowsProcessed, endedAt, id, string(models.InProgressWatermarkState))
	if err != nil {
		return fmt.Errorf("complete watermark %d: %w", id, err)
	}
	return s.checkFinished(ctx, id, res)
}

func (s *SQLStore) Fail(ctx context.Context, id int64, errMsg string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE watermarks
		SET state = ?, error_msg = ?, ended_at = ?
		WHERE id = ? AND state = ?`),
		string(models.FailedWatermarkState), errMsg, endedAt, id, string(models.InProgressWatermarkState))
	if err != nil {
		return fmt.Errorf("fail watermark %d: %w", id, err)
	}
	return s.checkFinished(ctx, id, res)
}

func (s *SQLStore) checkFinished(ctx context.Context, id int64, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for watermark %d: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	var count int
	if err := s.db.GetContext(ctx, &count, s.db.Rebind("SELECT COUNT(*) FROM watermarks WHERE id = ?"), id); err != nil {
		return fmt.Errorf("lookup watermark %d: %w", id, err)
	}
	if count == 0 {
		return storage.ErrNotFound
	}
	return storage.ErrNotInProgress
}

func (s *SQLStore) List(ctx context.Context, filter models.WatermarkFilter) ([]models.Watermark, error) {
	var conds []string
	var args []interface{}
	if filter.Task != "" {
		conds = append(conds, "task = ?")
		args = append(args, filter.Task)
	}
	if filter.ObjectType != "" {
		conds = append(conds, "object_type = ?")
		args = append(args, filter.ObjectType)
	}
	if filter.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(filter.State))
	}
	query := "SELECT " + watermarkColumns + " FROM watermarks"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	watermarks := []models.Watermark{}
	if err := s.db.SelectContext(ctx, &watermarks, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}
	return watermarks, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return true
		}
		return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE")
	}
	return false
}

func ensureSQLitePath(dsn string) error {
	path := strings.TrimSpace(dsn)
	if strings.HasPrefix(path, "file:") {
		path = strings.TrimPrefix(path, "file:")
		path = strings.TrimPrefix(path, "//")
	}
	if idx := strings.IndexAny(path, "?;"); idx >= 0 {
		path = path[:idx]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite dir: %w", err)
	}
	return nil
}
