package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/clusterlens/decider/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db  *sqlx.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c Config) inMemory() bool {
	return c.Path == ":memory:" || strings.Contains(c.Path, "mode=memory")
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// An in-memory database lives and dies with its single connection.
	if cfg.inMemory() {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	} else {
		if cfg.MaxOpenConns == 0 {
			cfg.MaxOpenConns = 25
		}
		if cfg.MaxIdleConns == 0 {
			cfg.MaxIdleConns = 5
		}
		if cfg.ConnMaxLifetime == 0 {
			cfg.ConnMaxLifetime = 5 * time.Minute
		}
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and applies connection PRAGMAs.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if !s.cfg.inMemory() {
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db.DB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	var one int
	if err := s.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// dbInterface is satisfied by both *sqlx.DB and *sqlx.Tx.
type dbInterface interface {
	sqlx.ExtContext
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// isUniqueViolation checks if an error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// wrapWriteError maps UNIQUE violations to DuplicateEntry.
func wrapWriteError(kind, ref string, err error) error {
	if isUniqueViolation(err) {
		return engine.DuplicateEntry(kind, ref, err)
	}
	return fmt.Errorf("failed to write %s: %w", kind, err)
}

// whereIdentity returns the predicate selecting ref. Names are accepted only
// for entities that have a name column.
func whereIdentity(kind string, ref engine.Identifier, named bool) (string, interface{}, error) {
	switch ref.Kind {
	case engine.IdentifierID:
		return "id = ?", ref.ID, nil
	case engine.IdentifierUUID:
		return "uuid = ?", ref.Value, nil
	default:
		if named {
			return "name = ?", ref.Value, nil
		}
		return "", nil, engine.InvalidIdentity(ref.Value).WithOperation("get " + kind)
	}
}

// orderClause validates the sort key against the sortable columns.
func orderClause(opts ListOptions, sortable map[string]bool) (string, error) {
	key := opts.SortKey
	if key == "" {
		key = "id"
	}
	if !sortable[key] {
		return "", engine.NewPermanentError(fmt.Sprintf("invalid sort key: %s", key), nil).
			WithCode(engine.ErrCodeValidation)
	}
	dir := "ASC"
	switch opts.SortDir {
	case "", SortAsc:
	case SortDesc:
		dir = "DESC"
	default:
		return "", engine.NewPermanentError(fmt.Sprintf("invalid sort direction: %s", opts.SortDir), nil).
			WithCode(engine.ErrCodeValidation)
	}
	clause := fmt.Sprintf(" ORDER BY %s %s", key, dir)
	if opts.Limit > 0 {
		clause += fmt.Sprintf(" LIMIT %d OFFSET %d", opts.Limit, opts.Offset)
	}
	return clause, nil
}

// update applies changes to one row. Unknown columns are rejected and
// updated_at is stamped unless the caller sets it.
func update(ctx context.Context, db dbInterface, kind, table string, allowed map[string]bool, id int64, changes Changes) error {
	if len(changes) == 0 {
		return nil
	}

	cols := make([]string, 0, len(changes))
	for col := range changes {
		if !allowed[col] {
			return engine.NewPermanentError(fmt.Sprintf("column %s of %s cannot be updated", col, kind), nil).
				WithCode(engine.ErrCodeValidation)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sets := make([]string, 0, len(cols)+1)
	args := make([]interface{}, 0, len(cols)+2)
	for _, col := range cols {
		v, err := columnValue(changes[col])
		if err != nil {
			return fmt.Errorf("failed to encode %s.%s: %w", kind, col, err)
		}
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if _, ok := changes["updated_at"]; !ok {
		sets = append(sets, "updated_at = ?")
		args = append(args, time.Now().UTC())
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(sets, ", "))
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapWriteError(kind, fmt.Sprint(id), err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NotFound(kind, fmt.Sprint(id))
	}
	return nil
}

// columnValue converts Go values into what the driver stores.
// Structured values are stored as JSON text.
func columnValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case json.RawMessage:
		if len(val) == 0 {
			return nil, nil
		}
		return string(val), nil
	case map[string]interface{}, []string, []interface{}:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return v, nil
	}
}

func destroy(ctx context.Context, db dbInterface, kind, table string, id int64) error {
	result, err := db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NotFound(kind, fmt.Sprint(id))
	}
	return nil
}

// UpsertGoal inserts or refreshes a goal keyed by uuid and sets goal.ID.
func (s *SQLiteStore) UpsertGoal(ctx context.Context, goal *engine.Goal) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO goals (uuid, name, display_name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			name = excluded.name,
			display_name = excluded.display_name,
			updated_at = ?
	`, goal.UUID, goal.Name, goal.DisplayName, now, now)
	if err != nil {
		return wrapWriteError("goal", goal.UUID, err)
	}
	if err := s.db.GetContext(ctx, &goal.ID, "SELECT id FROM goals WHERE uuid = ?", goal.UUID); err != nil {
		return fmt.Errorf("failed to read goal id: %w", err)
	}
	return nil
}

// UpsertStrategy inserts or refreshes a strategy keyed by uuid and sets strategy.ID.
func (s *SQLiteStore) UpsertStrategy(ctx context.Context, strategy *engine.Strategy) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategies (uuid, name, display_name, goal_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			name = excluded.name,
			display_name = excluded.display_name,
			goal_id = excluded.goal_id,
			updated_at = ?
	`, strategy.UUID, strategy.Name, strategy.DisplayName, strategy.GoalID, now, now)
	if err != nil {
		return wrapWriteError("strategy", strategy.UUID, err)
	}
	if err := s.db.GetContext(ctx, &strategy.ID, "SELECT id FROM strategies WHERE uuid = ?", strategy.UUID); err != nil {
		return fmt.Errorf("failed to read strategy id: %w", err)
	}
	return nil
}

// ListGoals returns every goal ordered by id.
func (s *SQLiteStore) ListGoals(ctx context.Context) ([]engine.Goal, error) {
	var rows []goalRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT id, uuid, name, display_name FROM goals ORDER BY id"); err != nil {
		return nil, fmt.Errorf("failed to list goals: %w", err)
	}
	goals := make([]engine.Goal, len(rows))
	for i, r := range rows {
		goals[i] = engine.Goal(r)
	}
	return goals, nil
}

// ListStrategies returns every strategy ordered by id.
func (s *SQLiteStore) ListStrategies(ctx context.Context) ([]engine.Strategy, error) {
	var rows []strategyRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT id, uuid, name, display_name, goal_id FROM strategies ORDER BY id"); err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}
	strategies := make([]engine.Strategy, len(rows))
	for i, r := range rows {
		strategies[i] = engine.Strategy(r)
	}
	return strategies, nil
}

type goalRow struct {
	ID          int64  `db:"id"`
	UUID        string `db:"uuid"`
	Name        string `db:"name"`
	DisplayName string `db:"display_name"`
}

type strategyRow struct {
	ID          int64  `db:"id"`
	UUID        string `db:"uuid"`
	Name        string `db:"name"`
	DisplayName string `db:"display_name"`
	GoalID      int64  `db:"goal_id"`
}
