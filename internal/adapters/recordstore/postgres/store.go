// Package postgres implements the hosted RecordStore on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"studio/internal/adapters/recordstore"
)

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// NewPool prepares a pool without dialing; the first query or Ping connects.
// PRE: dsn is a postgres:// URL or key/value DSN
// POST: Returns a pool or a DSN parse error
func NewPool(ctx context.Context, dsn string, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	return pool, nil
}

// Store is the hosted record store. Row changes arrive through
// LISTEN on one notification channel per table (see migrations).
type Store struct {
	pool *pgxpool.Pool
}

// Compile-time check that *Store satisfies recordstore.RecordStore.
var _ recordstore.RecordStore = (*Store)(nil)

// New creates a store on pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NotifyChannel returns the LISTEN channel carrying changes of table.
func NotifyChannel(table string) string {
	return "studio_" + table
}

// Select implements recordstore.RecordStore.
func (s *Store) Select(ctx context.Context, table string, filter recordstore.Filter) ([]recordstore.Record, error) {
	if err := recordstore.CheckTable(table); err != nil {
		return nil, err
	}
	where, args, err := whereClause(table, filter, 1)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY id", columnList(table), table, where)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	return collect(rows)
}

// Insert implements recordstore.RecordStore. Rows without an id receive a
// database-generated one.
func (s *Store) Insert(ctx context.Context, table string, records []recordstore.Record) ([]recordstore.Record, error) {
	if err := recordstore.CheckTable(table); err != nil {
		return nil, err
	}
	var out []recordstore.Record
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, rec := range records {
			cols, err := recordstore.CheckColumns(table, rec)
			if err != nil {
				return err
			}
			query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
				table, strings.Join(cols, ", "), placeholders(len(cols), 1), columnList(table))
			rows, err := tx.Query(ctx, query, argsOf(rec, cols)...)
			if err != nil {
				return writeError("insert", table, err)
			}
			got, err := collect(rows)
			if err != nil {
				return writeError("insert", table, err)
			}
			out = append(out, got...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update implements recordstore.RecordStore.
func (s *Store) Update(ctx context.Context, table string, filter recordstore.Filter, patch recordstore.Record) ([]recordstore.Record, error) {
	cols, err := recordstore.CheckColumns(table, patch)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("update %s: empty patch", table)
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", c, i+1)
	}
	where, whereArgs, err := whereClause(table, filter, len(cols)+1)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("UPDATE %s SET %s%s RETURNING %s", table, strings.Join(sets, ", "), where, columnList(table))
	rows, err := s.pool.Query(ctx, query, append(argsOf(patch, cols), whereArgs...)...)
	if err != nil {
		return nil, writeError("update", table, err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, writeError("update", table, err)
	}
	return out, nil
}

// Delete implements recordstore.RecordStore.
func (s *Store) Delete(ctx context.Context, table string, filter recordstore.Filter) error {
	if len(filter) == 0 {
		return fmt.Errorf("delete %s: refusing to delete without a filter", table)
	}
	where, args, err := whereClause(table, filter, 1)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, "DELETE FROM "+table+where, args...); err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return nil
}

// Upsert implements recordstore.RecordStore.
// PRE: conflictKey carries a unique constraint
func (s *Store) Upsert(ctx context.Context, table string, records []recordstore.Record, conflictKey string) ([]recordstore.Record, error) {
	if _, err := recordstore.CheckColumns(table, map[string]any{conflictKey: nil}); err != nil {
		return nil, err
	}
	var out []recordstore.Record
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, rec := range records {
			cols, err := recordstore.CheckColumns(table, rec)
			if err != nil {
				return err
			}
			var updates []string
			for _, c := range cols {
				if c != conflictKey {
					updates = append(updates, c+" = EXCLUDED."+c)
				}
			}
			action := "DO NOTHING"
			if len(updates) > 0 {
				action = "DO UPDATE SET " + strings.Join(updates, ", ")
			}
			query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s RETURNING %s",
				table, strings.Join(cols, ", "), placeholders(len(cols), 1), conflictKey, action, columnList(table))
			rows, err := tx.Query(ctx, query, argsOf(rec, cols)...)
			if err != nil {
				return writeError("upsert", table, err)
			}
			got, err := collect(rows)
			if err != nil {
				return writeError("upsert", table, err)
			}
			out = append(out, got...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ping implements recordstore.RecordStore.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Subscribe dials its own connection in LISTEN mode until ctx is cancelled,
// so listeners never take connections from the query pool.
// PRE: table is a known table
// POST: The LISTEN is active before returning; the channel closes when the
// connection is lost or ctx is done
func (s *Store) Subscribe(ctx context.Context, table string) (<-chan recordstore.ChangeEvent, error) {
	if err := recordstore.CheckTable(table); err != nil {
		return nil, err
	}
	conn, err := pgx.ConnectConfig(ctx, s.pool.Config().ConnConfig.Copy())
	if err != nil {
		return nil, fmt.Errorf("dial listen connection: %w", err)
	}
	channel := NotifyChannel(table)
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	out := make(chan recordstore.ChangeEvent)
	go func() {
		defer close(out)
		defer func() { _ = conn.Close(context.Background()) }()
		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("store_event", "event", "listen_lost", "channel", channel, "error", err)
				}
				return
			}
			var ev recordstore.ChangeEvent
			if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
				slog.Warn("store_event", "event", "change_undecodable", "channel", channel, "error", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func collect(rows pgx.Rows) ([]recordstore.Record, error) {
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	out := make([]recordstore.Record, len(maps))
	for i, m := range maps {
		out[i] = recordstore.Record(m)
	}
	return out, nil
}

func whereClause(table string, filter recordstore.Filter, firstArg int) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}
	cols, err := recordstore.CheckColumns(table, filter)
	if err != nil {
		return "", nil, err
	}
	conds := make([]string, 0, len(cols))
	var args []any
	for _, c := range cols {
		if filter[c] == nil {
			conds = append(conds, c+" IS NULL")
			continue
		}
		args = append(args, filter[c])
		conds = append(conds, fmt.Sprintf("%s = $%d", c, firstArg+len(args)-1))
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func columnList(table string) string {
	return strings.Join(recordstore.Columns[table], ", ")
}

func placeholders(n, first int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", first+i)
	}
	return strings.Join(ph, ", ")
}

// argsOf passes the zero time as NULL.
func argsOf(rec recordstore.Record, cols []string) []any {
	args := make([]any, len(cols))
	for i, c := range cols {
		if t, ok := rec[c].(time.Time); ok && t.IsZero() {
			args[i] = nil
			continue
		}
		args[i] = rec[c]
	}
	return args
}

// writeError marks unique violations (SQLSTATE 23505) as recordstore.ErrConflict.
func writeError(op, table string, err error) error {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" {
		return fmt.Errorf("%s %s: %w: %w", op, table, recordstore.ErrConflict, err)
	}
	return fmt.Errorf("%s %s: %w", op, table, err)
}
