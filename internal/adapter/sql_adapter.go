package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"batchsync/internal/identity"
	"batchsync/internal/model"
	"batchsync/internal/strategy"
)

// SQLAdapter implements Adapter on database/sql for any Dialect.
type SQLAdapter struct {
	db      *sql.DB
	dialect Dialect
	log     *logrus.Entry
}

var _ Adapter = (*SQLAdapter)(nil)

// New wraps an open database handle.
func New(db *sql.DB, d Dialect) *SQLAdapter {
	return &SQLAdapter{
		db:      db,
		dialect: d,
		log:     logrus.WithField("family", d.Family),
	}
}

func (a *SQLAdapter) Family() model.Family { return a.dialect.Family }

func (a *SQLAdapter) Bind() strategy.Bind { return a.dialect.Bind }

func (a *SQLAdapter) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func (a *SQLAdapter) Close() error {
	return a.db.Close()
}

// Query runs query and returns its normalized rows with column metadata.
func (a *SQLAdapter) Query(ctx context.Context, query string, args ...any) (*Result, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	types := make([]string, len(columns))
	if cts, err := rows.ColumnTypes(); err == nil {
		for i, ct := range cts {
			types[i] = ct.DatabaseTypeName()
		}
	}

	res := &Result{Columns: columns, Types: types}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row %d: %w", len(res.Rows), err)
		}
		res.Rows = append(res.Rows, identity.NormalizeRow(values, types))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (a *SQLAdapter) TableExists(ctx context.Context, table string) (bool, error) {
	if err := checkTable(table); err != nil {
		return false, err
	}
	query, args := a.dialect.TableExistsQuery, []any{}
	schema, name := splitTable(table)
	if schema != "" {
		query = a.dialect.SchemaTableExistsQuery
		args = append(args, a.dialect.FoldName(schema))
	}
	args = append(args, a.dialect.FoldName(name))

	var n int64
	if err := a.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return n > 0, nil
}

// TableLayout reports a blob layout when the existing table has exactly the
// hash and blob columns and the incoming shape is something else.
func (a *SQLAdapter) TableLayout(ctx context.Context, table string, columns []string) (Layout, error) {
	if err := checkTable(table); err != nil {
		return Layout{}, err
	}
	rows, err := a.db.QueryContext(ctx, "SELECT * FROM "+table+" WHERE 1 = 0")
	if err != nil {
		return Layout{}, fmt.Errorf("inspect table %s: %w", table, err)
	}
	defer rows.Close()
	existing, err := rows.Columns()
	if err != nil {
		return Layout{}, fmt.Errorf("inspect table %s: %w", table, err)
	}

	blob := len(existing) == 2 &&
		strings.EqualFold(existing[0], identity.HashColumn) &&
		strings.EqualFold(existing[1], BlobColumn)
	incoming := len(columns) == 2 && strings.EqualFold(columns[1], BlobColumn)
	return Layout{Blob: blob && !incoming}, nil
}

func (a *SQLAdapter) CreateTableForShape(ctx context.Context, table string, columns []string, sample []any) (Layout, error) {
	if err := checkTable(table); err != nil {
		return Layout{}, err
	}
	layout := a.dialect.ChooseLayout(columns, sample)
	ddl := a.dialect.CreateTableSQL(table, columns, sample, layout)
	if _, err := a.db.ExecContext(ctx, ddl); err != nil {
		return Layout{}, fmt.Errorf("create table %s: %w", table, err)
	}
	a.log.WithFields(logrus.Fields{"table": table, "blob": layout.Blob}).Info("created target table")
	return layout, nil
}

// BulkInsert groups rows into batches and commits each batch in its own
// transaction, so a failure keeps every batch committed before it.
func (a *SQLAdapter) BulkInsert(ctx context.Context, table string, layout Layout, columns []string, rows [][]any, batchSize int) (int, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	if batchSize <= 0 {
		batchSize = len(rows)
	}
	stmt := a.dialect.InsertSQL(table, columns, layout)

	committed := 0
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := a.insertBatch(ctx, stmt, columns, rows[start:end], layout); err != nil {
			return committed, fmt.Errorf("insert rows %d-%d into %s: %w", start+1, end, table, err)
		}
		committed = end
		a.log.WithFields(logrus.Fields{"table": table, "rows": committed, "total": len(rows)}).Debug("batch committed")
	}
	return committed, nil
}

func (a *SQLAdapter) insertBatch(ctx context.Context, stmt string, columns []string, batch [][]any, layout Layout) (err error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ps, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return err
	}
	defer ps.Close()

	for _, row := range batch {
		args, err := a.dialect.InsertArgs(columns, row, layout)
		if err != nil {
			return err
		}
		if _, err := ps.ExecContext(ctx, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ClearTable deletes every row of table. A missing table is not an error.
func (a *SQLAdapter) ClearTable(ctx context.Context, table string) (int64, error) {
	exists, err := a.TableExists(ctx, table)
	if err != nil || !exists {
		return 0, err
	}
	res, err := a.db.ExecContext(ctx, "DELETE FROM "+table)
	if err != nil {
		return 0, fmt.Errorf("clear table %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ExistingHashes returns the hash column of table, or an empty set when the
// table does not exist yet.
func (a *SQLAdapter) ExistingHashes(ctx context.Context, table string) (identity.Set, error) {
	exists, err := a.TableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	set := identity.NewSet()
	if !exists {
		return set, nil
	}

	rows, err := a.db.QueryContext(ctx, "SELECT "+identity.HashColumn+" FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("read hashes of %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var h sql.NullString
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("read hashes of %s: %w", table, err)
		}
		if h.Valid {
			set[strings.TrimSpace(h.String)] = struct{}{}
		}
	}
	return set, rows.Err()
}
