package service

import (
	"context"
	"fmt"
	"strings"

	"batchsync/internal/adapter"
	"batchsync/internal/identity"
	"batchsync/internal/strategy"
)

// writeTarget writes tagged rows to table with any adapter. Replace clears
// the table first; merge skips rows whose hash the table already holds. It
// returns the number of rows in committed batches.
func writeTarget(ctx context.Context, a adapter.Adapter, table string, rows *identity.Tagged, mode strategy.WriteMode, batchSize int) (int, error) {
	layout, err := ensureTable(ctx, a, table, rows.Columns, rows.Rows[0])
	if err != nil {
		return 0, err
	}

	data := rows.Rows
	switch mode {
	case strategy.Replace:
		if _, err := a.ClearTable(ctx, table); err != nil {
			return 0, err
		}
	case strategy.Merge:
		existing, err := a.ExistingHashes(ctx, table)
		if err != nil {
			return 0, err
		}
		data = rows.ExcludeExisting(existing).Rows
	default:
		return 0, fmt.Errorf("unknown write mode %v", mode)
	}

	if len(data) == 0 {
		return 0, nil
	}
	return a.BulkInsert(ctx, table, layout, rows.Columns, data, batchSize)
}

// ensureTable creates table from the row shape when it does not exist yet.
// Concurrent jobs creating the same new table race on the DDL.
func ensureTable(ctx context.Context, a adapter.Adapter, table string, columns []string, sample []any) (adapter.Layout, error) {
	exists, err := a.TableExists(ctx, table)
	if err != nil {
		return adapter.Layout{}, err
	}
	if !exists {
		return a.CreateTableForShape(ctx, table, columns, sample)
	}
	return a.TableLayout(ctx, table, columns)
}

// emptyTarget leaves table existing and empty. Columns of a table created
// here fall back to text.
func emptyTarget(ctx context.Context, a adapter.Adapter, table string, columns []string) error {
	if _, err := ensureTable(ctx, a, table, columns, make([]any, len(columns))); err != nil {
		return err
	}
	_, err := a.ClearTable(ctx, table)
	return err
}

// readTarget returns the stored rows of table, hash first. A missing table
// reads as empty.
func readTarget(ctx context.Context, a adapter.Adapter, table string) ([][]any, error) {
	if !strategy.ValidIdentifier(table) {
		return nil, fmt.Errorf("%w: %q", adapter.ErrInvalidTable, table)
	}
	exists, err := a.TableExists(ctx, table)
	if err != nil || !exists {
		return nil, err
	}
	res, err := a.Query(ctx, "SELECT * FROM "+table)
	if err != nil {
		return nil, err
	}
	if len(res.Columns) == 0 || !strings.EqualFold(res.Columns[0], identity.HashColumn) {
		return nil, fmt.Errorf("table %s does not start with the %s column", table, identity.HashColumn)
	}
	for _, row := range res.Rows {
		// CHAR 列会补空格
		if h, ok := row[0].(string); ok {
			row[0] = strings.TrimSpace(h)
		}
	}
	return res.Rows, nil
}
