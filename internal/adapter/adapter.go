// Package adapter gives every supported database family the same small
// capability set: query with column metadata, table existence, table
// creation from a row shape, batched insert, clear and hash retrieval.
package adapter

import (
	"context"
	"errors"

	"batchsync/internal/identity"
	"batchsync/internal/model"
	"batchsync/internal/strategy"
)

var (
	ErrUnsupportedFamily = errors.New("unsupported database family")
	ErrInvalidTable      = errors.New("invalid table name")
)

// Result is a source result set. Rows are normalized.
type Result struct {
	Columns []string
	Types   []string
	Rows    [][]any
}

// Layout describes how rows are stored in a target table.
type Layout struct {
	// Blob tables hold the hash plus one JSON text column instead of one
	// column per source column.
	Blob bool
}

// Adapter is the per-family database capability set.
type Adapter interface {
	Family() model.Family
	// Bind returns the placeholder style of the family's driver.
	Bind() strategy.Bind
	Ping(ctx context.Context) error
	Query(ctx context.Context, query string, args ...any) (*Result, error)
	TableExists(ctx context.Context, table string) (bool, error)
	// TableLayout inspects an existing table's columns.
	TableLayout(ctx context.Context, table string, columns []string) (Layout, error)
	// CreateTableForShape creates table from the tagged column list and a
	// sample row and returns the layout it chose.
	CreateTableForShape(ctx context.Context, table string, columns []string, sample []any) (Layout, error)
	// BulkInsert inserts rows in batches of batchSize, committing each batch.
	// It returns the number of rows in committed batches.
	BulkInsert(ctx context.Context, table string, layout Layout, columns []string, rows [][]any, batchSize int) (int, error)
	ClearTable(ctx context.Context, table string) (int64, error)
	ExistingHashes(ctx context.Context, table string) (identity.Set, error)
	Close() error
}

// Opener builds an Adapter for a resolved server connection.
type Opener interface {
	Open(ctx context.Context, conn model.Connection) (Adapter, error)
}
