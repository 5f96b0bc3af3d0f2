package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/alexbrainman/odbc"
	_ "github.com/jackc/pgx/v5/stdlib"

	"batchsync/internal/model"
)

// Factory opens adapters with shared pool settings.
type Factory struct {
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// NewFactory returns a Factory with the pool settings used for batch work.
func NewFactory() *Factory {
	return &Factory{MaxOpenConns: 4, ConnMaxLifetime: time.Hour}
}

// Open connects to conn's server and verifies the connection.
func (f *Factory) Open(ctx context.Context, conn model.Connection) (Adapter, error) {
	d, err := DialectFor(conn.Family)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.DriverName, d.DSN(conn))
	if err != nil {
		return nil, fmt.Errorf("open %s (%s): %w", conn.Name, d.Family, err)
	}
	db.SetMaxOpenConns(f.MaxOpenConns)
	db.SetMaxIdleConns(f.MaxOpenConns)
	db.SetConnMaxLifetime(f.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s (%s): %w", conn.Name, d.Family, err)
	}
	return New(db, d), nil
}
