package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	migrate "github.com/rubenv/sql-migrate"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/iamwavecut/modbot/resources"
)

const (
	maxOpenConns = 8
	// keeps IN (...) lists well under the sqlite bound variable limit
	inChunkSize = 500
)

type sqliteClient struct {
	db    *sqlx.DB
	mutex sync.RWMutex
}

// NewSQLiteClient opens (creating if needed) dir/file, enables foreign keys
// for every pooled connection and applies the embedded migrations.
func NewSQLiteClient(ctx context.Context, dir string, file string) (*sqliteClient, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		filepath.Join(dir, file),
	)
	dbx, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	dbx.SetMaxOpenConns(maxOpenConns)

	migrationsSource := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: resources.FS,
		Root:       "migrations",
	}
	if _, _, err := migrate.PlanMigration(dbx.DB, "sqlite3", migrationsSource, migrate.Up, 0); err != nil {
		_ = dbx.Close()
		return nil, errors.Wrap(err, "plan migrations")
	}
	n, err := migrate.Exec(dbx.DB, "sqlite3", migrationsSource, migrate.Up)
	if err != nil {
		_ = dbx.Close()
		return nil, errors.Wrap(err, "apply migrations")
	}
	if n > 0 {
		log.WithField("count", n).Info("applied migrations")
	}

	return &sqliteClient{db: dbx}, nil
}

func (c *sqliteClient) Close() error {
	return c.db.Close()
}

func chunked(ids []int64, size int) [][]int64 {
	if len(ids) == 0 {
		return nil
	}
	chunks := make([][]int64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

func insertMemberRows(ctx context.Context, tx *sqlx.Tx, table string, ticketID int64, memberIDs []int64) error {
	stmt, err := tx.PreparexContext(ctx, fmt.Sprintf("INSERT OR IGNORE INTO %s (ticket_id, member_id) VALUES (?, ?)", table))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, memberID := range memberIDs {
		if _, err := stmt.ExecContext(ctx, ticketID, memberID); err != nil {
			return err
		}
	}
	return nil
}
