// Package sqlite implements the repository index on top of an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bnema/zerowrap"
	"github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite"

	"github.com/bnema/dockyard/internal/boundaries/out"
	"github.com/bnema/dockyard/internal/domain"
)

var _ out.RepositoryIndex = (*Index)(nil)

// DBFilename is the index database file name inside the registry directory.
const DBFilename = "index.db"

const schema = `
CREATE TABLE IF NOT EXISTS repository_digests (
	repository TEXT PRIMARY KEY,
	digest     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

// Index maps repositories to the digest of their latest committed content.
type Index struct {
	db    *sql.DB
	log   zerowrap.Logger
	nowFn func() time.Time
}

// Open opens or creates the index database at path.
func Open(ctx context.Context, path string, log zerowrap.Logger) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	// A single writer connection keeps upserts serialized.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping index database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index schema: %w", err)
	}

	log.Info().
		Str(zerowrap.FieldLayer, "adapter").
		Str(zerowrap.FieldAdapter, "sqlite").
		Str(zerowrap.FieldPath, path).
		Msg("repository index opened")

	return &Index{
		db:  db,
		log: log,
		nowFn: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

// Record points name at dg, replacing any previous mapping.
func (i *Index) Record(ctx context.Context, name string, dg digest.Digest, kind string) error {
	_, err := i.db.ExecContext(ctx, `
		INSERT INTO repository_digests (repository, digest, kind, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (repository) DO UPDATE SET
			digest = excluded.digest,
			kind = excluded.kind,
			updated_at = excluded.updated_at`,
		name, dg.String(), kind, i.nowFn().UnixNano())
	if err != nil {
		return domain.IOError("record repository digest", err)
	}

	i.log.Debug().
		Str(zerowrap.FieldLayer, "adapter").
		Str(zerowrap.FieldAdapter, "sqlite").
		Str("name", name).
		Str("digest", dg.String()).
		Str("kind", kind).
		Msg("repository digest recorded")

	return nil
}

// Resolve returns the latest digest recorded for name.
func (i *Index) Resolve(ctx context.Context, name string) (digest.Digest, error) {
	var dg string
	err := i.db.QueryRowContext(ctx,
		`SELECT digest FROM repository_digests WHERE repository = ?`, name).Scan(&dg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", domain.ErrRepositoryNotFound, name)
		}
		return "", domain.IOError("resolve repository digest", err)
	}
	return digest.Digest(dg), nil
}

// Close closes the database.
func (i *Index) Close() error {
	return i.db.Close()
}
