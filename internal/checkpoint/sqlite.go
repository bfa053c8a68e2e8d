package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "embed"

	"github.com/ppiankov/feedbridge/internal/bridge"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// SQLite stores cursors relationally: one row per source and one row per
// processed id, replaced in a single transaction per save.
type SQLite struct {
	db   *sql.DB
	path string
}

// NewSQLite opens (creating if needed) the database at path and applies the
// schema.
func NewSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db, path: path}, nil
}

func (b *SQLite) Load(ctx context.Context) (*bridge.Snapshot, error) {
	snap := &bridge.Snapshot{Sources: map[string]bridge.SourceSnapshot{}}

	var lastCycle string
	err := b.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = 'last_cycle'").Scan(&lastCycle)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("read last cycle: %w", err)
	default:
		t, err := time.Parse(time.RFC3339Nano, lastCycle)
		if err != nil {
			return nil, fmt.Errorf("%w: last_cycle %q", bridge.ErrStateCorrupt, lastCycle)
		}
		snap.LastCycle = t.UTC()
	}

	rows, err := b.db.QueryContext(ctx, "SELECT source_id, high_water, floor FROM sources")
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	for rows.Next() {
		var id string
		var src bridge.SourceSnapshot
		if err := rows.Scan(&id, &src.HighWater, &src.Floor); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan source: %w", err)
		}
		src.Processed = []string{}
		snap.Sources[id] = src
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	rows, err = b.db.QueryContext(ctx, "SELECT source_id, item_id FROM processed ORDER BY source_id, seq")
	if err != nil {
		return nil, fmt.Errorf("query processed: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id, itemID string
		if err := rows.Scan(&id, &itemID); err != nil {
			return nil, fmt.Errorf("scan processed: %w", err)
		}
		src := snap.Sources[id]
		src.Processed = append(src.Processed, itemID)
		snap.Sources[id] = src
	}
	return snap, rows.Err()
}

func (b *SQLite) Save(ctx context.Context, snap *bridge.Snapshot) error {
	if snap == nil {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM processed"); err != nil {
		return fmt.Errorf("clear processed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sources"); err != nil {
		return fmt.Errorf("clear sources: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	insertSource, err := tx.PrepareContext(ctx,
		"INSERT INTO sources(source_id, high_water, floor, updated_at) VALUES(?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare source insert: %w", err)
	}
	defer func() { _ = insertSource.Close() }()
	insertItem, err := tx.PrepareContext(ctx,
		"INSERT OR IGNORE INTO processed(source_id, seq, item_id) VALUES(?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare processed insert: %w", err)
	}
	defer func() { _ = insertItem.Close() }()

	for id, src := range snap.Sources {
		if _, err := insertSource.ExecContext(ctx, id, src.HighWater, src.Floor, now); err != nil {
			return fmt.Errorf("insert source %s: %w", id, err)
		}
		for seq, itemID := range src.Processed {
			if _, err := insertItem.ExecContext(ctx, id, seq, itemID); err != nil {
				return fmt.Errorf("insert processed %s/%s: %w", id, itemID, err)
			}
		}
	}

	if snap.LastCycle.IsZero() {
		_, err = tx.ExecContext(ctx, "DELETE FROM metadata WHERE key = 'last_cycle'")
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO metadata(key, value) VALUES('last_cycle', ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			snap.LastCycle.UTC().Format(time.RFC3339Nano))
	}
	if err != nil {
		return fmt.Errorf("write last cycle: %w", err)
	}
	return tx.Commit()
}

func (b *SQLite) Close() error {
	return b.db.Close()
}

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply schema: %w", err)
	}

	var versionStr string
	err = tx.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&versionStr)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, "INSERT INTO metadata(key, value) VALUES('schema_version', ?)", strconv.Itoa(schemaVersion)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert schema version: %w", err)
		}
		return tx.Commit()
	}
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("read schema version: %w", err)
	}

	version, err := strconv.Atoi(versionStr)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("parse schema version: %w", err)
	}
	if version > schemaVersion {
		_ = tx.Rollback()
		return fmt.Errorf("state database schema version %d is newer than supported %d", version, schemaVersion)
	}

	return tx.Commit()
}
