package diskache

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver, read-only legacy import path only

	"github.com/calvinalkan/diskache/internal/fsx"
)

const legacyDBName = "cache.db"

// maybeMigrateLegacy implements spec.md §4.10: if a foreign cache.db exists
// and no diskache index is present yet, its rows are replayed through the
// normal Set path, then the legacy file is renamed to "cache.db.migrated"
// and backed up into "legacy_backup/". A failed migration leaves the
// legacy file untouched and aborts Open.
//
// This is the one place in the engine a SQLite file is legitimate: it is
// read exactly once, read-only, as a foreign format being imported away
// from - never as diskache's own live store.
func maybeMigrateLegacy(fs fsx.FS, opts Options) error {
	legacyPath := filepath.Join(opts.Dir, legacyDBName)

	if exists, err := fs.Exists(legacyPath); err != nil || !exists {
		return nil //nolint:nilerr // absent legacy file is not an error
	}

	alreadyMigrated, err := hasExistingIndex(fs, opts.Dir)
	if err != nil {
		return err
	}

	if alreadyMigrated {
		return nil
	}

	rows, err := readLegacyRows(legacyPath, opts.OperationTimeout)
	if err != nil {
		return fmt.Errorf("read legacy store: %w", err)
	}

	migratingOpts := opts
	migratingOpts.DisableAutoMigration = true

	dst, err := openCore(migratingOpts)
	if err != nil {
		return fmt.Errorf("open destination for migration: %w", err)
	}

	for _, row := range rows {
		setOpts := SetOptions{}
		if row.expireAt > 0 {
			if d := time.Until(time.Unix(row.expireAt, 0)); d > 0 {
				setOpts.TTL = d
			} else {
				continue // already expired, skip importing it
			}
		}

		if row.tag != "" {
			setOpts.Tags = []string{row.tag}
		}

		if err := dst.Set(row.key, row.value, setOpts); err != nil {
			_ = dst.Close()

			return fmt.Errorf("replay key %q: %w", row.key, err)
		}
	}

	if err := dst.Close(); err != nil {
		return fmt.Errorf("close migration destination: %w", err)
	}

	return finalizeLegacyFile(fs, opts.Dir, legacyPath)
}

func hasExistingIndex(fs fsx.FS, dir string) (bool, error) {
	for _, name := range []string{"index.snapshot", "index.log"} {
		exists, err := fs.Exists(filepath.Join(dir, name))
		if err != nil {
			return false, fmt.Errorf("stat %q: %w", name, err)
		}

		if exists {
			return true, nil
		}
	}

	return false, nil
}

type legacyRow struct {
	key      string
	value    []byte
	expireAt int64
	tag      string
}

// readLegacyRows opens path read-only and enumerates every row. The schema
// matches the table shape used by the diskcache-family Python/Rust stores
// this engine supersedes: key, value, expire_time (unix seconds, nullable),
// tag (nullable).
func readLegacyRows(path string, timeout time.Duration) ([]legacyRow, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&immutable=1", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open legacy db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping legacy db: %w", err)
	}

	query := `SELECT key, value, expire_time, tag FROM Cache`

	result, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query legacy rows: %w", err)
	}
	defer result.Close()

	var rows []legacyRow

	for result.Next() {
		var (
			key      string
			value    []byte
			expireAt sql.NullInt64
			tag      sql.NullString
		)

		if err := result.Scan(&key, &value, &expireAt, &tag); err != nil {
			return nil, fmt.Errorf("scan legacy row: %w", err)
		}

		rows = append(rows, legacyRow{
			key:      key,
			value:    value,
			expireAt: expireAt.Int64,
			tag:      tag.String,
		})
	}

	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("iterate legacy rows: %w", err)
	}

	return rows, nil
}

// finalizeLegacyFile renames the legacy file to "cache.db.migrated" and
// copies the original bytes into "legacy_backup/cache.db" so the source
// data is recoverable even after the rename.
func finalizeLegacyFile(fs fsx.FS, dir, legacyPath string) error {
	backupDir := filepath.Join(dir, "legacy_backup")
	if err := fs.MkdirAll(backupDir, 0o750); err != nil {
		return fmt.Errorf("mkdir legacy backup dir: %w", err)
	}

	if err := copyFile(fs, legacyPath, filepath.Join(backupDir, legacyDBName)); err != nil {
		return fmt.Errorf("backup legacy file: %w", err)
	}

	migratedPath := legacyPath + ".migrated"
	if err := fs.Rename(legacyPath, migratedPath); err != nil {
		return fmt.Errorf("rename legacy file: %w", err)
	}

	return nil
}

func copyFile(fs fsx.FS, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fs.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()

		return err
	}

	if err := out.Sync(); err != nil {
		_ = out.Close()

		return err
	}

	return out.Close()
}
