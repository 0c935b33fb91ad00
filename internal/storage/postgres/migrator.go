package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/migrations/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "sql/migrations"

const migrationsTableDDL = `
CREATE TABLE IF NOT EXISTS orderdesk_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    checksum TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// 0001_init.up.sql → version=1, name=init, direction=up
var migrationFileName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// advisory lock один на все инстансы, которые мигрируют одну базу.
var migrationLockKey = func() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("orderdesk.migrations"))
	return int64(h.Sum64() >> 1)
}()

// MigrationState: что применено и что ещё нет.
type MigrationState struct {
	Version int64
	Applied int
	Pending []string
	// Drifted: применённые миграции, чей файл изменился после применения.
	Drifted []string
}

type migration struct {
	version int64
	name    string
	up      string
	down    string
}

func (m migration) id() string {
	return fmt.Sprintf("%04d_%s", m.version, m.name)
}

func (m migration) checksum() string {
	sum := sha256.Sum256([]byte(m.up))
	return hex.EncodeToString(sum[:])
}

// parseMigrations читает пары up/down из fsys и сортирует их по версии.
func parseMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*migration)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		parts := migrationFileName.FindStringSubmatch(entry.Name())
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", entry.Name())
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version %s: %w", entry.Name(), err)
		}

		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", entry.Name())
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{version: version, name: parts[2]}
			byVersion[version] = m
		}
		if m.name != parts[2] {
			return nil, fmt.Errorf("migration %d has two names: %s and %s", version, m.name, parts[2])
		}

		target := &m.up
		if parts[3] == "down" {
			target = &m.down
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", parts[3], version)
		}
		*target = body
	}

	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	result := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.up == "" || m.down == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", m.id())
		}
		result = append(result, *m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].version < result[j].version })
	return result, nil
}

// MigrateUp применяет до steps миграций (0 — все). Если уже применённый файл изменился,
// ничего не применяется.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withMigrationLock(ctx, func(ctx context.Context, conn *sql.Conn, plan []migration) error {
		applied, err := appliedChecksums(ctx, conn)
		if err != nil {
			return err
		}
		if drifted := driftedMigrations(plan, applied); len(drifted) > 0 {
			return fmt.Errorf("migrations changed after being applied: %s", strings.Join(drifted, ", "))
		}

		done := 0
		for _, m := range plan {
			if _, ok := applied[m.version]; ok {
				continue
			}
			if steps > 0 && done >= steps {
				break
			}
			if err := runMigration(ctx, conn, m, true); err != nil {
				return err
			}
			done++
		}
		return nil
	})
}

// MigrateDown откатывает steps последних миграций; steps<=0 означает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.withMigrationLock(ctx, func(ctx context.Context, conn *sql.Conn, plan []migration) error {
		applied, err := appliedChecksums(ctx, conn)
		if err != nil {
			return err
		}
		known := make(map[int64]migration, len(plan))
		for _, m := range plan {
			known[m.version] = m
		}

		versions := make([]int64, 0, len(applied))
		for version := range applied {
			versions = append(versions, version)
		}
		sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
		if len(versions) > steps {
			versions = versions[:steps]
		}

		for _, version := range versions {
			m, ok := known[version]
			if !ok {
				return fmt.Errorf("cannot rollback unknown migration version %d", version)
			}
			if err := runMigration(ctx, conn, m, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// Status сравнивает встроенные миграции с тем, что записано в базе.
func (s *Store) Status(ctx context.Context) (MigrationState, error) {
	if s == nil || s.db == nil {
		return MigrationState{}, errNilStore
	}
	plan, err := parseMigrations(embeddedMigrations)
	if err != nil {
		return MigrationState{}, err
	}
	if _, err := s.db.ExecContext(ctx, migrationsTableDDL); err != nil {
		return MigrationState{}, fmt.Errorf("ensure migrations table: %w", err)
	}
	applied, err := appliedChecksums(ctx, s.db)
	if err != nil {
		return MigrationState{}, err
	}

	state := MigrationState{Applied: len(applied), Drifted: driftedMigrations(plan, applied)}
	for version := range applied {
		if version > state.Version {
			state.Version = version
		}
	}
	for _, m := range plan {
		if _, ok := applied[m.version]; !ok {
			state.Pending = append(state.Pending, m.id())
		}
	}
	return state, nil
}

// withMigrationLock держит advisory lock на выделенном соединении, пока работает fn.
func (s *Store) withMigrationLock(ctx context.Context, fn func(context.Context, *sql.Conn, []migration) error) error {
	if s == nil || s.db == nil {
		return errNilStore
	}
	plan, err := parseMigrations(embeddedMigrations)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockKey)
	}()

	if _, err := conn.ExecContext(ctx, migrationsTableDDL); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}
	return fn(ctx, conn, plan)
}

func appliedChecksums(ctx context.Context, q queryer) (map[int64]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, checksum FROM orderdesk_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]string)
	for rows.Next() {
		var (
			version  int64
			checksum string
		)
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = checksum
	}
	return applied, rows.Err()
}

func driftedMigrations(plan []migration, applied map[int64]string) []string {
	var drifted []string
	for _, m := range plan {
		if checksum, ok := applied[m.version]; ok && checksum != m.checksum() {
			drifted = append(drifted, m.id())
		}
	}
	return drifted
}

// runMigration выполняет up или down вместе с учётной записью в одной транзакции.
func runMigration(ctx context.Context, conn *sql.Conn, m migration, up bool) (err error) {
	direction, body := "up", m.up
	if !up {
		direction, body = "down", m.down
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s migration %s: %w", direction, m.id(), err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("execute %s migration %s: %w", direction, m.id(), err)
	}
	if up {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO orderdesk_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
			m.version, m.name, m.checksum())
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM orderdesk_migrations WHERE version = $1`, m.version)
	}
	if err != nil {
		return fmt.Errorf("record %s migration %s: %w", direction, m.id(), err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s migration %s: %w", direction, m.id(), err)
	}
	return nil
}
