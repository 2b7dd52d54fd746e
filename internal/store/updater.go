package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/franz/music-collection/internal/util"
)

// SchemaVersion is the DB_VERSION this program reads and writes
const SchemaVersion = 15

const versionKey = "DB_VERSION"

// upgradeStep moves a database from version from to from+1
type upgradeStep struct {
	from int
	name string
	run  func(ctx context.Context, s *Store) error
}

var upgradeSteps = []upgradeStep{
	{12, "rewrite musicbrainz uid prefix", upgradeUIDPrefix},
	{13, "key lyrics by url id", upgradeLyricsByURL},
	{14, "restore nullable columns", upgradeNullableColumns},
}

// Updater creates and upgrades the collection schema
type Updater struct {
	store *Store
}

// NewUpdater creates an updater bound to a store
func NewUpdater(s *Store) *Updater {
	return &Updater{store: s}
}

// ExpectedVersion returns the schema version the registry requires
func (u *Updater) ExpectedVersion() int {
	return SchemaVersion
}

// StoredVersion returns the DB_VERSION recorded in the admin table, 0 if none
func (u *Updater) StoredVersion(ctx context.Context) (int, error) {
	return u.adminValue(ctx, versionKey)
}

// NeedsUpdate reports whether the stored schema differs from the expected one
func (u *Updater) NeedsUpdate(ctx context.Context) (bool, error) {
	v, err := u.StoredVersion(ctx)
	if err != nil {
		return false, err
	}
	return v != SchemaVersion, nil
}

// SchemaExists reports whether any collection schema has been created
func (u *Updater) SchemaExists(ctx context.Context) (bool, error) {
	v, err := u.StoredVersion(ctx)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// Update brings the schema to SchemaVersion. It returns true when anything was
// changed and util.ErrSchemaTooNew when the database is newer than supported.
func (u *Updater) Update(ctx context.Context) (bool, error) {
	version, err := u.StoredVersion(ctx)
	if err != nil {
		return false, err
	}

	switch {
	case version == 0:
		util.InfoLog("Creating collection schema (version %d)", SchemaVersion)
		if err := u.CreateTables(ctx); err != nil {
			return false, err
		}
		stmt := fmt.Sprintf("INSERT INTO admin(component, version) VALUES ('%s', %d)", versionKey, SchemaVersion)
		if _, err := u.store.Exec(ctx, stmt); err != nil {
			return false, fmt.Errorf("failed to record schema version: %w", err)
		}
		return true, nil

	case version < SchemaVersion:
		util.InfoLog("Database out of date: version %d, current version %d", version, SchemaVersion)
		for _, step := range upgradeSteps {
			if step.from < version {
				continue
			}
			util.DebugLog("Upgrading schema %d -> %d: %s", step.from, step.from+1, step.name)
			if err := step.run(ctx, u.store); err != nil {
				return false, fmt.Errorf("failed to upgrade schema from version %d: %w", step.from, err)
			}
		}
		stmt := fmt.Sprintf("UPDATE admin SET version = %d WHERE component = '%s'", SchemaVersion, versionKey)
		if _, err := u.store.Exec(ctx, stmt); err != nil {
			return false, fmt.Errorf("failed to record schema version: %w", err)
		}
		return true, nil

	case version > SchemaVersion:
		return false, fmt.Errorf("%w: database version %d, supported version %d",
			util.ErrSchemaTooNew, version, SchemaVersion)
	}

	return false, nil
}

// CreateTables creates every collection table and index
func (u *Updater) CreateTables(ctx context.Context) error {
	for _, stmt := range schemaStatements(u.store.dialect) {
		if _, err := u.store.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (u *Updater) adminValue(ctx context.Context, key string) (int, error) {
	exists, err := u.store.TableExists(ctx, "admin")
	if err != nil {
		return 0, fmt.Errorf("failed to check admin table: %w", err)
	}
	if !exists {
		return 0, nil
	}

	res, err := u.store.Query(ctx, "SELECT version FROM admin WHERE component = '"+u.store.Escape(key)+"'")
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if len(res) == 0 {
		return 0, nil
	}
	v, _ := strconv.Atoi(res[0])
	return v, nil
}

func upgradeUIDPrefix(ctx context.Context, s *Store) error {
	_, err := s.Exec(ctx, "UPDATE urls SET uniqueid = REPLACE(uniqueid, 'MB_', 'mb-')")
	return err
}

// Older databases stored lyrics keyed by rpath text. Rows whose rpath no longer
// matches a url are dropped and duplicates collapse to one row per url.
func upgradeLyricsByURL(ctx context.Context, s *Store) error {
	stmts := []string{
		"CREATE TABLE lyrics_v14 (url INTEGER PRIMARY KEY, lyrics " + s.dialect.LongTextColumnType() + ")" + s.dialect.TableOptions(),
		"INSERT INTO lyrics_v14 (url, lyrics) SELECT u.id, MAX(l.lyrics) FROM lyrics l " +
			"INNER JOIN urls u ON u.rpath = l.url GROUP BY u.id",
		"DROP TABLE lyrics",
		"ALTER TABLE lyrics_v14 RENAME TO lyrics",
	}
	for _, stmt := range stmts {
		if _, err := s.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Earlier MySQL upgrades forced NOT NULL onto optional text columns.
// SQLite never carried that damage.
func upgradeNullableColumns(ctx context.Context, s *Store) error {
	if _, ok := s.dialect.(mysqlDialect); !ok {
		return nil
	}

	columns := []struct {
		table  string
		column string
		length int // 0 means TEXT
	}{
		{"admin", "component", 255},
		{"devices", "type", 255},
		{"devices", "label", 255},
		{"devices", "lastmountpoint", 255},
		{"devices", "uuid", 255},
		{"devices", "servername", 80},
		{"devices", "sharename", 240},
		{"labels", "label", TextColumnLength},
		{"lyrics", "lyrics", 0},
		{"tracks", "title", TextColumnLength},
		{"tracks", "comment", 0},
		{"urls", "uniqueid", 128},
	}

	for _, c := range columns {
		colType := "TEXT"
		if c.length > 0 {
			colType = fmt.Sprintf("VARCHAR(%d)", c.length)
		}
		stmt := fmt.Sprintf("ALTER TABLE %s MODIFY %s %s NULL DEFAULT NULL", c.table, c.column, colType)
		if _, err := s.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
