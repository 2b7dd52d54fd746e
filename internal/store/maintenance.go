package store

import (
	"context"
	"fmt"
	"strings"
)

// GroupingKinds are the entity tables that DeleteAllRedundant understands
var GroupingKinds = []string{"album", "artist", "genre", "composer", "year", "label"}

// DeleteAllRedundant removes grouping rows (albums, artists, ...) that no track
// references any more and returns the number of rows removed
func (u *Updater) DeleteAllRedundant(ctx context.Context, kind string) (int64, error) {
	var stmt string
	switch kind {
	case "artist":
		stmt = "DELETE FROM artists " +
			"WHERE id NOT IN ( SELECT artist FROM tracks WHERE artist IS NOT NULL ) AND " +
			"id NOT IN ( SELECT artist FROM albums WHERE artist IS NOT NULL )"
	case "label":
		stmt = "DELETE FROM labels WHERE id NOT IN ( SELECT label FROM urls_labels WHERE label IS NOT NULL )"
	case "album", "genre", "composer", "year":
		stmt = fmt.Sprintf("DELETE FROM %ss WHERE id NOT IN ( SELECT %s FROM tracks WHERE %s IS NOT NULL )",
			kind, kind, kind)
	default:
		return 0, fmt.Errorf("unknown grouping kind %q", kind)
	}

	n, err := u.store.Exec(ctx, stmt)
	if err != nil {
		return 0, fmt.Errorf("failed to delete redundant %ss: %w", kind, err)
	}
	return n, nil
}

// DeleteOrphanedByURL removes rows of table whose url no longer exists
func (u *Updater) DeleteOrphanedByURL(ctx context.Context, table string) (int64, error) {
	n, err := u.store.Exec(ctx, "DELETE FROM "+table+" WHERE url NOT IN ( SELECT id FROM urls )")
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphaned %s rows: %w", table, err)
	}
	return n, nil
}

// DeleteOrphanedByDirectory removes rows of table whose directory no longer exists
func (u *Updater) DeleteOrphanedByDirectory(ctx context.Context, table string) (int64, error) {
	n, err := u.store.Exec(ctx, "DELETE FROM "+table+" WHERE directory NOT IN ( SELECT id FROM directories )")
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphaned %s rows: %w", table, err)
	}
	return n, nil
}

// RemoveFilesInDir deletes the track rows of every url that lives in the
// given directory of a device
func (u *Updater) RemoveFilesInDir(ctx context.Context, deviceID int, rdir string) (int64, error) {
	sel := fmt.Sprintf("SELECT urls.id FROM urls LEFT JOIN directories ON urls.directory = directories.id "+
		"WHERE directories.deviceid = %d AND directories.dir = '%s'", deviceID, u.store.Escape(rdir))
	ids, err := u.store.Query(ctx, sel)
	if err != nil {
		return 0, fmt.Errorf("failed to list files in %s: %w", rdir, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	n, err := u.store.Exec(ctx, "DELETE FROM tracks WHERE url IN ("+strings.Join(ids, ",")+")")
	if err != nil {
		return 0, fmt.Errorf("failed to remove files in %s: %w", rdir, err)
	}
	return n, nil
}

// MaintenanceResult summarizes a Cleanup run
type MaintenanceResult struct {
	Redundant map[string]int64
	Orphaned  map[string]int64
}

// Cleanup removes redundant groupings and rows orphaned by deleted urls or directories
func (u *Updater) Cleanup(ctx context.Context) (*MaintenanceResult, error) {
	result := &MaintenanceResult{
		Redundant: make(map[string]int64),
		Orphaned:  make(map[string]int64),
	}

	for _, table := range []string{"tracks", "statistics", "urls_labels", "lyrics"} {
		n, err := u.DeleteOrphanedByURL(ctx, table)
		if err != nil {
			return result, err
		}
		result.Orphaned[table] += n
	}
	n, err := u.DeleteOrphanedByDirectory(ctx, "urls")
	if err != nil {
		return result, err
	}
	result.Orphaned["urls"] += n

	// albums go before artists so album artists can become redundant
	for _, kind := range GroupingKinds {
		n, err := u.DeleteAllRedundant(ctx, kind)
		if err != nil {
			return result, err
		}
		result.Redundant[kind] = n
	}

	return result, nil
}
