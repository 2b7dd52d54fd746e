package store

import "fmt"

// schemaStatements returns the DDL for a fresh collection database
func schemaStatements(d Dialect) []string {
	id := d.IDType()
	text := d.TextColumnType(TextColumnLength)
	opts := d.TableOptions()

	stmts := []string{
		"CREATE TABLE admin (component " + text + ", version INTEGER)" + opts,

		"CREATE TABLE devices (id " + id +
			", type " + text +
			", label " + text +
			", lastmountpoint " + text +
			", uuid " + text +
			", servername " + d.TextColumnType(80) +
			", sharename " + d.TextColumnType(240) + ")" + opts,
		"CREATE INDEX devices_type ON devices(type)",
		"CREATE UNIQUE INDEX devices_uuid ON devices(uuid)",
		"CREATE INDEX devices_rshare ON devices(servername, sharename)",

		"CREATE TABLE urls (id " + id +
			", deviceid INTEGER" +
			", rpath " + d.ExactIndexableTextColumnType() + " NOT NULL" +
			", directory INTEGER" +
			", uniqueid " + d.ExactTextColumnType(128) + " UNIQUE)" + opts,
		"CREATE UNIQUE INDEX urls_id_rpath ON urls(deviceid, rpath)",
		"CREATE INDEX urls_uniqueid ON urls(uniqueid)",
		"CREATE INDEX urls_directory ON urls(directory)",

		"CREATE TABLE directories (id " + id +
			", deviceid INTEGER" +
			", dir " + d.ExactTextColumnType(1000) + " NOT NULL" +
			", changedate INTEGER)" + opts,
		"CREATE INDEX directories_deviceid ON directories(deviceid)",

		"CREATE TABLE artists (id " + id + ", name " + text + " NOT NULL)" + opts,
		"CREATE UNIQUE INDEX artists_name ON artists(name)",

		"CREATE TABLE images (id " + id + ", path " + text + " NOT NULL)" + opts,
		"CREATE UNIQUE INDEX images_name ON images(path)",

		"CREATE TABLE albums (id " + id +
			", name " + text + " NOT NULL" +
			", artist INTEGER" +
			", image INTEGER)" + opts,
		"CREATE INDEX albums_name ON albums(name)",
		"CREATE INDEX albums_artist ON albums(artist)",
		"CREATE INDEX albums_image ON albums(image)",
		"CREATE UNIQUE INDEX albums_name_artist ON albums(name, artist)",
	}

	for _, table := range []string{"genres", "composers", "years"} {
		stmts = append(stmts,
			"CREATE TABLE "+table+" (id "+id+", name "+text+" NOT NULL)"+opts,
			fmt.Sprintf("CREATE UNIQUE INDEX %s_name ON %s(name)", table, table),
		)
	}

	stmts = append(stmts,
		"CREATE TABLE tracks (id "+id+
			", url INTEGER"+
			", artist INTEGER"+
			", album INTEGER"+
			", genre INTEGER"+
			", composer INTEGER"+
			", year INTEGER"+
			", title "+text+
			", comment "+d.LongTextColumnType()+
			", tracknumber INTEGER"+
			", discnumber INTEGER"+
			", bitrate INTEGER"+
			", length INTEGER"+
			", samplerate INTEGER"+
			", filesize INTEGER"+
			", filetype INTEGER"+
			", bpm FLOAT"+
			", createdate INTEGER"+
			", modifydate INTEGER"+
			", albumgain FLOAT"+
			", albumpeakgain FLOAT"+
			", trackgain FLOAT"+
			", trackpeakgain FLOAT)"+opts,
		"CREATE UNIQUE INDEX tracks_url ON tracks(url)",
	)
	for _, col := range []string{"id", "artist", "album", "genre", "composer", "year", "title",
		"discnumber", "createdate", "length", "bitrate", "filesize"} {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX tracks_%s ON tracks(%s)", col, col))
	}

	// createdate is the first played time, accessdate the last played time
	stmts = append(stmts,
		"CREATE TABLE statistics (id "+id+
			", url INTEGER NOT NULL"+
			", createdate INTEGER"+
			", accessdate INTEGER"+
			", score FLOAT"+
			", rating INTEGER NOT NULL DEFAULT 0"+
			", playcount INTEGER NOT NULL DEFAULT 0"+
			", deleted BOOL NOT NULL DEFAULT "+d.BoolFalse()+")"+opts,
		"CREATE UNIQUE INDEX statistics_url ON statistics(url)",
	)
	for _, col := range []string{"createdate", "accessdate", "score", "rating", "playcount"} {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX statistics_%s ON statistics(%s)", col, col))
	}

	stmts = append(stmts,
		"CREATE TABLE labels (id "+id+", label "+text+")"+opts,
		"CREATE UNIQUE INDEX labels_label ON labels(label)",
		"CREATE TABLE urls_labels (url INTEGER, label INTEGER)",
		"CREATE INDEX urlslabels_url ON urls_labels(url)",
		"CREATE INDEX urlslabels_label ON urls_labels(label)",

		"CREATE TABLE lyrics (url INTEGER PRIMARY KEY, lyrics "+d.LongTextColumnType()+")"+opts,
	)

	return stmts
}

// CollectionTables lists every table created by CreateTables
var CollectionTables = []string{
	"admin", "devices", "urls", "directories", "artists", "images", "albums",
	"genres", "composers", "years", "tracks", "statistics", "labels", "urls_labels", "lyrics",
}
