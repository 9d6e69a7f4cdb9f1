// Copyright 2025 James Ross
package cache

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDriver is the embedded persistent backend: a single database
// file, suitable for a single-node deployment that wants durability
// without an external service.
type SQLiteDriver struct {
	db *sql.DB
}

func NewSQLiteDriver(path string) (*SQLiteDriver, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers
	d := &SQLiteDriver{db: db}
	if err := d.migrate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *SQLiteDriver) migrate() error {
	_, err := d.db.Exec(`
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	job_type TEXT NOT NULL,
	payload BLOB NOT NULL,
	compressed INTEGER NOT NULL,
	algorithm TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER,
	schema_version TEXT,
	provider_version TEXT,
	job_definition_hash TEXT,
	job_id TEXT,
	tags TEXT,
	deps TEXT,
	source_bytes INTEGER,
	result_bytes INTEGER
);
`)
	return err
}

func (d *SQLiteDriver) Set(key string, entry *Entry) error {
	var expires any
	if !entry.ExpiresAt.IsZero() {
		expires = entry.ExpiresAt.UnixNano()
	}
	_, err := d.db.Exec(`
INSERT INTO cache_entries (key, job_type, payload, compressed, algorithm, created_at, expires_at,
	schema_version, provider_version, job_definition_hash, job_id, tags, deps, source_bytes, result_bytes)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(key) DO UPDATE SET payload=excluded.payload, compressed=excluded.compressed,
	algorithm=excluded.algorithm, created_at=excluded.created_at, expires_at=excluded.expires_at,
	schema_version=excluded.schema_version, provider_version=excluded.provider_version,
	job_definition_hash=excluded.job_definition_hash, job_id=excluded.job_id, tags=excluded.tags,
	deps=excluded.deps, source_bytes=excluded.source_bytes, result_bytes=excluded.result_bytes
`, key, jobTypeFromKey(key), entry.Payload, entry.Compressed, entry.Algorithm, entry.CreatedAt.UnixNano(), expires,
		entry.Version.SchemaVersion, entry.Version.ProviderVersion, entry.Version.JobDefinitionHash,
		entry.JobID, joinSet(entry.Tags), joinSet(entry.Dependencies), entry.SourceBytes, entry.ResultBytes)
	return err
}

func joinSet(m map[string]bool) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return strings.Join(keys, ",")
}

func splitSet(s string) map[string]bool {
	out := map[string]bool{}
	if s == "" {
		return out
	}
	for _, v := range strings.Split(s, ",") {
		out[v] = true
	}
	return out
}

func (d *SQLiteDriver) scanRow(row *sql.Row) (*Entry, bool, error) {
	var e Entry
	var createdAt int64
	var expires sql.NullInt64
	var tags, deps string
	if err := row.Scan(&e.Key, &e.Payload, &e.Compressed, &e.Algorithm, &createdAt, &expires,
		&e.Version.SchemaVersion, &e.Version.ProviderVersion, &e.Version.JobDefinitionHash,
		&e.JobID, &tags, &deps, &e.SourceBytes, &e.ResultBytes); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	e.CreatedAt = time.Unix(0, createdAt)
	if expires.Valid {
		e.ExpiresAt = time.Unix(0, expires.Int64)
	}
	e.Tags = splitSet(tags)
	e.Dependencies = splitSet(deps)
	return &e, true, nil
}

func (d *SQLiteDriver) Get(key string) (*Entry, bool, error) {
	row := d.db.QueryRow(`SELECT key, payload, compressed, algorithm, created_at, expires_at,
		schema_version, provider_version, job_definition_hash, job_id, tags, deps, source_bytes, result_bytes
		FROM cache_entries WHERE key=?`, key)
	return d.scanRow(row)
}

func (d *SQLiteDriver) Delete(key string) error {
	_, err := d.db.Exec(`DELETE FROM cache_entries WHERE key=?`, key)
	return err
}

func (d *SQLiteDriver) DeleteMany(keys []string) error {
	for _, k := range keys {
		if err := d.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (d *SQLiteDriver) Exists(key string) (bool, error) {
	var exists bool
	err := d.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM cache_entries WHERE key=?)`, key).Scan(&exists)
	return exists, err
}

func (d *SQLiteDriver) GetByPrefix(prefix string) ([]*Entry, error) {
	rows, err := d.db.Query(`SELECT key FROM cache_entries WHERE key LIKE ?`, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if rows.Scan(&k) == nil {
			keys = append(keys, k)
		}
	}
	var out []*Entry
	for _, k := range keys {
		e, found, err := d.Get(k)
		if err == nil && found {
			out = append(out, e)
		}
	}
	return out, nil
}

func (d *SQLiteDriver) ClearByTags(tags []string) (int, error) {
	entries, err := d.GetByPrefix("cache:")
	if err != nil {
		return 0, err
	}
	var toDelete []string
	for _, e := range entries {
		for _, t := range tags {
			if e.Tags[t] {
				toDelete = append(toDelete, e.Key)
				break
			}
		}
	}
	if err := d.DeleteMany(toDelete); err != nil {
		return 0, err
	}
	return len(toDelete), nil
}

func (d *SQLiteDriver) ClearByType(jobType string) (int, error) {
	res, err := d.db.Exec(`DELETE FROM cache_entries WHERE job_type=?`, jobType)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (d *SQLiteDriver) GetMetrics() (DriverMetrics, error) {
	var count int
	var total sql.NullInt64
	err := d.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)),0) FROM cache_entries`).Scan(&count, &total)
	return DriverMetrics{EntryCount: count, TotalBytes: total.Int64}, err
}

func (d *SQLiteDriver) ClearAll() error {
	_, err := d.db.Exec(`DELETE FROM cache_entries`)
	return err
}

func (d *SQLiteDriver) Health() error { return d.db.Ping() }

func (d *SQLiteDriver) SetVersion(key string, v Version) error {
	_, err := d.db.Exec(`UPDATE cache_entries SET schema_version=?, provider_version=?, job_definition_hash=? WHERE key=?`,
		v.SchemaVersion, v.ProviderVersion, v.JobDefinitionHash, key)
	return err
}

func (d *SQLiteDriver) GetVersion(key string) (Version, bool, error) {
	var v Version
	err := d.db.QueryRow(`SELECT schema_version, provider_version, job_definition_hash FROM cache_entries WHERE key=?`, key).
		Scan(&v.SchemaVersion, &v.ProviderVersion, &v.JobDefinitionHash)
	if err == sql.ErrNoRows {
		return Version{}, false, nil
	}
	return v, err == nil, err
}

func (d *SQLiteDriver) InvalidateOldVersions(jobType string, newVersion Version) (int, error) {
	res, err := d.db.Exec(`DELETE FROM cache_entries WHERE job_type=? AND schema_version IS NOT ?`,
		jobType, newVersion.SchemaVersion)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (d *SQLiteDriver) Disconnect() error { return d.db.Close() }
