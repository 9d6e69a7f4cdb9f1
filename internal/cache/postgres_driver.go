// Copyright 2025 James Ross
package cache

import (
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
)

// PostgresDriver is the persistent key-value backend with secondary
// indexes: cache_entries holds the blob, cache_entry_tags and
// cache_entry_deps are index tables. ClearByTags looks keys up through the
// tag index; Store.InvalidateByDependency does not query cache_entry_deps
// and reads every entry through GetByPrefix instead.
type PostgresDriver struct {
	db *sql.DB
}

func NewPostgresDriver(dsn string) (*PostgresDriver, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	d := &PostgresDriver{db: db}
	if err := d.migrate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *PostgresDriver) migrate() error {
	_, err := d.db.Exec(`
CREATE TABLE IF NOT EXISTS cache_entries (
	key text PRIMARY KEY,
	job_type text NOT NULL,
	payload bytea NOT NULL,
	compressed boolean NOT NULL,
	algorithm text NOT NULL,
	created_at timestamptz NOT NULL,
	expires_at timestamptz,
	schema_version text,
	provider_version text,
	job_definition_hash text,
	job_id text,
	source_bytes integer,
	result_bytes integer
);
CREATE TABLE IF NOT EXISTS cache_entry_tags (
	key text NOT NULL REFERENCES cache_entries(key) ON DELETE CASCADE,
	tag text NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entry_tags_tag ON cache_entry_tags(tag);
CREATE TABLE IF NOT EXISTS cache_entry_deps (
	key text NOT NULL REFERENCES cache_entries(key) ON DELETE CASCADE,
	job_id text NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entry_deps_job ON cache_entry_deps(job_id);
CREATE TABLE IF NOT EXISTS cache_versions (
	key text PRIMARY KEY,
	schema_version text,
	provider_version text,
	job_definition_hash text
);
`)
	return err
}

func (d *PostgresDriver) Set(key string, entry *Entry) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	jobType := jobTypeFromKey(key)
	var expires any
	if !entry.ExpiresAt.IsZero() {
		expires = entry.ExpiresAt
	}
	_, err = tx.Exec(`
INSERT INTO cache_entries (key, job_type, payload, compressed, algorithm, created_at, expires_at,
	schema_version, provider_version, job_definition_hash, job_id, source_bytes, result_bytes)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (key) DO UPDATE SET payload=$3, compressed=$4, algorithm=$5, created_at=$6, expires_at=$7,
	schema_version=$8, provider_version=$9, job_definition_hash=$10, job_id=$11, source_bytes=$12, result_bytes=$13
`, key, jobType, entry.Payload, entry.Compressed, entry.Algorithm, entry.CreatedAt, expires,
		entry.Version.SchemaVersion, entry.Version.ProviderVersion, entry.Version.JobDefinitionHash,
		entry.JobID, entry.SourceBytes, entry.ResultBytes)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM cache_entry_tags WHERE key=$1`, key); err != nil {
		return err
	}
	for tag := range entry.Tags {
		if _, err := tx.Exec(`INSERT INTO cache_entry_tags (key, tag) VALUES ($1,$2)`, key, tag); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`DELETE FROM cache_entry_deps WHERE key=$1`, key); err != nil {
		return err
	}
	for dep := range entry.Dependencies {
		if _, err := tx.Exec(`INSERT INTO cache_entry_deps (key, job_id) VALUES ($1,$2)`, key, dep); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func jobTypeFromKey(key string) string {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

func (d *PostgresDriver) scanRow(row *sql.Row) (*Entry, bool, error) {
	e := &Entry{Tags: map[string]bool{}, Dependencies: map[string]bool{}}
	var expires sql.NullTime
	if err := row.Scan(&e.Key, &e.Payload, &e.Compressed, &e.Algorithm, &e.CreatedAt, &expires,
		&e.Version.SchemaVersion, &e.Version.ProviderVersion, &e.Version.JobDefinitionHash,
		&e.JobID, &e.SourceBytes, &e.ResultBytes); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	if expires.Valid {
		e.ExpiresAt = expires.Time
	}
	return e, true, nil
}

func (d *PostgresDriver) Get(key string) (*Entry, bool, error) {
	row := d.db.QueryRow(`SELECT key, payload, compressed, algorithm, created_at, expires_at,
		schema_version, provider_version, job_definition_hash, job_id, source_bytes, result_bytes
		FROM cache_entries WHERE key=$1`, key)
	e, found, err := d.scanRow(row)
	if err != nil || !found {
		return nil, found, err
	}
	d.hydrateTagsDeps(e)
	return e, true, nil
}

func (d *PostgresDriver) hydrateTagsDeps(e *Entry) {
	rows, err := d.db.Query(`SELECT tag FROM cache_entry_tags WHERE key=$1`, e.Key)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var tag string
			if rows.Scan(&tag) == nil {
				e.Tags[tag] = true
			}
		}
	}
	rows2, err := d.db.Query(`SELECT job_id FROM cache_entry_deps WHERE key=$1`, e.Key)
	if err == nil {
		defer rows2.Close()
		for rows2.Next() {
			var dep string
			if rows2.Scan(&dep) == nil {
				e.Dependencies[dep] = true
			}
		}
	}
}

func (d *PostgresDriver) Delete(key string) error {
	_, err := d.db.Exec(`DELETE FROM cache_entries WHERE key=$1`, key)
	return err
}

func (d *PostgresDriver) DeleteMany(keys []string) error {
	for _, k := range keys {
		if err := d.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (d *PostgresDriver) Exists(key string) (bool, error) {
	var exists bool
	err := d.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM cache_entries WHERE key=$1)`, key).Scan(&exists)
	return exists, err
}

func (d *PostgresDriver) GetByPrefix(prefix string) ([]*Entry, error) {
	rows, err := d.db.Query(`SELECT key FROM cache_entries WHERE key LIKE $1`, prefix+"%")
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
		if err != nil || !found {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (d *PostgresDriver) ClearByTags(tags []string) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(tags))
	args := make([]any, len(tags))
	for i, t := range tags {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = t
	}
	rows, err := d.db.Query(`SELECT DISTINCT key FROM cache_entry_tags WHERE tag IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return 0, err
	}
	var keys []string
	for rows.Next() {
		var k string
		if rows.Scan(&k) == nil {
			keys = append(keys, k)
		}
	}
	rows.Close()
	if err := d.DeleteMany(keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (d *PostgresDriver) ClearByType(jobType string) (int, error) {
	res, err := d.db.Exec(`DELETE FROM cache_entries WHERE job_type=$1`, jobType)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (d *PostgresDriver) GetMetrics() (DriverMetrics, error) {
	var count int
	var total sql.NullInt64
	err := d.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)),0) FROM cache_entries`).Scan(&count, &total)
	return DriverMetrics{EntryCount: count, TotalBytes: total.Int64}, err
}

func (d *PostgresDriver) ClearAll() error {
	_, err := d.db.Exec(`TRUNCATE cache_entries, cache_entry_tags, cache_entry_deps CASCADE`)
	return err
}

func (d *PostgresDriver) Health() error { return d.db.Ping() }

func (d *PostgresDriver) SetVersion(key string, v Version) error {
	_, err := d.db.Exec(`
INSERT INTO cache_versions (key, schema_version, provider_version, job_definition_hash)
VALUES ($1,$2,$3,$4)
ON CONFLICT (key) DO UPDATE SET schema_version=$2, provider_version=$3, job_definition_hash=$4
`, key, v.SchemaVersion, v.ProviderVersion, v.JobDefinitionHash)
	return err
}

func (d *PostgresDriver) GetVersion(key string) (Version, bool, error) {
	var v Version
	err := d.db.QueryRow(`SELECT schema_version, provider_version, job_definition_hash FROM cache_versions WHERE key=$1`, key).
		Scan(&v.SchemaVersion, &v.ProviderVersion, &v.JobDefinitionHash)
	if err == sql.ErrNoRows {
		return Version{}, false, nil
	}
	return v, err == nil, err
}

func (d *PostgresDriver) InvalidateOldVersions(jobType string, newVersion Version) (int, error) {
	res, err := d.db.Exec(`DELETE FROM cache_entries WHERE job_type=$1 AND schema_version IS DISTINCT FROM $2`,
		jobType, newVersion.SchemaVersion)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (d *PostgresDriver) Disconnect() error { return d.db.Close() }
