// Package statecache implements keg.db, the append-only SQLite record of
// every patch-server response a repository has ever fetched: raw response
// bodies (by digest), their PSV rows decomposed for querying, a denormalized
// view of the current versions per remote, and the set of remotes a
// repository knows about. Nothing in this package ever deletes a response
// row; superseding a response is a new insert with a later timestamp.
package statecache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"keg/clock"
	"keg/kegerr"
	"keg/psv"
)

const schema = `
CREATE TABLE IF NOT EXISTS remotes (
	name          TEXT PRIMARY KEY,
	prefix        TEXT NOT NULL,
	writeable     INTEGER NOT NULL DEFAULT 0,
	default_fetch INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS responses (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	remote    TEXT NOT NULL,
	endpoint  TEXT NOT NULL,
	digest    TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	UNIQUE(remote, endpoint, digest)
);
CREATE INDEX IF NOT EXISTS responses_lookup ON responses(remote, endpoint, timestamp);

CREATE TABLE IF NOT EXISTS psv_rows (
	digest    TEXT NOT NULL,
	row_index INTEGER NOT NULL,
	row_json  TEXT NOT NULL,
	PRIMARY KEY (digest, row_index)
);

CREATE TABLE IF NOT EXISTS versions (
	remote        TEXT NOT NULL,
	build_name    TEXT NOT NULL,
	region        TEXT NOT NULL,
	build_id      TEXT NOT NULL,
	build_config  TEXT NOT NULL,
	cdn_config    TEXT NOT NULL,
	product_config TEXT NOT NULL DEFAULT '',
	timestamp     INTEGER NOT NULL,
	PRIMARY KEY (remote, region)
);
`

// Cache is the handle onto keg.db.
type Cache struct {
	db    *database
	clock clock.Clock
}

// Open opens (creating if necessary) the state cache at path and applies the
// schema. clk defaults to clock.Real{} when nil.
func Open(path string, clk clock.Clock) (*Cache, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	d, err := openDatabase(path, dbOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := d.db.Exec(schema); err != nil {
		d.Close()
		return nil, fmt.Errorf("statecache: apply schema: %w", err)
	}
	return &Cache{db: d, clock: clk}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// Remote describes one configured patch-server mirror (SPEC_FULL.md §4.9).
type Remote struct {
	Name         string
	Prefix       string
	Writeable    bool
	DefaultFetch bool
}

// AddRemote inserts or replaces a remote's configuration.
func (c *Cache) AddRemote(ctx context.Context, r Remote) error {
	_, err := c.db.db.ExecContext(ctx, `
		INSERT INTO remotes(name, prefix, writeable, default_fetch)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET prefix=excluded.prefix,
			writeable=excluded.writeable, default_fetch=excluded.default_fetch`,
		r.Name, r.Prefix, boolToInt(r.Writeable), boolToInt(r.DefaultFetch))
	return err
}

// RemoveRemote deletes a remote's configuration. It does not touch any
// responses previously recorded under that remote's name.
func (c *Cache) RemoveRemote(ctx context.Context, name string) error {
	res, err := c.db.db.ExecContext(ctx, `DELETE FROM remotes WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &kegerr.NotFoundError{Kind: "remote", Key: name}
	}
	return nil
}

// ListRemotes returns all configured remotes, ordered by name.
func (c *Cache) ListRemotes(ctx context.Context) ([]Remote, error) {
	rows, err := c.db.db.QueryContext(ctx, `SELECT name, prefix, writeable, default_fetch FROM remotes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Remote
	for rows.Next() {
		var r Remote
		var writeable, defaultFetch int
		if err := rows.Scan(&r.Name, &r.Prefix, &writeable, &defaultFetch); err != nil {
			return nil, err
		}
		r.Writeable = writeable != 0
		r.DefaultFetch = defaultFetch != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordResponse appends a response row for remote/endpoint/digest at the
// cache's current time. Re-recording the same (remote, endpoint, digest) is
// a no-op: the response body has not changed, only possibly its recency.
func (c *Cache) RecordResponse(ctx context.Context, remote, endpoint, digest string) error {
	_, err := c.db.db.ExecContext(ctx, `
		INSERT INTO responses(remote, endpoint, digest, timestamp) VALUES (?, ?, ?, ?)
		ON CONFLICT(remote, endpoint, digest) DO NOTHING`,
		remote, endpoint, digest, c.clock.Now().Unix())
	return err
}

// LatestDigest returns the digest of the most recently recorded response for
// remote/endpoint, or a NotFoundError if none exists.
func (c *Cache) LatestDigest(ctx context.Context, remote, endpoint string) (string, error) {
	var digest string
	err := c.db.db.QueryRowContext(ctx, `
		SELECT digest FROM responses WHERE remote = ? AND endpoint = ?
		ORDER BY timestamp DESC, id DESC LIMIT 1`, remote, endpoint).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &kegerr.NotFoundError{Kind: "response", Key: remote + "/" + endpoint}
	}
	return digest, err
}

// Response is one recorded fetch of a patch-server endpoint.
type Response struct {
	Remote    string
	Endpoint  string
	Digest    string
	Timestamp int64
}

// ResponseHistory returns every response ever recorded for remote, newest
// first. Unlike Versions, this never collapses history: every fetch that
// produced a distinct digest stays visible, which is what the `log`
// command walks.
func (c *Cache) ResponseHistory(ctx context.Context, remote string) ([]Response, error) {
	rows, err := c.db.db.QueryContext(ctx, `
		SELECT remote, endpoint, digest, timestamp FROM responses
		WHERE remote = ? ORDER BY timestamp DESC, id DESC`, remote)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Response
	for rows.Next() {
		var r Response
		if err := rows.Scan(&r.Remote, &r.Endpoint, &r.Digest, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StorePSVRows decomposes a parsed PSV table into individually queryable
// rows keyed by the response digest that produced them.
func (c *Cache) StorePSVRows(ctx context.Context, digest string, t *psv.Table) error {
	tx, err := c.db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO psv_rows(digest, row_index, row_json) VALUES (?, ?, ?)
		ON CONFLICT(digest, row_index) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, row := range t.Rows {
		blob, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("statecache: marshal row %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, digest, i, string(blob)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReadPSVRows replays the rows previously stored under digest, in original order.
func (c *Cache) ReadPSVRows(ctx context.Context, digest string) ([]psv.Row, error) {
	rows, err := c.db.db.QueryContext(ctx, `
		SELECT row_json FROM psv_rows WHERE digest = ? ORDER BY row_index`, digest)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []psv.Row
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var row psv.Row
		if err := json.Unmarshal([]byte(blob), &row); err != nil {
			return nil, fmt.Errorf("statecache: unmarshal row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, &kegerr.NotFoundError{Kind: "psv_rows", Key: digest}
	}
	return out, nil
}

// Version is one row of the denormalized versions view (SPEC_FULL.md §3).
type Version struct {
	Remote        string
	BuildName     string
	Region        string
	BuildID       string
	BuildConfig   string
	CDNConfig     string
	ProductConfig string
}

// UpsertVersion records the current build pointer for remote/region,
// overwriting whatever was there before — this view reflects "latest known",
// not history; history lives in the responses table.
func (c *Cache) UpsertVersion(ctx context.Context, v Version) error {
	_, err := c.db.db.ExecContext(ctx, `
		INSERT INTO versions(remote, build_name, region, build_id, build_config, cdn_config, product_config, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(remote, region) DO UPDATE SET
			build_name=excluded.build_name, build_id=excluded.build_id,
			build_config=excluded.build_config, cdn_config=excluded.cdn_config,
			product_config=excluded.product_config, timestamp=excluded.timestamp`,
		v.Remote, v.BuildName, v.Region, v.BuildID, v.BuildConfig, v.CDNConfig, v.ProductConfig,
		c.clock.Now().Unix())
	return err
}

// Versions returns every known (remote, region) version row for remote.
func (c *Cache) Versions(ctx context.Context, remote string) ([]Version, error) {
	rows, err := c.db.db.QueryContext(ctx, `
		SELECT remote, build_name, region, build_id, build_config, cdn_config, product_config
		FROM versions WHERE remote = ? ORDER BY region`, remote)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.Remote, &v.BuildName, &v.Region, &v.BuildID, &v.BuildConfig, &v.CDNConfig, &v.ProductConfig); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
