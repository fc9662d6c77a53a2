// store.go keeps built layers on disk, keyed by the hash of their inputs, with a
// SQLite ledger of layer records and build history.
package layerstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"
	digest "github.com/opencontainers/go-digest"

	_ "modernc.org/sqlite"
)

// ErrCacheMiss is returned by Lookup when no usable layer exists for a key.
var ErrCacheMiss = errors.New("layer cache miss")

const (
	ledgerFile = "ledger.db"
	blobsDir   = "blobs"

	schemaStmt = `
CREATE TABLE IF NOT EXISTS layers (
    key TEXT PRIMARY KEY,
    step TEXT NOT NULL,
    stage TEXT NOT NULL,
    digest TEXT NOT NULL,
    diff_id TEXT NOT NULL,
    size INTEGER NOT NULL,
    media_type TEXT NOT NULL,
    created_at TEXT NOT NULL,
    last_used_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_layers_digest ON layers(digest);
CREATE INDEX IF NOT EXISTS idx_layers_last_used ON layers(last_used_at);
CREATE TABLE IF NOT EXISTS builds (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recipe TEXT NOT NULL,
    backend TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    outcome TEXT NOT NULL,
    image_digest TEXT,
    error TEXT
);
CREATE TABLE IF NOT EXISTS build_steps (
    build_id INTEGER NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    step TEXT NOT NULL,
    stage TEXT NOT NULL,
    key TEXT,
    outcome TEXT NOT NULL,
    digest TEXT,
    inputs TEXT,
    duration_ms INTEGER NOT NULL,
    PRIMARY KEY (build_id, seq)
);`
)

// Record describes one cached layer.
type Record struct {
	Key        digest.Digest
	Step       string
	Stage      string
	Digest     digest.Digest
	DiffID     digest.Digest
	Size       int64
	MediaType  types.MediaType
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// DefaultDir is the cache location used when none is configured.
func DefaultDir() string {
	if v := os.Getenv("SBCTL_CACHE_DIR"); v != "" {
		return v
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "sbctl", "layers")
	}
	return filepath.Join(os.TempDir(), "sbctl-layers")
}

// Store is a single-writer layer cache rooted at a directory.
type Store struct {
	root string
	db   *sql.DB
	now  func() time.Time
}

// Open creates or opens the cache under dir.
func Open(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("layer cache directory cannot be empty")
	}
	if err := os.MkdirAll(filepath.Join(dir, blobsDir, "sha256"), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, ledgerFile))
	if err != nil {
		return nil, fmt.Errorf("open layer ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaStmt); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	return &Store{root: dir, db: db, now: time.Now}, nil
}

// Root is the cache directory.
func (s *Store) Root() string { return s.root }

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) blobPath(d digest.Digest) string {
	return filepath.Join(s.root, blobsDir, d.Algorithm().String(), d.Encoded())
}

// Lookup returns the record for key. A ledger row whose blob is gone counts
// as a miss.
func (s *Store) Lookup(ctx context.Context, key digest.Digest) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT key, step, stage, digest, diff_id, size, media_type, created_at, last_used_at FROM layers WHERE key = ?`, key.String())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrCacheMiss
	}
	if err != nil {
		return Record{}, fmt.Errorf("lookup %s: %w", key, err)
	}
	if _, err := os.Stat(s.blobPath(rec.Digest)); err != nil {
		if os.IsNotExist(err) {
			return Record{}, ErrCacheMiss
		}
		return Record{}, err
	}
	return rec, nil
}

// Layer opens the cached layer of rec.
func (s *Store) Layer(rec Record) (v1.Layer, error) {
	raw, err := os.ReadFile(s.blobPath(rec.Digest))
	if err != nil {
		return nil, fmt.Errorf("read layer %s: %w", rec.Digest, err)
	}
	if got := digest.FromBytes(raw); got != rec.Digest {
		return nil, fmt.Errorf("layer %s corrupt: content hashes to %s", rec.Digest, got)
	}
	return static.NewLayer(raw, rec.MediaType), nil
}

// Put stores layer under key. The blob is written before the ledger row so a
// crash never leaves a row pointing at a partial blob.
func (s *Store) Put(ctx context.Context, key digest.Digest, step, stage string, layer v1.Layer) (Record, error) {
	dgst, err := layer.Digest()
	if err != nil {
		return Record{}, err
	}
	diffID, err := layer.DiffID()
	if err != nil {
		return Record{}, err
	}
	mt, err := layer.MediaType()
	if err != nil {
		return Record{}, err
	}
	size, err := s.writeBlob(layer, digest.Digest(dgst.String()))
	if err != nil {
		return Record{}, err
	}
	now := s.now().UTC()
	rec := Record{
		Key:        key,
		Step:       step,
		Stage:      stage,
		Digest:     digest.Digest(dgst.String()),
		DiffID:     digest.Digest(diffID.String()),
		Size:       size,
		MediaType:  mt,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO layers(key, step, stage, digest, diff_id, size, media_type, created_at, last_used_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET step=excluded.step, stage=excluded.stage, digest=excluded.digest, diff_id=excluded.diff_id,
    size=excluded.size, media_type=excluded.media_type, last_used_at=excluded.last_used_at`,
		rec.Key.String(), rec.Step, rec.Stage, rec.Digest.String(), rec.DiffID.String(), rec.Size, string(rec.MediaType),
		formatTime(rec.CreatedAt), formatTime(rec.LastUsedAt))
	if err != nil {
		return Record{}, fmt.Errorf("record layer %s: %w", key, err)
	}
	return rec, nil
}

func (s *Store) writeBlob(layer v1.Layer, dgst digest.Digest) (int64, error) {
	dst := s.blobPath(dgst)
	if fi, err := os.Stat(dst); err == nil {
		return fi.Size(), nil
	}
	rc, err := layer.Compressed()
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())
	verifier := dgst.Verifier()
	n, err := io.Copy(io.MultiWriter(tmp, verifier), rc)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write blob %s: %w", dgst, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if !verifier.Verified() {
		return 0, fmt.Errorf("write blob %s: content does not match digest", dgst)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, err
	}
	return n, nil
}

// Touch marks key as used now so Prune keeps it.
func (s *Store) Touch(ctx context.Context, key digest.Digest) error {
	_, err := s.db.ExecContext(ctx, `UPDATE layers SET last_used_at = ? WHERE key = ?`, formatTime(s.now().UTC()), key.String())
	return err
}

// List returns all records, most recently used first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, step, stage, digest, diff_id, size, media_type, created_at, last_used_at FROM layers ORDER BY last_used_at DESC, key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneResult summarizes a Prune call.
type PruneResult struct {
	Records int
	Blobs   int
	Bytes   int64
}

// Prune drops records unused for longer than olderThan and deletes blobs no
// remaining record references. olderThan <= 0 drops everything.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (PruneResult, error) {
	var res PruneResult
	cutoff := s.now().UTC().Add(-olderThan)
	q := `DELETE FROM layers WHERE last_used_at < ?`
	args := []any{formatTime(cutoff)}
	if olderThan <= 0 {
		q, args = `DELETE FROM layers`, nil
	}
	out, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return res, fmt.Errorf("prune ledger: %w", err)
	}
	n, _ := out.RowsAffected()
	res.Records = int(n)

	live := map[string]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT digest FROM layers`)
	if err != nil {
		return res, err
	}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			rows.Close()
			return res, err
		}
		live[digest.Digest(d).Encoded()] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, err
	}

	dir := filepath.Join(s.root, blobsDir, "sha256")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return res, err
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() || live[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err == nil {
			res.Bytes += info.Size()
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		res.Blobs++
	}
	return res, errors.Join(errs...)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec                   Record
		key, dgst, diffID, mt string
		createdAt, lastUsedAt string
	)
	if err := sc.Scan(&key, &rec.Step, &rec.Stage, &dgst, &diffID, &rec.Size, &mt, &createdAt, &lastUsedAt); err != nil {
		return Record{}, err
	}
	rec.Key = digest.Digest(key)
	rec.Digest = digest.Digest(dgst)
	rec.DiffID = digest.Digest(diffID)
	rec.MediaType = types.MediaType(mt)
	rec.CreatedAt = parseTime(createdAt)
	rec.LastUsedAt = parseTime(lastUsedAt)
	return rec, nil
}

// Fixed width so that ledger timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
