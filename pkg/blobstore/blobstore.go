// Package blobstore implements the versioned, content-addressed blob store:
// SHA-256 deduplication, supersession chains with a single latest version
// per resource, and a retention policy. Metadata lives in SQLite; content
// above the inline threshold is stored through the two-tier cache under a
// "<resource_type>:<data_hash>" key.
package blobstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "modernc.org/sqlite" // SQLite driver
)

// DefaultInlineThreshold is the inline/external content cutoff in bytes.
const DefaultInlineThreshold = 1024

const saveRetries = 3

// ErrConflict is returned when a save transaction loses the latest-version
// race more than saveRetries times.
var ErrConflict = errors.New("blobstore: concurrent save conflict")

// ErrCorrupt is returned internally on a content-hash mismatch; the caller
// of GetVersion observes a nil blob instead.
var ErrCorrupt = errors.New("blobstore: content hash mismatch")

// ContentStore stores external blob content. Implemented by the two-tier
// cache.
type ContentStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
}

// Blob is one stored version. Data is the verified content.
type Blob struct {
	ID           string
	ResourceID   string
	ResourceType string
	Version      uint64
	DataHash     string
	CreatedAt    time.Time
	Supersedes   string
	SupersededBy string
	IsLatest     bool
	Tags         []string
	Data         []byte

	contentLocation string
	inline          []byte
	unreadable      bool
}

// Options configures a Store.
type Options struct {
	// InlineThreshold is the inline/external cutoff (default 1024 bytes).
	InlineThreshold int
	// Content stores external payloads. Required when blobs can exceed
	// the threshold.
	Content ContentStore
	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// Store is the versioned blob store.
type Store struct {
	db        *sql.DB
	content   ContentStore
	threshold int
	logger    *zap.Logger
}

// Open opens or creates the metadata database at path.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, errors.New("blobstore: empty path")
	}
	if opts.InlineThreshold <= 0 {
		opts.InlineThreshold = DefaultInlineThreshold
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	// The pragmas ride the DSN so every pooled connection gets them;
	// busy_timeout in particular is per-connection.
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := &Store{
		db:        db,
		content:   opts.Content,
		threshold: opts.InlineThreshold,
		logger:    opts.Logger,
	}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS blob_versions (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		version INTEGER NOT NULL,
		data_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		inline_content BLOB,
		content_location TEXT NOT NULL DEFAULT '',
		supersedes TEXT NOT NULL DEFAULT '',
		superseded_by TEXT NOT NULL DEFAULT '',
		is_latest INTEGER NOT NULL DEFAULT 0,
		unreadable INTEGER NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '[]'
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_blob_versions_resource_version
		ON blob_versions(resource_id, resource_type, version);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_blob_versions_latest
		ON blob_versions(resource_id, resource_type) WHERE is_latest = 1;
	CREATE INDEX IF NOT EXISTS idx_blob_versions_hash ON blob_versions(data_hash);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("blobstore: create tables: %w", err)
	}
	return nil
}

// Close releases the metadata database.
func (s *Store) Close() error {
	return s.db.Close()
}

// HashContent returns the hex SHA-256 of content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Save stores content as a new version of (resourceID, resourceType). When
// the latest version already carries the same content hash, the existing
// blob is returned and no new version is created. Lost latest-version races
// are retried up to three times, then surfaced as ErrConflict.
func (s *Store) Save(ctx context.Context, resourceID, resourceType string, content []byte, tags []string) (*Blob, error) {
	dataHash := HashContent(content)

	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)

	var lastErr error
	for attempt := 0; attempt <= saveRetries; attempt++ {
		blob, err := s.trySave(ctx, resourceID, resourceType, content, dataHash, sorted)
		if err == nil {
			return blob, nil
		}
		if !isConflict(err) {
			return nil, err
		}
		lastErr = err
		s.logger.Debug("blobstore: save conflict, retrying",
			zap.String("resource_id", resourceID),
			zap.Int("attempt", attempt+1))
	}
	return nil, fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

func (s *Store) trySave(ctx context.Context, resourceID, resourceType string, content []byte, dataHash string, tags []string) (*Blob, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobstore: conn: %w", err)
	}
	defer conn.Close()

	// BEGIN IMMEDIATE takes the write lock up front, so the
	// read-modify-write below is serialized against concurrent saves.
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("blobstore: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	latest, err := scanBlob(conn.QueryRowContext(ctx, selectBlob+`
		WHERE resource_id = ? AND resource_type = ? AND is_latest = 1`,
		resourceID, resourceType))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if latest != nil && latest.DataHash == dataHash {
		// Content unchanged: dedupe, no new version.
		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			return nil, fmt.Errorf("blobstore: commit: %w", err)
		}
		committed = true
		latest.Data = content
		return latest, nil
	}

	newID := uuid.NewString()
	version := uint64(1)
	supersedes := ""
	if latest != nil {
		version = latest.Version + 1
		supersedes = latest.ID
		if _, err := conn.ExecContext(ctx, `
			UPDATE blob_versions SET is_latest = 0, superseded_by = ? WHERE id = ?`,
			newID, latest.ID); err != nil {
			return nil, fmt.Errorf("blobstore: demote latest: %w", err)
		}
	}

	var inline []byte
	location := ""
	if len(content) <= s.threshold {
		inline = content
	} else {
		if s.content == nil {
			return nil, errors.New("blobstore: no content store for external blob")
		}
		location = resourceType + ":" + dataHash
		if err := s.content.Set(ctx, location, content, -1); err != nil {
			return nil, fmt.Errorf("blobstore: external content write: %w", err)
		}
	}

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("blobstore: marshal tags: %w", err)
	}

	createdAt := time.Now().UTC()
	if _, err := conn.ExecContext(ctx, `
		INSERT INTO blob_versions
			(id, resource_id, resource_type, version, data_hash, created_at,
			 inline_content, content_location, supersedes, is_latest, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		newID, resourceID, resourceType, version, dataHash, createdAt.UnixNano(),
		inline, location, supersedes, string(tagsJSON)); err != nil {
		return nil, fmt.Errorf("blobstore: insert version: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("blobstore: commit: %w", err)
	}
	committed = true

	return &Blob{
		ID:           newID,
		ResourceID:   resourceID,
		ResourceType: resourceType,
		Version:      version,
		DataHash:     dataHash,
		CreatedAt:    createdAt,
		Supersedes:   supersedes,
		IsLatest:     true,
		Tags:         tags,
		Data:         content,
	}, nil
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked")
}

const selectBlob = `
	SELECT id, resource_id, resource_type, version, data_hash, created_at,
	       inline_content, content_location, supersedes, superseded_by,
	       is_latest, unreadable, tags
	FROM blob_versions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlob(row rowScanner) (*Blob, error) {
	var (
		b          Blob
		createdAt  int64
		isLatest   int
		unreadable int
		tagsJSON   string
	)
	err := row.Scan(&b.ID, &b.ResourceID, &b.ResourceType, &b.Version, &b.DataHash,
		&createdAt, &b.inline, &b.contentLocation, &b.Supersedes, &b.SupersededBy,
		&isLatest, &unreadable, &tagsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: scan: %w", err)
	}
	b.unreadable = unreadable != 0
	b.CreatedAt = time.Unix(0, createdAt).UTC()
	b.IsLatest = isLatest == 1
	if err := json.Unmarshal([]byte(tagsJSON), &b.Tags); err != nil {
		return nil, fmt.Errorf("blobstore: decode tags: %w", err)
	}
	return &b, nil
}

// GetLatest returns the latest readable version of a resource with verified
// content, or nil when none exists.
func (s *Store) GetLatest(ctx context.Context, resourceID, resourceType string) (*Blob, error) {
	blob, err := scanBlob(s.db.QueryRowContext(ctx, selectBlob+`
		WHERE resource_id = ? AND resource_type = ? AND is_latest = 1`,
		resourceID, resourceType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if blob.unreadable {
		return nil, nil
	}
	return s.loadContent(ctx, blob)
}

// GetVersion returns one version by blob id with verified content. Corrupt
// or unreadable versions yield nil.
func (s *Store) GetVersion(ctx context.Context, id string) (*Blob, error) {
	blob, err := scanBlob(s.db.QueryRowContext(ctx, selectBlob+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if blob.unreadable {
		return nil, nil
	}

	loaded, err := s.loadContent(ctx, blob)
	if errors.Is(err, ErrCorrupt) {
		return nil, nil
	}
	return loaded, err
}

// loadContent resolves inline or external content and verifies its hash.
// On mismatch the version is marked unreadable and ErrCorrupt is returned.
func (s *Store) loadContent(ctx context.Context, b *Blob) (*Blob, error) {
	if b.contentLocation == "" {
		b.Data = b.inline
	} else {
		if s.content == nil {
			return nil, errors.New("blobstore: no content store configured")
		}
		data, ok, err := s.content.Get(ctx, b.contentLocation)
		if err != nil {
			return nil, fmt.Errorf("blobstore: external content read: %w", err)
		}
		if !ok {
			s.markUnreadable(ctx, b.ID, "content missing")
			return nil, ErrCorrupt
		}
		b.Data = data
	}

	if HashContent(b.Data) != b.DataHash {
		s.markUnreadable(ctx, b.ID, "hash mismatch")
		return nil, ErrCorrupt
	}
	return b, nil
}

func (s *Store) markUnreadable(ctx context.Context, id, reason string) {
	s.logger.Warn("blobstore: marking version unreadable",
		zap.String("id", id), zap.String("reason", reason))
	if _, err := s.db.ExecContext(ctx, `UPDATE blob_versions SET unreadable = 1 WHERE id = ?`, id); err != nil {
		s.logger.Warn("blobstore: mark unreadable failed", zap.String("id", id), zap.Error(err))
	}
}

// ListVersions returns all versions of a resource, newest first, metadata
// only.
func (s *Store) ListVersions(ctx context.Context, resourceID, resourceType string) ([]*Blob, error) {
	rows, err := s.db.QueryContext(ctx, selectBlob+`
		WHERE resource_id = ? AND resource_type = ? ORDER BY version DESC`,
		resourceID, resourceType)
	if err != nil {
		return nil, fmt.Errorf("blobstore: list: %w", err)
	}
	defer rows.Close()

	var blobs []*Blob
	for rows.Next() {
		blob, err := scanBlob(rows)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, blob)
	}
	return blobs, rows.Err()
}

// Prune keeps the newest keepN versions and deletes the rest. External
// content is removed only when no surviving version references the same
// data hash; deletion failures are logged, not fatal. Returns the number of
// versions deleted.
func (s *Store) Prune(ctx context.Context, resourceID, resourceType string, keepN int) (int, error) {
	if keepN < 1 {
		return 0, errors.New("blobstore: keepN must be >= 1")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, data_hash, content_location FROM blob_versions
		WHERE resource_id = ? AND resource_type = ?
		ORDER BY version DESC`, resourceID, resourceType)
	if err != nil {
		return 0, fmt.Errorf("blobstore: prune query: %w", err)
	}

	type doomedVersion struct {
		id       string
		hash     string
		location string
	}
	var doomed []doomedVersion
	rank := 0
	for rows.Next() {
		var v doomedVersion
		if err := rows.Scan(&v.id, &v.hash, &v.location); err != nil {
			rows.Close()
			return 0, fmt.Errorf("blobstore: prune scan: %w", err)
		}
		if rank >= keepN {
			doomed = append(doomed, v)
		}
		rank++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	deleted := 0
	for _, v := range doomed {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM blob_versions WHERE id = ?`, v.id); err != nil {
			s.logger.Warn("blobstore: prune delete failed", zap.String("id", v.id), zap.Error(err))
			continue
		}
		deleted++

		if v.location == "" {
			continue
		}
		var refs int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM blob_versions WHERE data_hash = ?`, v.hash).Scan(&refs); err != nil {
			s.logger.Warn("blobstore: prune refcount failed", zap.String("hash", v.hash), zap.Error(err))
			continue
		}
		if refs == 0 && s.content != nil {
			if _, err := s.content.Delete(ctx, v.location); err != nil {
				s.logger.Warn("blobstore: external content delete failed",
					zap.String("location", v.location), zap.Error(err))
			}
		}
	}
	return deleted, nil
}
