// Package recordstore is the durable half of the staging storage layer: one
// row per staged file, payload included, backed by an embedded SQLite
// database so records survive restarts. The fingerprint column carries a
// unique index; name, type and status are indexed for lookups.
package recordstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/ait-lab/filestaging/internal/model"
)

var (
	// ErrStorageUnavailable means the database could not be opened or
	// bootstrapped; callers degrade to "uploads disabled" instead of
	// crashing.
	ErrStorageUnavailable = errors.New("record store unavailable")
	// ErrConstraintViolation means an insert collided with an existing
	// fingerprint; the incoming file is a duplicate.
	ErrConstraintViolation = errors.New("fingerprint already staged")
	// ErrNotFound means the referenced id has no record.
	ErrNotFound = errors.New("staged file not found")
	// ErrDataIntegrity means a record exists without its payload.
	ErrDataIntegrity = errors.New("staged file payload missing")
)

const schema = `
CREATE TABLE IF NOT EXISTS staged_files (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	file_extension TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	last_modified INTEGER NOT NULL,
	fingerprint TEXT NOT NULL,
	status TEXT NOT NULL,
	relative_path TEXT NOT NULL,
	upload_batch_id TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	uploader_name TEXT NOT NULL DEFAULT '',
	uploader_email TEXT NOT NULL DEFAULT '',
	uploader_user_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	uploaded_at INTEGER,
	trained_at INTEGER,
	payload BLOB
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_staged_files_fingerprint ON staged_files(fingerprint);
CREATE INDEX IF NOT EXISTS idx_staged_files_name ON staged_files(name);
CREATE INDEX IF NOT EXISTS idx_staged_files_type ON staged_files(mime_type);
CREATE INDEX IF NOT EXISTS idx_staged_files_status ON staged_files(status);`

const columns = `id, name, mime_type, file_extension, size_bytes, last_modified,
	fingerprint, status, relative_path, upload_batch_id, error_message,
	uploader_name, uploader_email, uploader_user_id,
	created_at, updated_at, uploaded_at, trained_at, payload`

// Store is the durable record store. All methods are safe for concurrent
// use; per-row writes are serialized by SQLite's transaction ordering.
type Store struct {
	db *sql.DB
}

// Open creates (or reopens) the database at path and ensures the schema.
// Idempotent: calling it against an existing database is a no-op beyond
// opening the handle.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", ErrStorageUnavailable, err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrStorageUnavailable, err)
	}
	// SQLite serializes writers; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping database: %v", ErrStorageUnavailable, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ensure schema: %v", ErrStorageUnavailable, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put upserts a record by id. Inserting a new id whose fingerprint already
// belongs to another record fails with ErrConstraintViolation.
func (s *Store) Put(ctx context.Context, f *model.StagedFile) error {
	return s.put(ctx, s.db, f)
}

// PutMany upserts all records in one transaction. On any failure the whole
// batch is rolled back.
func (s *Store) PutMany(ctx context.Context, files []*model.StagedFile) error {
	if len(files) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put batch: %w", err)
	}
	defer tx.Rollback()
	for _, f := range files {
		if err := s.put(ctx, tx, f); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put batch: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) put(ctx context.Context, db execer, f *model.StagedFile) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO staged_files (`+columns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			mime_type=excluded.mime_type,
			file_extension=excluded.file_extension,
			size_bytes=excluded.size_bytes,
			last_modified=excluded.last_modified,
			fingerprint=excluded.fingerprint,
			status=excluded.status,
			relative_path=excluded.relative_path,
			upload_batch_id=excluded.upload_batch_id,
			error_message=excluded.error_message,
			updated_at=excluded.updated_at,
			uploaded_at=excluded.uploaded_at,
			trained_at=excluded.trained_at
	`, f.ID, f.Name, f.MimeType, f.FileExtension, f.SizeBytes, f.LastModified.UnixMilli(),
		f.Fingerprint, string(f.Status), f.RelativePath, f.UploadBatchID, f.ErrorMessage,
		f.Uploader.Name, f.Uploader.Email, f.Uploader.UserID,
		f.CreatedAt.UnixMilli(), f.UpdatedAt.UnixMilli(),
		millisPtr(f.UploadedAt), millisPtr(f.TrainedAt), f.Payload)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrConstraintViolation, f.Name)
		}
		return fmt.Errorf("put staged file: %w", err)
	}
	return nil
}

// Get returns the record for id, payload included.
func (s *Store) Get(ctx context.Context, id string) (*model.StagedFile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM staged_files WHERE id=?`, id)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return f, err
}

// GetByFingerprint returns the record with the given fingerprint, if any.
func (s *Store) GetByFingerprint(ctx context.Context, fp string) (*model.StagedFile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM staged_files WHERE fingerprint=?`, fp)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: fingerprint %s", ErrNotFound, fp)
	}
	return f, err
}

// GetAll returns every record. Order is not guaranteed stable; callers sort.
func (s *Store) GetAll(ctx context.Context) ([]*model.StagedFile, error) {
	return s.query(ctx, `SELECT `+columns+` FROM staged_files`)
}

// GetByStatus returns all records currently in the given status.
func (s *Store) GetByStatus(ctx context.Context, status model.Status) ([]*model.StagedFile, error) {
	return s.query(ctx, `SELECT `+columns+` FROM staged_files WHERE status=?`, string(status))
}

// GetByBatch returns all records carrying the given upload batch id.
func (s *Store) GetByBatch(ctx context.Context, batchID string) ([]*model.StagedFile, error) {
	return s.query(ctx, `SELECT `+columns+` FROM staged_files WHERE upload_batch_id=?`, batchID)
}

// Patch carries the optional fields UpdateStatus may set alongside the
// status itself. Nil fields are left untouched.
type Patch struct {
	UploadBatchID *string
	ErrorMessage  *string
	UploadedAt    *time.Time
	TrainedAt     *time.Time
}

// UpdateStatus sets the status for id, merges the patch and stamps
// updated_at. Fails with ErrNotFound if the id has no record.
func (s *Store) UpdateStatus(ctx context.Context, id string, status model.Status, patch Patch) (*model.StagedFile, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE staged_files
		SET status=?,
			upload_batch_id = COALESCE(?, upload_batch_id),
			error_message = COALESCE(?, error_message),
			uploaded_at = COALESCE(?, uploaded_at),
			trained_at = COALESCE(?, trained_at),
			updated_at=?
		WHERE id=?
	`, string(status), patch.UploadBatchID, patch.ErrorMessage,
		millisPtr(patch.UploadedAt), millisPtr(patch.TrainedAt),
		time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return nil, fmt.Errorf("update staged file: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Get(ctx, id)
}

// Delete removes the record for id. Deleting an absent id succeeds.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM staged_files WHERE id=?`, id); err != nil {
		return fmt.Errorf("delete staged file: %w", err)
	}
	return nil
}

// DeleteMany removes all listed ids in one transaction; absent ids are
// ignored.
func (s *Store) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete batch: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM staged_files WHERE id=?`, id); err != nil {
			return fmt.Errorf("delete staged file: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete batch: %w", err)
	}
	return nil
}

// Clear removes every record. Only invoked by explicit maintenance actions.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM staged_files`); err != nil {
		return fmt.Errorf("clear staged files: %w", err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*model.StagedFile, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query staged files: %w", err)
	}
	defer rows.Close()
	var out []*model.StagedFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate staged files: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*model.StagedFile, error) {
	var (
		f                     model.StagedFile
		status                string
		lastModified          int64
		createdAt, updatedAt  int64
		uploadedAt, trainedAt sql.NullInt64
	)
	err := row.Scan(&f.ID, &f.Name, &f.MimeType, &f.FileExtension, &f.SizeBytes, &lastModified,
		&f.Fingerprint, &status, &f.RelativePath, &f.UploadBatchID, &f.ErrorMessage,
		&f.Uploader.Name, &f.Uploader.Email, &f.Uploader.UserID,
		&createdAt, &updatedAt, &uploadedAt, &trainedAt, &f.Payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan staged file: %w", err)
	}
	f.Status = model.Status(status).Migrate()
	f.LastModified = time.UnixMilli(lastModified).UTC()
	f.CreatedAt = time.UnixMilli(createdAt).UTC()
	f.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if uploadedAt.Valid {
		t := time.UnixMilli(uploadedAt.Int64).UTC()
		f.UploadedAt = &t
	}
	if trainedAt.Valid {
		t := time.UnixMilli(trainedAt.Int64).UTC()
		f.TrainedAt = &t
	}
	return &f, nil
}

func millisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
