package recordstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ait-lab/filestaging/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "staging.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testFile(id, fp string) *model.StagedFile {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.StagedFile{
		ID:            id,
		Name:          "report.pdf",
		MimeType:      "application/pdf",
		FileExtension: ".pdf",
		SizeBytes:     2048,
		LastModified:  now.Add(-time.Hour),
		Fingerprint:   fp,
		Status:        model.StatusPending,
		RelativePath:  "report.pdf",
		Uploader:      model.UploaderIdentity{Name: "admin", Email: "admin@example.com", UserID: "u1"},
		CreatedAt:     now,
		UpdatedAt:     now,
		Payload:       []byte("%PDF-1.4 test"),
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := testFile("f1", "fp1")
	require.NoError(t, s.Put(ctx, f))

	got, err := s.Get(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, f.Name, got.Name)
	require.Equal(t, f.Fingerprint, got.Fingerprint)
	require.Equal(t, model.StatusPending, got.Status)
	require.Equal(t, f.Payload, got.Payload)
	require.Equal(t, f.LastModified, got.LastModified)
	require.Nil(t, got.UploadedAt)
}

func TestOpenIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "staging.db")
	ctx := context.Background()

	s1, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s1.Put(ctx, testFile("f1", "fp1")))
	require.NoError(t, s1.Close())

	// Reopening must keep existing rows.
	s2, err := Open(ctx, path)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.Get(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, "f1", got.ID)
}

func TestFingerprintUniqueConstraint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testFile("f1", "fp1")))
	err := s.Put(ctx, testFile("f2", "fp1"))
	require.ErrorIs(t, err, ErrConstraintViolation)

	// Upserting the same id again is not a violation.
	require.NoError(t, s.Put(ctx, testFile("f1", "fp1")))

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestGetByStatusAndBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutMany(ctx, []*model.StagedFile{testFile("f1", "fp1"), testFile("f2", "fp2")}))

	pending, err := s.GetByStatus(ctx, model.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	batch := "b1"
	_, err = s.UpdateStatus(ctx, "f1", model.StatusUploading, Patch{})
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, "f1", model.StatusUploaded, Patch{UploadBatchID: &batch})
	require.NoError(t, err)

	inBatch, err := s.GetByBatch(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, inBatch, 1)
	require.Equal(t, "f1", inBatch[0].ID)

	pending, err = s.GetByStatus(ctx, model.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "f2", pending[0].ID)
}

func TestUpdateStatusPatchAndTimestamps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testFile("f1", "fp1")))
	batch := "b1"
	uploadedAt := time.Now().UTC().Truncate(time.Millisecond)
	got, err := s.UpdateStatus(ctx, "f1", model.StatusUploaded, Patch{
		UploadBatchID: &batch,
		UploadedAt:    &uploadedAt,
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusUploaded, got.Status)
	require.Equal(t, "b1", got.UploadBatchID)
	require.NotNil(t, got.UploadedAt)
	require.Equal(t, uploadedAt, *got.UploadedAt)
	require.False(t, got.UpdatedAt.Before(got.CreatedAt))

	// Patch fields left nil must be preserved on later updates.
	msg := "boom"
	got, err = s.UpdateStatus(ctx, "f1", model.StatusFailed, Patch{ErrorMessage: &msg})
	require.NoError(t, err)
	require.Equal(t, "b1", got.UploadBatchID)
	require.Equal(t, "boom", got.ErrorMessage)
}

func TestUpdateStatusNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.UpdateStatus(context.Background(), "missing", model.StatusUploading, Patch{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testFile("f1", "fp1")))
	require.NoError(t, s.Delete(ctx, "f1"))
	// Second delete of the same id is a success, not an error.
	require.NoError(t, s.Delete(ctx, "f1"))
	require.NoError(t, s.DeleteMany(ctx, []string{"f1", "also-missing"}))

	_, err := s.Get(ctx, "f1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutMany(ctx, []*model.StagedFile{testFile("f1", "fp1"), testFile("f2", "fp2")}))
	require.NoError(t, s.Clear(ctx))
	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}
