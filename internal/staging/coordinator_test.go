package staging

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ait-lab/filestaging/internal/metastore"
	"github.com/ait-lab/filestaging/internal/model"
	"github.com/ait-lab/filestaging/internal/recordstore"
	"github.com/ait-lab/filestaging/internal/refresh"
)

type fakeUploader struct {
	batchID string
	err     error
	calls   int
	gotIDs  []string
}

func (f *fakeUploader) UploadFiles(_ context.Context, items []BatchItem) (string, error) {
	f.calls++
	f.gotIDs = nil
	for _, item := range items {
		f.gotIDs = append(f.gotIDs, item.ID)
	}
	if f.err != nil {
		return "", f.err
	}
	return f.batchID, nil
}

func newTestCoordinator(t *testing.T, up Uploader) *Coordinator {
	t.Helper()
	dir := t.TempDir()
	records, err := recordstore.Open(context.Background(), filepath.Join(dir, "staging.db"))
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })
	meta, err := metastore.Open(filepath.Join(dir, "pending_files.json"))
	require.NoError(t, err)
	return NewCoordinator(NewRepository(records, meta), up, refresh.NewHub())
}

func textCandidate(name string, mtime time.Time) Candidate {
	return Candidate{
		Name:         name,
		MimeType:     "text/plain",
		SizeBytes:    2048,
		LastModified: mtime,
		Payload:      []byte("hello staging"),
	}
}

var testIdentity = model.UploaderIdentity{Name: "admin", Email: "admin@example.com", UserID: "u1"}

func TestStageFilesRejectsUnsupportedTypeWithoutAborting(t *testing.T) {
	c := newTestCoordinator(t, &fakeUploader{})
	ctx := context.Background()

	res, err := c.StageFiles(ctx, []Candidate{
		{Name: "photo.png", MimeType: "image/png", SizeBytes: 10, LastModified: time.Now(), Payload: []byte("x")},
		textCandidate("notes.txt", time.Now()),
	}, testIdentity)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, res.Count)
	require.Equal(t, 1, res.Rejected)

	files := c.Files()
	require.Len(t, files, 1)
	require.Equal(t, "notes.txt", files[0].Name)
	require.Equal(t, model.StatusPending, files[0].Status)
}

func TestStageFilesRejectsOnlyUnsupported(t *testing.T) {
	c := newTestCoordinator(t, &fakeUploader{})
	res, err := c.StageFiles(context.Background(), []Candidate{
		{Name: "photo.png", MimeType: "image/png", SizeBytes: 10, LastModified: time.Now(), Payload: []byte("x")},
	}, testIdentity)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 0, res.Count)
	require.Equal(t, 1, res.Rejected)
	require.Empty(t, c.Files())
}

func TestStageFilesDeduplicatesByFingerprint(t *testing.T) {
	c := newTestCoordinator(t, &fakeUploader{})
	ctx := context.Background()
	mtime := time.UnixMilli(1700000000000)

	first, err := c.StageFiles(ctx, []Candidate{textCandidate("notes.txt", mtime)}, testIdentity)
	require.NoError(t, err)
	require.Equal(t, 1, first.Count)

	// Same name/size/mtime/type: reported as already staged, not inserted.
	second, err := c.StageFiles(ctx, []Candidate{textCandidate("notes.txt", mtime)}, testIdentity)
	require.NoError(t, err)
	require.Equal(t, 0, second.Count)
	require.Equal(t, []string{"notes.txt"}, second.Duplicates)
	require.Len(t, c.Files(), 1)
}

func TestStageFilesRejectsUnreadablePDF(t *testing.T) {
	c := newTestCoordinator(t, &fakeUploader{})
	res, err := c.StageFiles(context.Background(), []Candidate{{
		Name:         "broken.pdf",
		MimeType:     "application/pdf",
		SizeBytes:    9,
		LastModified: time.Now(),
		Payload:      []byte("not a pdf"),
	}}, testIdentity)
	require.NoError(t, err)
	require.Equal(t, 0, res.Count)
	require.Equal(t, 1, res.Rejected)
}

func TestUploadHappyPath(t *testing.T) {
	up := &fakeUploader{batchID: "b1"}
	c := newTestCoordinator(t, up)
	ctx := context.Background()

	res, err := c.StageFiles(ctx, []Candidate{textCandidate("notes.txt", time.Now())}, testIdentity)
	require.NoError(t, err)
	id := res.Staged[0].ID

	batchID, err := c.Upload(ctx, []string{id})
	require.NoError(t, err)
	require.Equal(t, "b1", batchID)
	require.Equal(t, 1, up.calls)
	require.Equal(t, []string{id}, up.gotIDs)

	got, err := c.repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.StatusUploaded, got.Status)
	require.Equal(t, "b1", got.UploadBatchID)
	require.NotNil(t, got.UploadedAt)
}

func TestUploadRollsBackOnSendFailure(t *testing.T) {
	up := &fakeUploader{err: errors.New("connection reset")}
	c := newTestCoordinator(t, up)
	ctx := context.Background()

	res, err := c.StageFiles(ctx, []Candidate{textCandidate("notes.txt", time.Now())}, testIdentity)
	require.NoError(t, err)
	id := res.Staged[0].ID

	_, err = c.Upload(ctx, []string{id})
	require.Error(t, err)

	// Never left stuck in uploading.
	got, err := c.repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, got.Status)
	require.Empty(t, got.UploadBatchID)
}

func TestUploadRollsBackWhenBatchContainsIneligibleFile(t *testing.T) {
	up := &fakeUploader{batchID: "b1"}
	c := newTestCoordinator(t, up)
	ctx := context.Background()

	res, err := c.StageFiles(ctx, []Candidate{
		textCandidate("a.txt", time.UnixMilli(1)),
		textCandidate("b.txt", time.UnixMilli(2)),
	}, testIdentity)
	require.NoError(t, err)
	idA, idB := res.Staged[0].ID, res.Staged[1].ID

	_, err = c.Upload(ctx, []string{idA})
	require.NoError(t, err)
	require.Equal(t, 1, up.calls)

	// idA is already uploaded, so the second batch cannot begin. Nothing is
	// sent, and idB must come back to pending instead of sitting in
	// uploading.
	_, err = c.Upload(ctx, []string{idA, idB})
	require.Error(t, err)
	require.Equal(t, 1, up.calls)

	gotB, err := c.repo.Get(ctx, idB)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, gotB.Status)
	gotA, err := c.repo.Get(ctx, idA)
	require.NoError(t, err)
	require.Equal(t, model.StatusUploaded, gotA.Status)
}

func TestStatusMonotonicity(t *testing.T) {
	c := newTestCoordinator(t, &fakeUploader{})
	ctx := context.Background()

	res, err := c.StageFiles(ctx, []Candidate{textCandidate("notes.txt", time.Now())}, testIdentity)
	require.NoError(t, err)
	id := res.Staged[0].ID

	// pending -> trained directly is not a legal path.
	_, err = c.MarkTrainedByBatch(ctx, "nonexistent")
	require.NoError(t, err)
	got, err := c.repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, got.Status)

	// Confirm without BeginUpload must be rejected.
	err = c.ConfirmUpload(ctx, []string{id}, "b1")
	require.Error(t, err)
}

func TestEndToEndLifecycle(t *testing.T) {
	up := &fakeUploader{batchID: "b1"}
	c := newTestCoordinator(t, up)
	ctx := context.Background()

	res, err := c.StageFiles(ctx, []Candidate{{
		Name:         "report.pdf",
		MimeType:     "application/pdf",
		SizeBytes:    2048,
		LastModified: time.UnixMilli(1700000000000),
		Payload:      minimalPDF(),
	}}, testIdentity)
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	id := res.Staged[0].ID

	require.NoError(t, c.BeginUpload(ctx, []string{id}))
	got, _ := c.repo.Get(ctx, id)
	require.Equal(t, model.StatusUploading, got.Status)

	require.NoError(t, c.ConfirmUpload(ctx, []string{id}, "b1"))
	got, _ = c.repo.Get(ctx, id)
	require.Equal(t, model.StatusUploaded, got.Status)
	require.Equal(t, model.StatusProcessing, got.Status.Display())

	n, err := c.MarkTrainedByBatch(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got, _ = c.repo.Get(ctx, id)
	require.Equal(t, model.StatusTrained, got.Status)
	require.NotNil(t, got.TrainedAt)
}

func TestRetryAfterFailureClearsStaleFields(t *testing.T) {
	up := &fakeUploader{batchID: "b1"}
	c := newTestCoordinator(t, up)
	ctx := context.Background()

	res, err := c.StageFiles(ctx, []Candidate{textCandidate("notes.txt", time.Now())}, testIdentity)
	require.NoError(t, err)
	id := res.Staged[0].ID

	_, err = c.Upload(ctx, []string{id})
	require.NoError(t, err)
	n, err := c.MarkFailedByBatch(ctx, "b1", "training pipeline exploded")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, _ := c.repo.Get(ctx, id)
	require.Equal(t, model.StatusFailed, got.Status)
	require.Equal(t, "training pipeline exploded", got.ErrorMessage)

	require.NoError(t, c.RetryFiles(ctx, []string{id}))
	got, _ = c.repo.Get(ctx, id)
	require.Equal(t, model.StatusPending, got.Status)
	require.Empty(t, got.UploadBatchID)
	require.Empty(t, got.ErrorMessage)
}

func TestRemoveFilesIdempotent(t *testing.T) {
	c := newTestCoordinator(t, &fakeUploader{})
	ctx := context.Background()

	res, err := c.StageFiles(ctx, []Candidate{textCandidate("notes.txt", time.Now())}, testIdentity)
	require.NoError(t, err)
	id := res.Staged[0].ID

	require.NoError(t, c.RemoveFiles(ctx, []string{id}))
	// Second removal of the same id succeeds with no error.
	require.NoError(t, c.RemoveFiles(ctx, []string{id}))
	require.Empty(t, c.Files())
}

func TestGetUploadBatchSkipsOrphans(t *testing.T) {
	c := newTestCoordinator(t, &fakeUploader{})
	ctx := context.Background()

	res, err := c.StageFiles(ctx, []Candidate{textCandidate("notes.txt", time.Now())}, testIdentity)
	require.NoError(t, err)
	goodID := res.Staged[0].ID

	// A record that lost its payload is excluded from batches, not fatal.
	now := time.Now().UTC()
	orphan := &model.StagedFile{
		ID:           "orphan",
		Name:         "ghost.txt",
		MimeType:     "text/plain",
		Fingerprint:  "fp-ghost",
		Status:       model.StatusPending,
		RelativePath: "ghost.txt",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, c.repo.Insert(ctx, orphan))

	items, skipped, err := c.GetUploadBatch(ctx, []string{goodID, "orphan", "missing"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, goodID, items[0].ID)
	require.ElementsMatch(t, []string{"orphan", "missing"}, skipped)
}

func TestSweepOrphans(t *testing.T) {
	c := newTestCoordinator(t, &fakeUploader{})
	ctx := context.Background()

	_, err := c.StageFiles(ctx, []Candidate{textCandidate("notes.txt", time.Now())}, testIdentity)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, c.repo.Insert(ctx, &model.StagedFile{
		ID: "orphan", Name: "ghost.txt", MimeType: "text/plain",
		Fingerprint: "fp-ghost", Status: model.StatusPending,
		RelativePath: "ghost.txt", CreatedAt: now, UpdatedAt: now,
	}))

	n, err := c.SweepOrphans(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, c.Files(), 1)
}

func TestStorageStats(t *testing.T) {
	up := &fakeUploader{batchID: "b1"}
	c := newTestCoordinator(t, up)
	ctx := context.Background()

	res, err := c.StageFiles(ctx, []Candidate{
		textCandidate("a.txt", time.UnixMilli(1)),
		textCandidate("b.txt", time.UnixMilli(2)),
	}, testIdentity)
	require.NoError(t, err)
	_, err = c.Upload(ctx, []string{res.Staged[0].ID})
	require.NoError(t, err)

	st := c.StorageStats()
	require.Equal(t, 2, st.TotalFiles)
	require.Equal(t, 1, st.PendingFiles)
	require.Equal(t, 1, st.UploadedFiles)
	require.Equal(t, int64(4096), st.TotalBytes)
	require.Equal(t, int64(2048), st.PendingBytes)
	require.Equal(t, "4 KB", st.TotalSize)
	require.Equal(t, "2 KB", st.PendingSize)
}

// minimalPDF is the smallest structure ledongthuc/pdf will open.
func minimalPDF() []byte {
	return []byte("%PDF-1.1\n" +
		"1 0 obj<</Type/Catalog/Pages 2 0 R>>endobj\n" +
		"2 0 obj<</Type/Pages/Kids[3 0 R]/Count 1>>endobj\n" +
		"3 0 obj<</Type/Page/Parent 2 0 R/MediaBox[0 0 612 792]>>endobj\n" +
		"xref\n0 4\n" +
		"0000000000 65535 f \n" +
		"0000000009 00000 n \n" +
		"0000000052 00000 n \n" +
		"0000000101 00000 n \n" +
		"trailer<</Size 4/Root 1 0 R>>\n" +
		"startxref\n164\n%%EOF")
}
