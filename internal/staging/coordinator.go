// Package staging orchestrates the local file-staging lifecycle: accepting
// selected files, persisting them across the record store and metadata
// mirror, driving status transitions, and assembling upload batches for the
// backend.
package staging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ait-lab/filestaging/internal/fingerprint"
	"github.com/ait-lab/filestaging/internal/model"
	"github.com/ait-lab/filestaging/internal/recordstore"
	"github.com/ait-lab/filestaging/internal/refresh"
)

// Uploader sends a staged batch to the backend and returns the server-issued
// upload batch id. Implemented by the backend client; tests substitute fakes.
type Uploader interface {
	UploadFiles(ctx context.Context, items []BatchItem) (string, error)
}

// Candidate is a file the admin selected, before validation.
type Candidate struct {
	Name         string
	MimeType     string
	SizeBytes    int64
	LastModified time.Time
	RelativePath string
	Payload      []byte
}

// StageResult reports the outcome of one staging call. A rejected or
// duplicate file never aborts the rest of the batch.
type StageResult struct {
	Success    bool
	Count      int
	Rejected   int
	Duplicates []string
	Staged     []*model.StagedFile
}

// BatchItem pairs a payload with the metadata the upload endpoint needs.
type BatchItem struct {
	ID       string
	Metadata *model.StagedFile
	Payload  []byte
}

// Coordinator is the single owner of staged-file mutations. The notification
// bridge holds a reference to it directly; nothing reaches it through
// ambient state.
type Coordinator struct {
	repo     *Repository
	uploader Uploader
	hub      *refresh.Hub
}

// NewCoordinator wires the coordinator. hub may be shared with the bridge so
// every mutation lands on the same refresh stream.
func NewCoordinator(repo *Repository, uploader Uploader, hub *refresh.Hub) *Coordinator {
	return &Coordinator{repo: repo, uploader: uploader, hub: hub}
}

// StageFiles validates, fingerprints and persists the candidates with
// status pending. Unsupported types and unreadable PDFs are skipped with a
// log line; files whose fingerprint is already staged are reported as
// duplicates. Neither failure mode aborts the remaining candidates.
func (c *Coordinator) StageFiles(ctx context.Context, candidates []Candidate, identity model.UploaderIdentity) (*StageResult, error) {
	res := &StageResult{Success: true}
	for _, cand := range candidates {
		if !model.TypeAllowed(cand.MimeType) {
			log.Printf("staging: skipping unsupported file type %s (%s)", cand.MimeType, cand.Name)
			res.Rejected++
			continue
		}
		ext := model.ExtensionFor(cand.Name, cand.MimeType)
		if err := probePayload(ext, cand.Payload); err != nil {
			log.Printf("staging: skipping %s: %v", cand.Name, err)
			res.Rejected++
			continue
		}
		fp := fingerprint.Compute(fingerprint.Descriptor{
			Name:         cand.Name,
			SizeBytes:    cand.SizeBytes,
			LastModified: cand.LastModified,
			MimeType:     cand.MimeType,
		})
		now := time.Now().UTC()
		relPath := cand.RelativePath
		if relPath == "" {
			relPath = cand.Name
		}
		staged := &model.StagedFile{
			ID:            uuid.NewString(),
			Name:          cand.Name,
			MimeType:      cand.MimeType,
			FileExtension: ext,
			SizeBytes:     cand.SizeBytes,
			LastModified:  cand.LastModified,
			Fingerprint:   fp,
			Status:        model.StatusPending,
			RelativePath:  relPath,
			Uploader:      identity,
			CreatedAt:     now,
			UpdatedAt:     now,
			Payload:       cand.Payload,
		}
		if err := c.repo.Insert(ctx, staged); err != nil {
			if errors.Is(err, recordstore.ErrConstraintViolation) {
				res.Duplicates = append(res.Duplicates, cand.Name)
				continue
			}
			return nil, fmt.Errorf("stage %s: %w", cand.Name, err)
		}
		res.Staged = append(res.Staged, staged.WithoutPayload())
		res.Count++
	}
	if res.Count > 0 {
		c.publish("stage")
	}
	return res, nil
}

// Files returns every mirrored record, oldest first. This is the fast
// metadata path the dashboard polls; payloads are never attached.
func (c *Coordinator) Files() []*model.StagedFile {
	files := c.repo.Metadata()
	sort.Slice(files, func(i, j int) bool { return files[i].CreatedAt.Before(files[j].CreatedAt) })
	return files
}

// PendingFiles returns mirrored records still in pending.
func (c *Coordinator) PendingFiles() []*model.StagedFile {
	var out []*model.StagedFile
	for _, f := range c.Files() {
		if f.Status == model.StatusPending {
			out = append(out, f)
		}
	}
	return out
}

// GetUploadBatch reads the payload for each id from the record store. Ids
// whose payload is missing are orphans: they are reported, excluded from the
// batch, and do not fail the call.
func (c *Coordinator) GetUploadBatch(ctx context.Context, ids []string) ([]BatchItem, []string, error) {
	var (
		items   []BatchItem
		skipped []string
	)
	for _, id := range ids {
		rec, err := c.repo.Get(ctx, id)
		if err != nil {
			if errors.Is(err, recordstore.ErrNotFound) {
				skipped = append(skipped, id)
				continue
			}
			return nil, nil, err
		}
		if len(rec.Payload) == 0 {
			log.Printf("staging: %s has no payload (%v), excluding from batch", id, recordstore.ErrDataIntegrity)
			skipped = append(skipped, id)
			continue
		}
		items = append(items, BatchItem{ID: id, Metadata: rec.WithoutPayload(), Payload: rec.Payload})
	}
	return items, skipped, nil
}

// BeginUpload marks the ids uploading before any network traffic, so a crash
// mid-flight leaves an accurate (if stale) status behind.
func (c *Coordinator) BeginUpload(ctx context.Context, ids []string) error {
	_, err := c.transitionAll(ctx, ids, model.StatusUploading, recordstore.Patch{})
	return err
}

// ConfirmUpload records the backend's acknowledgment: status uploaded, batch
// id stored, uploadedAt stamped.
func (c *Coordinator) ConfirmUpload(ctx context.Context, ids []string, batchID string) error {
	now := time.Now().UTC()
	_, err := c.transitionAll(ctx, ids, model.StatusUploaded, recordstore.Patch{
		UploadBatchID: &batchID,
		UploadedAt:    &now,
	})
	return err
}

// RollbackUpload returns ids from uploading to pending after a send failure
// so the user can retry. Files are never left stuck in uploading.
func (c *Coordinator) RollbackUpload(ctx context.Context, ids []string) error {
	_, err := c.transitionAll(ctx, ids, model.StatusPending, recordstore.Patch{})
	return err
}

// RetryFiles is the explicit user action resetting failed files to pending.
// The stale batch id and error message are cleared so old push frames cannot
// re-match them and the dashboard stops showing the superseded failure.
func (c *Coordinator) RetryFiles(ctx context.Context, ids []string) error {
	empty := ""
	_, err := c.transitionAll(ctx, ids, model.StatusPending, recordstore.Patch{
		UploadBatchID: &empty,
		ErrorMessage:  &empty,
	})
	if err == nil {
		c.publish("retry")
	}
	return err
}

// Upload drives the full send: read payloads, mark uploading, hand the batch
// to the backend, then confirm or roll back. Returns the server batch id.
func (c *Coordinator) Upload(ctx context.Context, ids []string) (string, error) {
	items, skipped, err := c.GetUploadBatch(ctx, ids)
	if err != nil {
		return "", err
	}
	if len(skipped) > 0 {
		log.Printf("staging: excluded %d file(s) from upload batch: %v", len(skipped), skipped)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("no uploadable files in batch")
	}
	uploadIDs := make([]string, 0, len(items))
	for _, item := range items {
		uploadIDs = append(uploadIDs, item.ID)
	}
	moved, err := c.transitionAll(ctx, uploadIDs, model.StatusUploading, recordstore.Patch{})
	if err != nil {
		// Nothing was sent, so the ids that did transition must not stay
		// stuck in uploading.
		if rbErr := c.RollbackUpload(ctx, moved); rbErr != nil {
			log.Printf("staging: rollback after failed begin: %v", rbErr)
		}
		c.publish("upload-rollback")
		return "", err
	}
	c.publish("upload-begin")
	batchID, err := c.uploader.UploadFiles(ctx, items)
	if err != nil {
		if rbErr := c.RollbackUpload(ctx, uploadIDs); rbErr != nil {
			log.Printf("staging: rollback after failed upload: %v", rbErr)
		}
		c.publish("upload-rollback")
		return "", fmt.Errorf("upload batch: %w", err)
	}
	now := time.Now().UTC()
	confirmed, err := c.transitionAll(ctx, uploadIDs, model.StatusUploaded, recordstore.Patch{
		UploadBatchID: &batchID,
		UploadedAt:    &now,
	})
	if err != nil {
		// Ids that failed to confirm would otherwise sit in uploading
		// forever; return them to pending so the user can retry.
		if rbErr := c.RollbackUpload(ctx, missingFrom(uploadIDs, confirmed)); rbErr != nil {
			log.Printf("staging: rollback after failed confirm: %v", rbErr)
		}
		return "", err
	}
	c.publish("upload-confirm")
	return batchID, nil
}

// MarkTrainedByBatch moves every uploaded record in the batch to trained and
// stamps trainedAt. Driven by the notification bridge on a completion push.
// Returns how many records were updated.
func (c *Coordinator) MarkTrainedByBatch(ctx context.Context, batchID string) (int, error) {
	records, err := c.repo.GetByBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	count := 0
	for _, rec := range records {
		if rec.Status != model.StatusUploaded {
			continue
		}
		if _, err := c.repo.Transition(ctx, rec.ID, model.StatusTrained, recordstore.Patch{TrainedAt: &now}); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		c.publish("trained")
	}
	return count, nil
}

// MarkFailedByBatch moves every uploaded record in the batch to failed and
// stores the error message verbatim for display.
func (c *Coordinator) MarkFailedByBatch(ctx context.Context, batchID, message string) (int, error) {
	records, err := c.repo.GetByBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, rec := range records {
		if rec.Status != model.StatusUploaded {
			continue
		}
		if _, err := c.repo.Transition(ctx, rec.ID, model.StatusFailed, recordstore.Patch{ErrorMessage: &message}); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		c.publish("failed")
	}
	return count, nil
}

// RemoveFiles deletes the ids from both stores. Allowed from any status and
// idempotent; the server copy, if one exists, is untouched.
func (c *Coordinator) RemoveFiles(ctx context.Context, ids []string) error {
	if err := c.repo.Remove(ctx, ids); err != nil {
		return err
	}
	c.publish("remove")
	return nil
}

// SweepOrphans drops metadata entries without a backing payload.
func (c *Coordinator) SweepOrphans(ctx context.Context) (int, error) {
	n, err := c.repo.SweepOrphans(ctx)
	if err == nil && n > 0 {
		log.Printf("staging: swept %d orphaned record(s)", n)
		c.publish("sweep")
	}
	return n, err
}

// Clear wipes all staged files. Explicit maintenance action only.
func (c *Coordinator) Clear(ctx context.Context) error {
	if err := c.repo.Clear(ctx); err != nil {
		return err
	}
	c.publish("clear")
	return nil
}

// Stats summarizes local storage usage for the dashboard.
type Stats struct {
	TotalFiles    int
	PendingFiles  int
	UploadedFiles int
	TotalBytes    int64
	PendingBytes  int64
	TotalSize     string
	PendingSize   string
}

// StorageStats tallies the mirrored records.
func (c *Coordinator) StorageStats() Stats {
	var st Stats
	for _, f := range c.repo.Metadata() {
		st.TotalFiles++
		st.TotalBytes += f.SizeBytes
		switch f.Status {
		case model.StatusPending:
			st.PendingFiles++
			st.PendingBytes += f.SizeBytes
		case model.StatusUploaded:
			st.UploadedFiles++
		}
	}
	st.TotalSize = model.FormatSize(st.TotalBytes)
	st.PendingSize = model.FormatSize(st.PendingBytes)
	return st
}

// transitionAll moves every id to next, collecting failures instead of
// stopping. It reports which ids actually moved so callers can undo a
// partial batch.
func (c *Coordinator) transitionAll(ctx context.Context, ids []string, next model.Status, patch recordstore.Patch) ([]string, error) {
	var (
		moved []string
		errs  []error
	)
	for _, id := range ids {
		if _, err := c.repo.Transition(ctx, id, next, patch); err != nil {
			errs = append(errs, err)
			continue
		}
		moved = append(moved, id)
	}
	return moved, errors.Join(errs...)
}

// missingFrom returns the ids in all that are absent from present.
func missingFrom(all, present []string) []string {
	seen := make(map[string]struct{}, len(present))
	for _, id := range present {
		seen[id] = struct{}{}
	}
	var out []string
	for _, id := range all {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func (c *Coordinator) publish(reason string) {
	if c.hub != nil {
		c.hub.Publish(reason)
	}
}
