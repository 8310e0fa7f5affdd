package staging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ait-lab/filestaging/internal/metastore"
	"github.com/ait-lab/filestaging/internal/model"
	"github.com/ait-lab/filestaging/internal/recordstore"
)

// Repository hides the dual storage layout behind one write-through API:
// every mutation lands in the record store first (the durable source of
// truth), then the metadata mirror. Callers never reconcile the two stores
// themselves.
//
// Mutations on the same file id are serialized with a per-id mutex, so e.g.
// a BeginUpload racing a RemoveFiles on one id resolves to one order instead
// of interleaving across the two stores.
type Repository struct {
	records *recordstore.Store
	meta    *metastore.Store

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// OpenRepository opens both stores at the given paths and wires them into a
// Repository. The returned func releases the record store handle.
func OpenRepository(ctx context.Context, recordPath, metaPath string) (*Repository, func(), error) {
	records, err := recordstore.Open(ctx, recordPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open record store: %w", err)
	}
	meta, err := metastore.Open(metaPath)
	if err != nil {
		records.Close()
		return nil, nil, fmt.Errorf("open metadata store: %w", err)
	}
	return NewRepository(records, meta), func() { records.Close() }, nil
}

// NewRepository wires the two stores together.
func NewRepository(records *recordstore.Store, meta *metastore.Store) *Repository {
	return &Repository{
		records: records,
		meta:    meta,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (r *Repository) lock(id string) func() {
	r.locksMu.Lock()
	mu, ok := r.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[id] = mu
	}
	r.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Insert stores a brand-new record in both stores. A fingerprint collision
// surfaces as recordstore.ErrConstraintViolation and leaves nothing behind.
func (r *Repository) Insert(ctx context.Context, f *model.StagedFile) error {
	unlock := r.lock(f.ID)
	defer unlock()
	if err := r.records.Put(ctx, f); err != nil {
		return err
	}
	if err := r.meta.Save(f); err != nil {
		// Keep the stores consistent: without the mirror entry the record
		// would be invisible to the dashboard.
		_ = r.records.Delete(ctx, f.ID)
		return fmt.Errorf("mirror staged file: %w", err)
	}
	return nil
}

// Get reads the full record, payload included.
func (r *Repository) Get(ctx context.Context, id string) (*model.StagedFile, error) {
	return r.records.Get(ctx, id)
}

// GetByFingerprint reads the record holding the given fingerprint.
func (r *Repository) GetByFingerprint(ctx context.Context, fp string) (*model.StagedFile, error) {
	return r.records.GetByFingerprint(ctx, fp)
}

// GetByBatch reads all records carrying the upload batch id.
func (r *Repository) GetByBatch(ctx context.Context, batchID string) ([]*model.StagedFile, error) {
	return r.records.GetByBatch(ctx, batchID)
}

// Metadata returns the mirrored records without payloads. This is the fast
// path the display layer polls.
func (r *Repository) Metadata() []*model.StagedFile {
	return r.meta.List()
}

// Transition moves id to next if the edge is legal, merges the patch, and
// mirrors the result.
func (r *Repository) Transition(ctx context.Context, id string, next model.Status, patch recordstore.Patch) (*model.StagedFile, error) {
	unlock := r.lock(id)
	defer unlock()
	current, err := r.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransition(next) {
		return nil, fmt.Errorf("illegal status transition %s -> %s for %s", current.Status, next, id)
	}
	updated, err := r.records.UpdateStatus(ctx, id, next, patch)
	if err != nil {
		return nil, err
	}
	if err := r.meta.Save(updated); err != nil {
		return nil, fmt.Errorf("mirror status update: %w", err)
	}
	return updated, nil
}

// Remove deletes the ids from both stores. Idempotent: absent ids succeed.
func (r *Repository) Remove(ctx context.Context, ids []string) error {
	for _, id := range ids {
		unlock := r.lock(id)
		if err := r.records.Delete(ctx, id); err != nil {
			unlock()
			return err
		}
		if err := r.meta.Remove(id); err != nil {
			unlock()
			return fmt.Errorf("remove mirrored file: %w", err)
		}
		unlock()
	}
	return nil
}

// Clear wipes both stores. Maintenance only.
func (r *Repository) Clear(ctx context.Context) error {
	if err := r.records.Clear(ctx); err != nil {
		return err
	}
	return r.meta.Clear()
}

// SweepOrphans removes metadata entries whose backing record or payload is
// gone and returns how many were dropped. Run at startup or on demand.
func (r *Repository) SweepOrphans(ctx context.Context) (int, error) {
	var orphans []string
	for _, m := range r.meta.List() {
		rec, err := r.records.Get(ctx, m.ID)
		if err != nil {
			// Only a confirmed missing record is an orphan. Any other read
			// failure aborts the sweep; deleting on a transient error would
			// destroy a healthy payload.
			if errors.Is(err, recordstore.ErrNotFound) {
				orphans = append(orphans, m.ID)
				continue
			}
			return 0, fmt.Errorf("scan staged file %s: %w", m.ID, err)
		}
		if len(rec.Payload) == 0 {
			orphans = append(orphans, m.ID)
		}
	}
	if len(orphans) == 0 {
		return 0, nil
	}
	if err := r.records.DeleteMany(ctx, orphans); err != nil {
		return 0, err
	}
	if err := r.meta.Remove(orphans...); err != nil {
		return 0, fmt.Errorf("remove orphaned metadata: %w", err)
	}
	return len(orphans), nil
}
