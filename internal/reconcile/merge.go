// Package reconcile merges locally staged files with the server-confirmed
// listing into one display-ready collection, keyed by fingerprint.
package reconcile

import (
	"strings"
	"time"

	"github.com/ait-lab/filestaging/internal/model"
)

// Source tells the display layer which side an entry came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceServer Source = "server"
)

// DisplayFile is one row of the merged dashboard listing.
type DisplayFile struct {
	ID           string
	Name         string
	Extension    string
	Icon         string
	SizeBytes    int64
	Fingerprint  string
	Status       model.Status
	Source       Source
	Downloadable bool
	Selectable   bool
	UploaderName string
	CreatedAt    time.Time
	ModifiedAt   time.Time
	TrainedAt    *time.Time
	ErrorMessage string
}

// Merge combines local staged files with server-confirmed descriptors.
//
// Local files always win: they represent the most current truth, since the
// server listing may not yet reflect an in-flight upload. A server row whose
// fingerprint matches a local file still awaiting processing confirms that
// training finished, so that entry is promoted to trained in place, keeping
// the local id stable. Server rows with no local counterpart are appended as
// read-only downloadable entries. No fingerprint ever appears twice.
//
// Sort order is the caller's concern.
func Merge(local []*model.StagedFile, server []model.ServerFile) []DisplayFile {
	out := make([]DisplayFile, 0, len(local)+len(server))
	byFingerprint := make(map[string]int)

	for _, f := range local {
		entry := localEntry(f)
		if f.Fingerprint != "" {
			byFingerprint[f.Fingerprint] = len(out)
		}
		out = append(out, entry)
	}

	for _, sf := range server {
		idx, matched := byFingerprint[sf.Hash]
		if !matched {
			out = append(out, serverEntry(sf))
			continue
		}
		// The server listing this file while the local copy still waits on
		// processing means training completed; promote in place.
		if out[idx].Status == model.StatusProcessing && (sf.Status == "" || sf.Status == model.StatusTrained) {
			out[idx].Status = model.StatusTrained
			out[idx].Selectable = false
			if out[idx].TrainedAt == nil {
				now := time.Now().UTC()
				out[idx].TrainedAt = &now
			}
		}
	}
	return out
}

func localEntry(f *model.StagedFile) DisplayFile {
	created := f.CreatedAt
	if f.UploadedAt != nil {
		created = *f.UploadedAt
	}
	status := f.Status.Display()
	return DisplayFile{
		ID:           f.ID,
		Name:         f.Name,
		Extension:    f.FileExtension,
		Icon:         model.IconFor(f.FileExtension),
		SizeBytes:    f.SizeBytes,
		Fingerprint:  f.Fingerprint,
		Status:       status,
		Source:       SourceLocal,
		Downloadable: false,
		Selectable:   status == model.StatusPending || status == model.StatusFailed,
		UploaderName: f.Uploader.Name,
		CreatedAt:    created,
		ModifiedAt:   f.LastModified,
		TrainedAt:    f.TrainedAt,
		ErrorMessage: f.ErrorMessage,
	}
}

func serverEntry(sf model.ServerFile) DisplayFile {
	status := sf.Status
	if status == "" {
		status = model.StatusTrained
	}
	ext := strings.ToLower(sf.Type)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return DisplayFile{
		ID:           sf.ID,
		Name:         sf.Name,
		Extension:    ext,
		Icon:         model.IconFor(ext),
		Fingerprint:  sf.Hash,
		Status:       status,
		Source:       SourceServer,
		Downloadable: true,
		Selectable:   false,
		UploaderName: sf.Admin.Name,
		CreatedAt:    sf.CreatedAt,
		ModifiedAt:   sf.UpdatedAt,
	}
}
