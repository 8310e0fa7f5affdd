// Package model contains the staged-file record and its status lifecycle,
// shared across the storage and coordination packages.
package model

import "time"

// Status describes where a staged file sits in its local lifecycle. Declaring
// a named string type keeps comparisons typed instead of ad hoc strings.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusUploaded  Status = "uploaded"
	StatusTrained   Status = "trained"
	StatusFailed    Status = "failed"

	// StatusProcessing is a display-only alias: while a file is "uploaded"
	// the backend is working on it, and the dashboard renders it as
	// processing. It is never persisted.
	StatusProcessing Status = "processing"

	// statusLegacyUntrained appeared in old metadata snapshots and is
	// migrated to pending on load.
	statusLegacyUntrained Status = "untrained"
)

// transitions is the closed set of legal forward edges. Rollback from
// uploading and retry from failed are the only backward edges.
var transitions = map[Status][]Status{
	StatusPending:   {StatusUploading},
	StatusUploading: {StatusUploaded, StatusPending, StatusFailed},
	StatusUploaded:  {StatusTrained, StatusFailed},
	StatusTrained:   {},
	StatusFailed:    {StatusPending},
}

// Valid reports whether s is a persistable status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Display maps the persisted status to what the dashboard shows. Uploaded
// files are awaiting server-side processing, so they render as processing.
func (s Status) Display() Status {
	if s == StatusUploaded {
		return StatusProcessing
	}
	return s
}

// Migrate maps retired status names from old snapshots onto current ones.
func (s Status) Migrate() Status {
	if s == statusLegacyUntrained {
		return StatusPending
	}
	return s
}

// UploaderIdentity is a snapshot of the acting admin taken at staging time.
type UploaderIdentity struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	UserID string `json:"userId"`
}

// StagedFile is a file selected by the admin but not yet confirmed trained.
// Payload lives only in the record store; the metadata mirror always carries
// it as nil.
type StagedFile struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	MimeType      string           `json:"mimeType"`
	FileExtension string           `json:"fileExtension"`
	SizeBytes     int64            `json:"sizeBytes"`
	LastModified  time.Time        `json:"lastModified"`
	Fingerprint   string           `json:"fingerprint"`
	Status        Status           `json:"status"`
	RelativePath  string           `json:"relativePath"`
	UploadBatchID string           `json:"uploadBatchId,omitempty"`
	ErrorMessage  string           `json:"errorMessage,omitempty"`
	Uploader      UploaderIdentity `json:"uploader"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	UploadedAt    *time.Time       `json:"uploadedAt,omitempty"`
	TrainedAt     *time.Time       `json:"trainedAt,omitempty"`
	Payload       []byte           `json:"-"`
}

// WithoutPayload returns a copy safe to hand to the metadata mirror.
func (f *StagedFile) WithoutPayload() *StagedFile {
	c := *f
	c.Payload = nil
	return &c
}

// ServerFile is a server-confirmed descriptor from GET /admin/file/.
type ServerFile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Hash      string    `json:"hash"`
	Status    Status    `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Admin     struct {
		Name string `json:"name"`
	} `json:"admin"`
}
