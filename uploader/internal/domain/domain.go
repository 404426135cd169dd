package domain

import (
	"errors"
	"time"
)

type Status string

const (
	StatusCreated    Status = "created"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusUploading  Status = "uploading"
	StatusUploaded   Status = "uploaded"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

type Colors struct {
	Primary   string `json:"primary,omitempty"`
	Secondary string `json:"secondary,omitempty"`
}

type Submission struct {
	ID       string `json:"id"`
	RemoteID string `json:"remote_id,omitempty"`

	SeriesID string `json:"series_id,omitempty"`
	Title    string `json:"title,omitempty"`
	Colors   Colors `json:"colors"`
	Folder   string `json:"folder,omitempty"`

	Status             Status `json:"status"`
	ProcessingProgress int    `json:"processing_progress"`
	UploadProgress     int    `json:"upload_progress"`

	ResumeState *ResumeState `json:"resume_state,omitempty"`
	Error       string       `json:"error,omitempty"`

	// set by the creation flow: start uploading once processing finishes
	AutoUpload bool `json:"auto_upload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MediaID is the remote id storage keys and the submission record live under.
func (s Submission) MediaID() string {
	if s.RemoteID != "" {
		return s.RemoteID
	}
	return s.ID
}

func (s Submission) Meta() SubmissionMeta {
	return SubmissionMeta{
		SeriesID: s.SeriesID,
		Title:    s.Title,
		Colors:   s.Colors,
		Folder:   s.Folder,
	}
}

type SubmissionMeta struct {
	SeriesID string `json:"series_id,omitempty"`
	Title    string `json:"title,omitempty"`
	Colors   Colors `json:"colors"`
	Folder   string `json:"folder,omitempty"`
}

const ResumeStateVersion = 2

type ResumeState struct {
	Version      int    `json:"version"`
	ProcessingID string `json:"processing_id"`

	CompletedFiles []string          `json:"completed_files"`
	FileRecords    map[string]string `json:"file_records"`
	FileSizes      map[string]int64  `json:"file_sizes"`

	TotalBytes    int64 `json:"total_bytes"`
	TotalFiles    int   `json:"total_files"`
	UploadedBytes int64 `json:"uploaded_bytes"`

	IdentityID string `json:"identity_id,omitempty"`
	LastError  string `json:"last_error,omitempty"`

	Meta SubmissionMeta `json:"meta"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (r *ResumeState) IsCompleted(path string) bool {
	for _, p := range r.CompletedFiles {
		if p == path {
			return true
		}
	}
	return false
}

func (r *ResumeState) Clone() *ResumeState {
	if r == nil {
		return nil
	}
	c := *r
	c.CompletedFiles = append([]string(nil), r.CompletedFiles...)
	c.FileRecords = make(map[string]string, len(r.FileRecords))
	for k, v := range r.FileRecords {
		c.FileRecords[k] = v
	}
	c.FileSizes = make(map[string]int64, len(r.FileSizes))
	for k, v := range r.FileSizes {
		c.FileSizes[k] = v
	}
	return &c
}

// ProcessingSummary counts per-episode states reported by the processing engine.
type ProcessingSummary struct {
	Done     int `json:"done"`
	Indexing int `json:"indexing"`
	Pending  int `json:"pending"`
	Total    int `json:"total"`
}

type Identity struct {
	ID string
}

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrIdentityUnavailable = errors.New("identity unavailable")
	ErrCredentialsExpired  = errors.New("credentials expired")
	ErrPaused              = errors.New("upload paused")
	ErrAlreadyUploading    = errors.New("submission is already uploading")
	ErrUploadInProgress    = errors.New("another upload is in progress")
	ErrNotUploadable       = errors.New("submission is not ready for upload")
)
