package screens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/careprep/careprep-go/api"
)

// MaxUploadBytes bounds a single upload.
const MaxUploadBytes = 10 << 20

// AllowedExtensions are the uploadable file types.
var AllowedExtensions = []string{"pdf", "jpg", "jpeg", "png", "csv", "xlsx", "xls"}

// ErrInvalidFile is returned when an upload fails local validation.
var ErrInvalidFile = errors.New("screens: invalid file")

// Document is an uploaded document.
type Document struct {
	ID            string    `json:"id"`
	FileName      string    `json:"fileName"`
	FileType      string    `json:"fileType"`
	Size          int64     `json:"size"`
	ProcessedText string    `json:"processedText,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Processed reports whether the document has been summarized.
func (d Document) Processed() bool { return d.ProcessedText != "" }

// Kind groups the file type for display: pdf, image, spreadsheet or file.
func (d Document) Kind() string {
	switch t := d.FileType; {
	case strings.Contains(t, "pdf"):
		return "pdf"
	case strings.Contains(t, "image"):
		return "image"
	case strings.Contains(t, "csv"), strings.Contains(t, "excel"), strings.Contains(t, "spreadsheet"):
		return "spreadsheet"
	default:
		return "file"
	}
}

// ValidateFile returns the message explaining why name/size cannot be
// uploaded, or "".
func ValidateFile(name string, size int64) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if !slices.Contains(AllowedExtensions, ext) {
		return "Invalid file type. Allowed: " + strings.Join(AllowedExtensions, ", ")
	}
	if size > MaxUploadBytes {
		return "File size exceeds 10MB limit"
	}
	return ""
}

// ProcessedDocument is a document together with its visit summary.
type ProcessedDocument struct {
	Document Document     `json:"document"`
	Summary  VisitSummary `json:"summary"`
}

// Documents is the upload-notes screen.
type Documents struct {
	base

	List []Document
}

func NewDocuments(client *api.Client, d *api.Dispatcher, opts ...Option) *Documents {
	return &Documents{base: newBase("documents", client, d, opts)}
}

// Load fetches the document list. On failure the previous list is kept.
func (s *Documents) Load(ctx context.Context) error {
	ctx = s.ctx(ctx)
	raw, err := s.api.Documents().List(ctx)
	if err != nil {
		return s.fail(ctx, err, "Failed to load documents")
	}
	var list []Document
	if err := decodeField(raw, "documents", &list); err != nil {
		return s.fail(ctx, err, "Failed to load documents")
	}
	s.List = list
	return nil
}

// Upload validates and uploads one file, then reloads the list.
func (s *Documents) Upload(ctx context.Context, name string, size int64, r io.Reader) error {
	ctx = s.ctx(ctx)
	if msg := ValidateFile(name, size); msg != "" {
		s.Banner.Error = msg
		return ErrInvalidFile
	}
	s.Banner.reset()
	if _, err := s.api.Documents().Upload(ctx, filepath.Base(name), r); err != nil {
		return s.fail(ctx, err, "Failed to upload file. Please try again.")
	}
	s.Banner.Success = fmt.Sprintf("\"%s\" uploaded successfully!", filepath.Base(name))
	return s.Load(ctx)
}

// Process summarizes a document, then reloads the list.
func (s *Documents) Process(ctx context.Context, id string) error {
	ctx = s.ctx(ctx)
	s.Banner.Error = ""
	if _, err := s.api.AI().Summarize(ctx, id); err != nil {
		return s.fail(ctx, err, "Failed to process document. Please try again.")
	}
	s.Banner.Success = "Document processed successfully!"
	return s.Load(ctx)
}

func (s *Documents) Delete(ctx context.Context, id string) error {
	ctx = s.ctx(ctx)
	if _, err := s.api.Documents().Delete(ctx, id); err != nil {
		return s.fail(ctx, err, "Failed to delete document")
	}
	return s.Load(ctx)
}

// Processed fetches the summarized view of a document.
func (s *Documents) Processed(ctx context.Context, id string) (*ProcessedDocument, error) {
	ctx = s.ctx(ctx)
	raw, err := s.api.Documents().Processed(ctx, id)
	if err != nil {
		return nil, s.fail(ctx, err, "Failed to load processed document")
	}
	var out ProcessedDocument
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, s.fail(ctx, err, "Failed to load processed document")
	}
	return &out, nil
}
