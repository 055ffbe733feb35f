package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// DocumentID identifies a book in the catalog. The backend sends numeric
// ids; the client treats them as opaque strings.
type DocumentID string

func (id *DocumentID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = DocumentID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("document id: %w", err)
	}
	*id = DocumentID(n.String())
	return nil
}

func (id DocumentID) String() string { return string(id) }

// Document is the client's read-only copy of a catalog entry.
type Document struct {
	ID            DocumentID `json:"id"`
	Title         string     `json:"title"`
	Author        string     `json:"author"`
	Category      string     `json:"category"`
	FilePath      string     `json:"file_path"`
	CoverImageURL *string    `json:"cover_image_url,omitempty"`
}

// IsPDF reports whether the stored file is a PDF (otherwise EPUB).
func (d Document) IsPDF() bool {
	return strings.HasSuffix(strings.ToLower(d.FilePath), ".pdf")
}

// Mode selects how the catalog is filtered.
type Mode string

const (
	// ModeExact is server-side substring/field matching with offset pagination.
	ModeExact Mode = "exact"
	// ModeSemantic is a ranked retrieval query answered in a single page.
	ModeSemantic Mode = "semantic"
)

// Filter is the full set of criteria defining a catalog epoch.
type Filter struct {
	Search   string `json:"search,omitempty"`
	Category string `json:"category,omitempty"`
	Author   string `json:"author,omitempty"`
	Mode     Mode   `json:"mode,omitempty"`
}

// Normalize trims the criteria, defaults the mode to exact and drops the
// free-text term when an author is set (author filters take precedence).
func (f Filter) Normalize() Filter {
	f.Search = strings.TrimSpace(f.Search)
	f.Category = strings.TrimSpace(f.Category)
	f.Author = strings.TrimSpace(f.Author)
	if f.Mode == "" {
		f.Mode = ModeExact
	}
	if f.Mode == ModeExact && f.Author != "" {
		f.Search = ""
	}
	return f
}

// ResponseMode is the policy for mixing book content with general knowledge.
type ResponseMode string

const (
	ResponseStrict   ResponseMode = "strict"
	ResponseBalanced ResponseMode = "balanced"
	ResponseOpen     ResponseMode = "open"
)

// Valid reports whether m is one of the known response modes.
func (m ResponseMode) Valid() bool {
	switch m {
	case ResponseStrict, ResponseBalanced, ResponseOpen:
		return true
	}
	return false
}

// StatusReport is the backend's answer to an index status request.
type StatusReport struct {
	Indexed     bool `json:"indexed"`
	VectorCount int  `json:"vector_count"`
}

// QueryRequest is a grounded question about one document.
type QueryRequest struct {
	Query      string       `json:"query" validate:"required"`
	DocumentID DocumentID   `json:"book_id" validate:"required"`
	Mode       ResponseMode `json:"mode" validate:"required,oneof=strict balanced open"`
}

// UpdateFields are the editable attributes of a document.
type UpdateFields struct {
	Title  string `json:"title" validate:"required,max=300"`
	Author string `json:"author" validate:"required,max=200"`
}

// ReindexFailure names a document the backend could not (re)index.
type ReindexFailure struct {
	DocumentID DocumentID `json:"book_id"`
	Error      string     `json:"error"`
}

// ReindexReport summarises a batch (re)index run.
type ReindexReport struct {
	Category  string           `json:"category,omitempty"`
	Processed int              `json:"processed"`
	Failed    []ReindexFailure `json:"failed"`
	Total     int              `json:"total,omitempty"`
	Force     bool             `json:"force"`
}

// EstimateOptions parameterise an embedding estimate. A nil Per1K asks for
// no cost; a zero MaxTokens leaves the chunk size to the backend.
type EstimateOptions struct {
	Per1K     *float64 `validate:"omitempty,gt=0"`
	MaxTokens int      `validate:"omitempty,min=1,max=8192"`
}

// Estimate is the backend's token and chunk count for embedding one
// document, a category or the whole library.
type Estimate struct {
	DocumentID    DocumentID `json:"book_id,omitempty"`
	Category      string     `json:"category,omitempty"`
	Tokens        int        `json:"tokens"`
	Chunks        int        `json:"chunks"`
	Files         int        `json:"files,omitempty"`
	Per1K         *float64   `json:"per1k"`
	EstimatedCost *float64   `json:"estimated_cost"`
}

// Gateway is the stateless contract of the remote library backend.
type Gateway interface {
	ListDocuments(ctx context.Context, filter Filter, offset, limit int) ([]Document, error)
	SemanticSearch(ctx context.Context, query string) ([]Document, error)
	IndexStatus(ctx context.Context, id DocumentID) (StatusReport, error)
	BuildIndex(ctx context.Context, id DocumentID, force bool) error
	GroundedQuery(ctx context.Context, req QueryRequest) (string, error)
	DeleteDocument(ctx context.Context, id DocumentID) error
	UpdateDocument(ctx context.Context, id DocumentID, fields UpdateFields) (Document, error)
	ConvertDocument(ctx context.Context, id DocumentID) (Document, error)
	Categories(ctx context.Context) ([]string, error)
	CountDocuments(ctx context.Context) (int, error)
	ReindexCategory(ctx context.Context, category string, force bool) (ReindexReport, error)
	ReindexAll(ctx context.Context, force bool) (ReindexReport, error)
	// DeleteCategory removes a category together with all of its documents.
	DeleteCategory(ctx context.Context, category string) error
	EstimateDocument(ctx context.Context, id DocumentID, opts EstimateOptions) (Estimate, error)
	EstimateCategory(ctx context.Context, category string, opts EstimateOptions) (Estimate, error)
	EstimateAll(ctx context.Context, opts EstimateOptions) (Estimate, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a struct carrying `validate` tags.
func Validate(v any) error {
	return validate.Struct(v)
}
