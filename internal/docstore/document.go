package docstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("docstore: document not found")
	ErrInvalidDocument = errors.New("docstore: invalid document")
	ErrClosed          = errors.New("docstore: store closed")
)

const (
	DefaultSourceType = "document"
	DefaultListLimit  = 50
	MaxListLimit      = 500
)

var sourceTypes = map[string]struct{}{
	"document":   {},
	"api_spec":   {},
	"code":       {},
	"confluence": {},
	"github":     {},
	"jira":       {},
	"note":       {},
	"other":      {},
}

// Document is one stored piece of documentation content.
type Document struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	ContentHash string         `json:"content_hash"`
	SourceType  string         `json:"source_type"`
	SourceURL   string         `json:"source_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ListOptions pages and filters List results.
type ListOptions struct {
	Limit      int
	Offset     int
	SourceType string
}

func (o ListOptions) normalized() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	o.SourceType = strings.TrimSpace(o.SourceType)
	return o
}

// Stats summarizes stored documents.
type Stats struct {
	Total        int            `json:"total"`
	BySourceType map[string]int `json:"by_source_type"`
}

// HashContent returns the hex sha256 of content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// normalize trims identity fields, applies defaults, and validates.
func (d *Document) normalize() error {
	d.ID = strings.TrimSpace(d.ID)
	d.Title = strings.TrimSpace(d.Title)
	d.SourceURL = strings.TrimSpace(d.SourceURL)
	d.SourceType = strings.ToLower(strings.TrimSpace(d.SourceType))
	if d.SourceType == "" {
		d.SourceType = DefaultSourceType
	}
	if strings.TrimSpace(d.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidDocument)
	}
	if _, ok := sourceTypes[d.SourceType]; !ok {
		return fmt.Errorf("%w: unknown source_type %q", ErrInvalidDocument, d.SourceType)
	}
	d.ContentHash = HashContent(d.Content)
	return nil
}
