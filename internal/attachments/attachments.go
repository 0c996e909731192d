// Package attachments stores uploaded files content-addressed by the first
// 16 hex characters of their SHA-256 digest and extracts their text for
// inclusion in a stage-1 user prompt.
package attachments

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"
)

// ErrUnsupportedType is returned when no extractor recognizes a file.
var ErrUnsupportedType = errors.New("attachments: unsupported file type")

// Attachment is a stored file plus its extracted text.
type Attachment struct {
	ID       string
	Filename string
	Path     string
	Size     int64
	Text     string
}

// Store persists uploaded files under <dataDir>/[users/<user>/]attachments/.
type Store struct {
	rootDir    string
	extractors []Extractor
}

// NewStore returns a Store rooted at dataDir, wired with the default
// extractor set (HTML-to-Markdown via readability, then plain text).
func NewStore(dataDir string) *Store {
	return &Store{
		rootDir: dataDir,
		extractors: []Extractor{
			HTMLExtractor{},
			PlainTextExtractor{},
		},
	}
}

func (s *Store) dir(user string) string {
	if user == "" {
		return filepath.Join(s.rootDir, "attachments")
	}
	return filepath.Join(s.rootDir, "users", user, "attachments")
}

// Save writes data to content-addressed storage and extracts its text. The
// id is stable across identical uploads, so re-uploading the same bytes is
// a no-op write.
func (s *Store) Save(user, filename string, data []byte) (*Attachment, error) {
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])[:16]

	if err := os.MkdirAll(s.dir(user), 0o755); err != nil {
		return nil, fmt.Errorf("attachments: mkdir: %w", err)
	}

	ext := filepath.Ext(filename)
	path := filepath.Join(s.dir(user), id+ext)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("attachments: write: %w", err)
		}
	}

	text, err := s.extract(filename, data)
	if err != nil {
		return nil, err
	}

	return &Attachment{
		ID:       id,
		Filename: filename,
		Path:     path,
		Size:     int64(len(data)),
		Text:     text,
	}, nil
}

func (s *Store) extract(filename string, data []byte) (string, error) {
	for _, e := range s.extractors {
		if e.Supports(filename) {
			return e.Extract(filename, data)
		}
	}
	return "", ErrUnsupportedType
}

// Extractor turns an uploaded file's raw bytes into plain text or Markdown.
type Extractor interface {
	// Supports reports whether this extractor handles filename.
	Supports(filename string) bool
	Extract(filename string, data []byte) (string, error)
}

// PlainTextExtractor passes plain-text and Markdown files through unchanged.
// It is not a catch-all: a file whose extension no extractor claims is
// rejected with ErrUnsupportedType.
type PlainTextExtractor struct{}

// Supports matches .txt, .md, .markdown, .csv, .log and files with no
// extension.
func (PlainTextExtractor) Supports(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".md", ".markdown", ".csv", ".log", "":
		return true
	}
	return false
}

// Extract returns the file's bytes as a UTF-8 string, trimmed.
func (PlainTextExtractor) Extract(filename string, data []byte) (string, error) {
	return strings.TrimSpace(string(data)), nil
}

// HTMLExtractor converts HTML documents to Markdown, preferring the main
// article content extracted by readability over the raw document body.
type HTMLExtractor struct{}

// Supports matches .html and .htm files.
func (HTMLExtractor) Supports(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".html", ".htm":
		return true
	}
	return false
}

// Extract runs readability over the document, then converts whatever
// content results (article or full document) to Markdown.
func (HTMLExtractor) Extract(filename string, data []byte) (string, error) {
	base, _ := url.Parse("about:blank")
	html := string(data)

	body := html
	title := ""
	if art, err := readability.FromReader(strings.NewReader(html), base); err == nil && strings.TrimSpace(art.Content) != "" {
		body = art.Content
		title = strings.TrimSpace(art.Title)
	}

	md, err := htmltomarkdown.ConvertString(body)
	if err != nil {
		return "", fmt.Errorf("attachments: html to markdown: %w", err)
	}
	md = strings.TrimSpace(md)
	if title != "" && !strings.HasPrefix(md, "# ") {
		md = "# " + title + "\n\n" + md
	}
	return md, nil
}

// FormatContext renders a batch of attachments as the "## Attached
// Documents" block prepended to a stage-1 user prompt.
func FormatContext(atts []Attachment) string {
	if len(atts) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Attached Documents\n\n")
	for _, a := range atts {
		fmt.Fprintf(&sb, "### %s\n\n%s\n\n", a.Filename, a.Text)
	}
	return sb.String()
}
