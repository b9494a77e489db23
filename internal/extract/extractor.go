// Package extract turns uploaded document bytes into searchable text and a content fingerprint.
package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// DefaultMaxBytes caps the size of a single import.
const DefaultMaxBytes = 32 << 20

// Document is the result of parsing one file.
type Document struct {
	Title    string
	Hash     string
	Text     string
	ByteSize int64
}

// Extractor extracts plain text from document files.
type Extractor struct {
	maxBytes int64
}

// NewExtractor returns an Extractor that rejects inputs larger than maxBytes (0 uses DefaultMaxBytes).
func NewExtractor(maxBytes int64) *Extractor {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Extractor{maxBytes: maxBytes}
}

// Supported reports whether files with ext can be parsed. ext includes the leading dot.
func Supported(ext string) bool {
	switch strings.ToLower(ext) {
	case ".pdf", ".docx", ".xlsx", ".odt", ".rtf", ".txt", ".md", ".rst":
		return true
	}
	return false
}

// Fingerprint returns the hex SHA-256 of content.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// TitleFromName derives a display title from a file name.
func TitleFromName(name string) string {
	base := filepath.Base(name)
	title := strings.TrimSuffix(base, filepath.Ext(base))
	if title == "" || title == "." {
		return base
	}
	return title
}

// ParseFile reads and parses the file at path.
func (e *Extractor) ParseFile(path string) (*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return e.Parse(filepath.Base(path), content)
}

// Parse fingerprints content and extracts its text based on the extension of name.
func (e *Extractor) Parse(name string, content []byte) (*Document, error) {
	if int64(len(content)) > e.maxBytes {
		return nil, fmt.Errorf("%s is %d bytes, limit is %d", name, len(content), e.maxBytes)
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !Supported(ext) {
		return nil, fmt.Errorf("unsupported file type %q", ext)
	}
	text, err := ExtractBytes(content, ext)
	if err != nil {
		return nil, err
	}
	return &Document{
		Title:    TitleFromName(name),
		Hash:     Fingerprint(content),
		Text:     text,
		ByteSize: int64(len(content)),
	}, nil
}

// ExtractBytes extracts text from content for the given extension (with leading dot).
func ExtractBytes(content []byte, ext string) (string, error) {
	switch strings.ToLower(ext) {
	case ".pdf":
		return extractPDF(content)
	case ".docx":
		return extractDOCX(content)
	case ".xlsx":
		return extractExcel(content)
	case ".odt", ".rtf":
		return extractRich(content)
	default:
		return extractPlain(content), nil
	}
}

// extractPlain returns content as a string; invalid UTF-8 becomes the replacement character.
func extractPlain(content []byte) string {
	if !utf8.Valid(content) {
		return strings.ToValidUTF8(string(content), "\ufffd")
	}
	return string(content)
}
