// Package ingestion turns annual report PDFs into cleaned, numbered page text.
package ingestion

import (
	"path/filepath"
	"strings"
)

// DocumentFormat enumerates the upload formats the analyzer recognizes.
type DocumentFormat string

const (
	// FormatUnknown represents an unsupported or undetected format.
	FormatUnknown DocumentFormat = ""
	// FormatPDF represents PDF documents.
	FormatPDF DocumentFormat = "pdf"
)

// DetectFormat infers a document format from the provided path's extension.
func DetectFormat(path string) DocumentFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return FormatPDF
	default:
		return FormatUnknown
	}
}
