package ingestion

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// Page is the cleaned text of one PDF page. Index is the 1-based physical
// page number in the source document, not the position in Document.Pages:
// skipped pages leave gaps, and report labels and the page_num prompt
// variable use this number.
type Page struct {
	Index int
	Text  string
}

// Document is the extracted form of a PDF file. Pages that yielded no text
// are absent from Pages and described in Warnings; those that failed with an
// error are also listed in Failed.
type Document struct {
	Path     string
	SHA256   string
	Pages    []Page
	Warnings []string
	Failed   []*ExtractionError
}

// Text joins every page into the full document text.
func (d *Document) Text() string {
	if d == nil {
		return ""
	}
	parts := make([]string, len(d.Pages))
	for i, page := range d.Pages {
		parts[i] = page.Text
	}
	return strings.Join(parts, "\n\n")
}

type Extractor interface {
	Extract(ctx context.Context, path string) (*Document, error)
}

type PDFExtractor struct {
	logger *log.Logger
}

func NewPDFExtractor(logger *log.Logger) *PDFExtractor {
	if logger == nil {
		logger = log.Default()
	}
	return &PDFExtractor{logger: logger}
}

// Extract reads the PDF at path page by page. A missing or unreadable file is
// fatal; pages without extractable text are skipped with a warning.
func (e *PDFExtractor) Extract(ctx context.Context, path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &ExtractionError{Path: path, Err: ErrFileNotFound}
		}
		return nil, &ExtractionError{Path: path, Err: fmt.Errorf("read file: %w", err)}
	}

	reader, err := openPDF(data)
	if err != nil {
		return nil, &ExtractionError{Path: path, Err: err}
	}

	hash := sha256.Sum256(data)
	doc := &Document{
		Path:   path,
		SHA256: hex.EncodeToString(hash[:]),
	}

	// NumPage trusts the root /Count; the walk stops at the first index the
	// page tree cannot resolve.
	total := reader.NumPage()
	for idx := 1; idx <= total; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		text, pageErr := pageText(reader, path, idx)
		if errors.Is(pageErr, errPageTreeEnd) {
			warning := fmt.Sprintf("page tree of %s ends after page %d, document claims %d pages", path, idx-1, total)
			e.logger.Printf("warning: %s", warning)
			doc.Warnings = append(doc.Warnings, warning)
			break
		}
		if pageErr != nil || text == "" {
			warning := fmt.Sprintf("could not extract text from page %d in %s", idx, path)
			var extractionErr *ExtractionError
			if errors.As(pageErr, &extractionErr) {
				warning = fmt.Sprintf("%s: %v", warning, extractionErr.Err)
				doc.Failed = append(doc.Failed, extractionErr)
			}
			e.logger.Printf("warning: %s", warning)
			doc.Warnings = append(doc.Warnings, warning)
			continue
		}

		doc.Pages = append(doc.Pages, Page{Index: idx, Text: text})
	}

	return doc, nil
}

// openPDF guards against panics the reader raises on some malformed
// cross-reference tables.
func openPDF(data []byte) (reader *pdf.Reader, err error) {
	defer func() {
		if r := recover(); r != nil {
			reader = nil
			err = fmt.Errorf("%w: %v", ErrNotPDF, r)
		}
	}()

	reader, err = pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPDF, err)
	}
	return reader, nil
}

var errPageTreeEnd = errors.New("page not present in page tree")

// pageText reads one page. Panics raised by the reader on corrupt page
// objects are reported as an *ExtractionError for that page.
func pageText(reader *pdf.Reader, path string, idx int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = &ExtractionError{Path: path, Page: idx, Err: fmt.Errorf("corrupt page object: %v", r)}
		}
	}()

	page := reader.Page(idx)
	if page.V.IsNull() {
		return "", errPageTreeEnd
	}
	raw, err := page.GetPlainText(nil)
	if err != nil {
		return "", &ExtractionError{Path: path, Page: idx, Err: err}
	}
	return Clean(raw), nil
}
