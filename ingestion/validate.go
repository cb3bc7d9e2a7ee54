package ingestion

import (
	"fmt"
	"io"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// ValidatePDF checks that rs holds a readable PDF with at least one page and
// returns the page count. The reader is rewound before returning.
func ValidatePDF(rs io.ReadSeeker) (int, error) {
	count, err := api.PageCount(rs, nil)
	if _, seekErr := rs.Seek(0, io.SeekStart); seekErr != nil && err == nil {
		err = seekErr
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotPDF, err)
	}
	if count == 0 {
		return 0, ErrNoPages
	}
	return count, nil
}
