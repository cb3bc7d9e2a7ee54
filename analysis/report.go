package analysis

import (
	"fmt"
	"strings"

	"github.com/fabfab/hoa-agent/ingestion"
)

type Stage string

const (
	StageSummary Stage = "summary"
	StageLoans   Stage = "loans"
)

type PageFailure struct {
	Page  int
	Stage Stage
	Err   error
}

func (f PageFailure) String() string {
	return fmt.Sprintf("page %d %s: %v", f.Page, f.Stage, f.Err)
}

// PartialError accompanies a Result in which some pages could not be
// processed.
type PartialError struct {
	Failures []PageFailure
}

func (e *PartialError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, failure := range e.Failures {
		parts[i] = failure.String()
	}
	return fmt.Sprintf("analysis incomplete, %d page(s) failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the per-page causes to errors.Is and errors.As.
func (e *PartialError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, failure := range e.Failures {
		errs[i] = failure.Err
	}
	return errs
}

func SummaryReport(summaries []PageText) string {
	return labelled(summaries, "Summary")
}

func LoanReport(loans []PageText) string {
	return labelled(loans, "Loans")
}

// labelled uses the physical page number, so a report whose page 2 was
// skipped reads "Page 1", "Page 3".
func labelled(entries []PageText, label string) string {
	parts := make([]string, 0, len(entries))
	for _, entry := range entries {
		parts = append(parts, fmt.Sprintf("Page %d %s:\n%s", entry.Index, label, entry.Text))
	}
	return strings.Join(parts, "\n\n")
}

const noTextExtracted = "No text extracted"

// Preview returns up to limit bytes of the first extracted page.
func Preview(doc *ingestion.Document, limit int) string {
	if doc == nil || len(doc.Pages) == 0 {
		return noTextExtracted
	}
	text := doc.Pages[0].Text
	if limit > 0 && len(text) > limit {
		text = text[:limit]
	}
	return text
}
