package analysis

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fabfab/hoa-agent/ingestion"
)

// PostgresReportStore keeps complete analyses in hoa_reports and
// hoa_report_pages, keyed by the SHA-256 of the PDF.
type PostgresReportStore struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

func NewPostgresReportStore(pool *pgxpool.Pool, logger *log.Logger) *PostgresReportStore {
	if logger == nil {
		logger = log.Default()
	}
	return &PostgresReportStore{pool: pool, logger: logger}
}

var _ ReportStore = (*PostgresReportStore)(nil)

func (s *PostgresReportStore) Load(ctx context.Context, doc *ingestion.Document) (*Result, bool, error) {
	if doc == nil || doc.SHA256 == "" {
		return nil, false, nil
	}

	var (
		reportID    uuid.UUID
		summaryText string
		loanText    string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, summary_text, loan_text
		FROM hoa_reports
		WHERE sha256 = $1
	`, doc.SHA256).Scan(&reportID, &summaryText, &loanText)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query report: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT page_index, summary, loans
		FROM hoa_report_pages
		WHERE report_id = $1
		ORDER BY page_index
	`, reportID)
	if err != nil {
		return nil, false, fmt.Errorf("query report pages: %w", err)
	}
	defer rows.Close()

	res := &Result{
		Document:    doc,
		SummaryText: summaryText,
		LoanText:    loanText,
		Cached:      true,
	}
	for rows.Next() {
		var (
			index   int
			summary string
			loans   *string
		)
		if err := rows.Scan(&index, &summary, &loans); err != nil {
			return nil, false, fmt.Errorf("scan report page: %w", err)
		}
		res.Summaries = append(res.Summaries, PageText{Index: index, Text: summary})
		if loans != nil {
			res.Loans = append(res.Loans, PageText{Index: index, Text: *loans})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate report pages: %w", err)
	}

	return res, true, nil
}

// Save stores res, replacing any report with the same SHA-256. Results with
// failures are not cached.
func (s *PostgresReportStore) Save(ctx context.Context, res *Result) (err error) {
	if res == nil || res.Document == nil || res.Document.SHA256 == "" {
		return fmt.Errorf("save report: missing document hash")
	}
	if len(res.Failures) > 0 {
		return fmt.Errorf("save report: refusing to cache partial result")
	}

	doc := res.Document
	content := make(map[int]string, len(doc.Pages))
	for _, page := range doc.Pages {
		content[page.Index] = page.Text
	}
	loans := make(map[int]string, len(res.Loans))
	for _, entry := range res.Loans {
		loans[entry.Index] = entry.Text
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				s.logger.Printf("rollback error: %v", rbErr)
			}
		}
	}()

	warnings := doc.Warnings
	if warnings == nil {
		warnings = []string{}
	}

	var reportID uuid.UUID
	if err = tx.QueryRow(ctx, `
		INSERT INTO hoa_reports (id, sha256, source_path, summary_text, loan_text, warnings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (sha256) DO UPDATE
		SET source_path = EXCLUDED.source_path,
		    summary_text = EXCLUDED.summary_text,
		    loan_text = EXCLUDED.loan_text,
		    warnings = EXCLUDED.warnings,
		    updated_at = NOW()
		RETURNING id
	`, uuid.New(), doc.SHA256, doc.Path, res.SummaryText, res.LoanText, warnings).Scan(&reportID); err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}

	if _, err = tx.Exec(ctx, "DELETE FROM hoa_report_pages WHERE report_id = $1", reportID); err != nil {
		return fmt.Errorf("clear existing pages: %w", err)
	}

	for _, summary := range res.Summaries {
		var loanText *string
		if text, ok := loans[summary.Index]; ok {
			loanText = &text
		}
		if _, err = tx.Exec(ctx, `
			INSERT INTO hoa_report_pages (report_id, page_index, content, summary, loans)
			VALUES ($1, $2, $3, $4, $5)
		`, reportID, summary.Index, content[summary.Index], summary.Text, loanText); err != nil {
			return fmt.Errorf("insert page %d: %w", summary.Index, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.Printf("cached report %s (%d pages)", doc.Path, len(res.Summaries))
	return nil
}
