// Package analysis runs the per-page summary and loan prompts over an annual
// report and assembles the labelled reports.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/fabfab/hoa-agent/ingestion"
	"github.com/fabfab/hoa-agent/llm"
	"github.com/fabfab/hoa-agent/prompts"
)

// PageText is a model response attributed to a physical page.
type PageText struct {
	Index int
	Text  string
}

type Result struct {
	Document *ingestion.Document
	// Summaries holds one entry per page whose summary call succeeded.
	Summaries []PageText
	// Loans holds the pages whose loan extraction was neither blank nor
	// marked as not found.
	Loans    []PageText
	Failures []PageFailure

	SummaryText string
	LoanText    string

	// Cached is set when the result was served from a ReportStore.
	Cached bool
}

// ReportStore caches finished analyses by document SHA-256.
type ReportStore interface {
	Load(ctx context.Context, doc *ingestion.Document) (*Result, bool, error)
	Save(ctx context.Context, res *Result) error
}

// LoanGraph receives consolidated loan tables.
type LoanGraph interface {
	SyncLoans(ctx context.Context, doc *ingestion.Document, table *LoanTable) error
}

type Option func(*Analyzer)

func WithWorkers(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.workers = n
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithStore(store ReportStore) Option {
	return func(a *Analyzer) {
		a.store = store
	}
}

func WithLoanGraph(graph LoanGraph) Option {
	return func(a *Analyzer) {
		a.graph = graph
	}
}

type Analyzer struct {
	extractor ingestion.Extractor
	client    llm.Client
	store     ReportStore
	graph     LoanGraph
	logger    *log.Logger
	workers   int
}

func NewAnalyzer(extractor ingestion.Extractor, client llm.Client, opts ...Option) *Analyzer {
	a := &Analyzer{
		extractor: extractor,
		client:    client,
		logger:    log.Default(),
		workers:   1,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type pageOutcome struct {
	summary    string
	summaryOK  bool
	loans      string
	loansFound bool
	failure    *PageFailure
}

// Analyze extracts the document at path and runs the summary and loan
// prompts for every page. Page-level completion failures do not stop the
// run: the partial result is returned together with a *PartialError.
func (a *Analyzer) Analyze(ctx context.Context, path string) (*Result, error) {
	if a.extractor == nil {
		return nil, fmt.Errorf("analyzer: extractor not configured")
	}

	doc, err := a.extractor.Extract(ctx, path)
	if err != nil {
		return nil, err
	}

	if a.store != nil {
		cached, ok, err := a.store.Load(ctx, doc)
		if err != nil {
			a.logger.Printf("report cache lookup for %s: %v", path, err)
		} else if ok {
			a.logger.Printf("using cached report for %s", path)
			return cached, nil
		}
	}

	outcomes := make([]pageOutcome, len(doc.Pages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, page := range doc.Pages {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcome, err := a.analyzePage(gctx, page)
			if err != nil {
				return err
			}
			outcomes[i] = outcome
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := assemble(doc, outcomes)

	if len(res.Failures) > 0 {
		return res, &PartialError{Failures: res.Failures}
	}

	if a.store != nil {
		if err := a.store.Save(ctx, res); err != nil {
			a.logger.Printf("save report for %s: %v", path, err)
		}
	}

	return res, nil
}

// analyzePage only returns an error when the run as a whole must stop.
func (a *Analyzer) analyzePage(ctx context.Context, page ingestion.Page) (pageOutcome, error) {
	vars := map[string]any{
		prompts.VarPageNum:     page.Index,
		prompts.VarPageContent: page.Text,
	}

	var outcome pageOutcome

	summaryPrompt, err := prompts.Render(prompts.Summary, vars)
	if err != nil {
		return outcome, err
	}
	summary, err := llm.Complete(ctx, a.client, summaryPrompt)
	if err != nil {
		if ctx.Err() != nil {
			return outcome, ctx.Err()
		}
		a.logger.Printf("summarize page %d: %v", page.Index, err)
		outcome.failure = &PageFailure{Page: page.Index, Stage: StageSummary, Err: err}
		return outcome, nil
	}
	outcome.summary = strings.TrimSpace(summary)
	outcome.summaryOK = true

	loansPrompt, err := prompts.Render(prompts.Loans, vars)
	if err != nil {
		return outcome, err
	}
	loans, err := llm.Complete(ctx, a.client, loansPrompt)
	if err != nil {
		if ctx.Err() != nil {
			return outcome, ctx.Err()
		}
		a.logger.Printf("extract loans on page %d: %v", page.Index, err)
		outcome.failure = &PageFailure{Page: page.Index, Stage: StageLoans, Err: err}
		return outcome, nil
	}

	if HasLoanInfo(loans) {
		outcome.loans = strings.TrimSpace(loans)
		outcome.loansFound = true
	}
	return outcome, nil
}

func assemble(doc *ingestion.Document, outcomes []pageOutcome) *Result {
	res := &Result{Document: doc}
	for i, outcome := range outcomes {
		index := doc.Pages[i].Index
		if outcome.summaryOK {
			res.Summaries = append(res.Summaries, PageText{Index: index, Text: outcome.summary})
		}
		if outcome.loansFound {
			res.Loans = append(res.Loans, PageText{Index: index, Text: outcome.loans})
		}
		if outcome.failure != nil {
			res.Failures = append(res.Failures, *outcome.failure)
		}
	}
	res.SummaryText = SummaryReport(res.Summaries)
	res.LoanText = LoanReport(res.Loans)
	return res
}

// HasLoanInfo reports whether a raw loan extraction should enter the loan
// report: it must not carry the not-found marker and must not be blank.
func HasLoanInfo(raw string) bool {
	if strings.Contains(raw, prompts.NotFoundMarker) {
		return false
	}
	return strings.TrimSpace(raw) != ""
}

// CompareResult consolidates the loan report of res into a table and
// mirrors it into the loan graph when one is configured.
func (a *Analyzer) CompareResult(ctx context.Context, res *Result) (*LoanTable, error) {
	if res == nil {
		return nil, errors.New("compare: nil result")
	}

	table, err := a.Compare(ctx, res.LoanText)
	if err != nil {
		return nil, err
	}

	if a.graph != nil && table != nil {
		if err := a.graph.SyncLoans(ctx, res.Document, table); err != nil {
			a.logger.Printf("sync loan graph: %v", err)
		}
	}
	return table, nil
}
