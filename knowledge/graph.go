// Package knowledge mirrors consolidated loan tables into Neo4j.
package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/hoa-agent/analysis"
	"github.com/fabfab/hoa-agent/ingestion"
)

type Report struct {
	SHA  string
	Path string
}

type Loan struct {
	Institution string
	Amount      string
}

// SyncLoans replaces the loans attached to the report node identified by its
// SHA-256. Institutions are shared between reports.
func SyncLoans(ctx context.Context, driver neo4j.DriverWithContext, report Report, loans []Loan) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}
	if report.SHA == "" {
		return fmt.Errorf("report sha is empty")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	params := map[string]any{
		"sha":  report.SHA,
		"path": report.Path,
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (r:Report {sha256: $sha})
			SET r.path = $path,
			    r.updated_at = datetime()
		`, params); err != nil {
			return nil, fmt.Errorf("upsert report node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (r:Report {sha256: $sha})-[:HAS_LOAN]->(l:Loan)
			DETACH DELETE l
		`, params); err != nil {
			return nil, fmt.Errorf("clear existing loans: %w", err)
		}

		for idx, loan := range NormalizeLoans(loans) {
			if _, err := tx.Run(ctx, `
				MATCH (r:Report {sha256: $sha})
				MERGE (i:Institution {name: $institution})
				CREATE (l:Loan {id: $loan_id, amount: $amount, position: $position})
				MERGE (r)-[:HAS_LOAN {order: $position}]->(l)
				MERGE (l)-[:FROM]->(i)
			`, map[string]any{
				"sha":         report.SHA,
				"institution": loan.Institution,
				"loan_id":     uuid.NewString(),
				"amount":      loan.Amount,
				"position":    idx,
			}); err != nil {
				return nil, fmt.Errorf("upsert loan %d: %w", idx, err)
			}
		}

		return nil, nil
	})

	if err != nil {
		return err
	}

	result, err := session.Run(ctx, `
		MATCH (i:Institution)
		WHERE NOT (i)<-[:FROM]-(:Loan)
		DELETE i
	`, nil)
	if err != nil {
		return fmt.Errorf("remove orphan institutions: %w", err)
	}
	if _, err := result.Consume(ctx); err != nil {
		return fmt.Errorf("remove orphan institutions: %w", err)
	}
	return nil
}

// NormalizeLoans trims fields and drops rows without an institution.
func NormalizeLoans(loans []Loan) []Loan {
	out := make([]Loan, 0, len(loans))
	for _, loan := range loans {
		institution := strings.Join(strings.Fields(loan.Institution), " ")
		if institution == "" {
			continue
		}
		out = append(out, Loan{
			Institution: institution,
			Amount:      strings.TrimSpace(loan.Amount),
		})
	}
	return out
}

// Purge deletes every report, loan and institution node.
func Purge(ctx context.Context, driver neo4j.DriverWithContext) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	queries := []string{
		"MATCH (l:Loan) DETACH DELETE l",
		"MATCH (r:Report) DETACH DELETE r",
		"MATCH (i:Institution) DETACH DELETE i",
	}

	for _, query := range queries {
		result, err := session.Run(ctx, query, nil)
		if err != nil {
			return err
		}
		if _, err := result.Consume(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Graph adapts a Neo4j driver to the analyzer's loan graph hook.
type Graph struct {
	driver neo4j.DriverWithContext
}

func NewGraph(driver neo4j.DriverWithContext) *Graph {
	return &Graph{driver: driver}
}

var _ analysis.LoanGraph = (*Graph)(nil)

func (g *Graph) SyncLoans(ctx context.Context, doc *ingestion.Document, table *analysis.LoanTable) error {
	if doc == nil {
		return fmt.Errorf("sync loans: nil document")
	}
	return SyncLoans(ctx, g.driver, Report{SHA: doc.SHA256, Path: doc.Path}, LoansFromTable(table))
}

// LoansFromTable maps table rows to loans by header position.
func LoansFromTable(table *analysis.LoanTable) []Loan {
	if table == nil {
		return nil
	}
	loans := make([]Loan, 0, len(table.Rows))
	for _, row := range table.Rows {
		var loan Loan
		if len(row) > 0 {
			loan.Institution = row[0]
		}
		if len(row) > 1 {
			loan.Amount = row[1]
		}
		loans = append(loans, loan)
	}
	return loans
}
