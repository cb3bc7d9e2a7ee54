package knowledge

import (
	"context"
	"os"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/hoa-agent/analysis"
)

func TestNormalizeLoans(t *testing.T) {
	loans := NormalizeLoans([]Loan{
		{Institution: "  Swedbank   Hypotek ", Amount: " 1 200 000 "},
		{Institution: "   ", Amount: "500"},
		{Institution: "SEB", Amount: ""},
	})

	if len(loans) != 2 {
		t.Fatalf("expected 2 loans, got %d", len(loans))
	}
	if loans[0].Institution != "Swedbank Hypotek" || loans[0].Amount != "1 200 000" {
		t.Fatalf("unexpected first loan %+v", loans[0])
	}
	if loans[1].Institution != "SEB" {
		t.Fatalf("unexpected second loan %+v", loans[1])
	}
}

func TestLoansFromTable(t *testing.T) {
	if LoansFromTable(nil) != nil {
		t.Fatal("expected nil loans for nil table")
	}

	loans := LoansFromTable(&analysis.LoanTable{
		Header: analysis.LoanTableHeader,
		Rows:   [][]string{{"Bank X", "50000"}, {"SEB"}},
	})
	if len(loans) != 2 || loans[0] != (Loan{Institution: "Bank X", Amount: "50000"}) || loans[1].Amount != "" {
		t.Fatalf("unexpected loans %+v", loans)
	}
}

func TestSyncLoansRequiresDriver(t *testing.T) {
	if err := SyncLoans(context.Background(), nil, Report{SHA: "abc"}, nil); err == nil {
		t.Fatal("expected error for nil driver")
	}
	if err := Purge(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil driver")
	}
}

func TestSyncLoansIntegration(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_DB_INTEGRATION_TESTS=1 to run against Neo4j")
	}

	uri := os.Getenv("NEO4J_URI")
	if uri == "" {
		t.Skip("NEO4J_URI not set")
	}

	ctx := context.Background()
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(os.Getenv("NEO4J_USERNAME"), os.Getenv("NEO4J_PASSWORD"), ""))
	if err != nil {
		t.Fatalf("driver: %v", err)
	}
	defer driver.Close(ctx)

	report := Report{SHA: "integration-test-sha", Path: "report.pdf"}
	loans := []Loan{{Institution: "Swedbank", Amount: "1000000"}, {Institution: "SEB", Amount: "250000"}}
	if err := SyncLoans(ctx, driver, report, loans); err != nil {
		t.Fatalf("sync loans: %v", err)
	}

	result, err := neo4j.ExecuteQuery(ctx, driver, `
		MATCH (:Report {sha256: $sha})-[:HAS_LOAN]->(l:Loan)
		RETURN count(l) AS loans
	`, map[string]any{"sha": report.SHA}, neo4j.EagerResultTransformer)
	if err != nil {
		t.Fatalf("query loans: %v", err)
	}
	count, _ := result.Records[0].Get("loans")
	if count.(int64) != 2 {
		t.Fatalf("expected 2 loans, got %v", count)
	}

	if err := SyncLoans(ctx, driver, report, loans[:1]); err != nil {
		t.Fatalf("resync loans: %v", err)
	}
	orphans, err := neo4j.ExecuteQuery(ctx, driver, `
		MATCH (i:Institution {name: $name})
		RETURN count(i) AS institutions
	`, map[string]any{"name": "SEB"}, neo4j.EagerResultTransformer)
	if err != nil {
		t.Fatalf("query institutions: %v", err)
	}
	remaining, _ := orphans.Records[0].Get("institutions")
	if remaining.(int64) != 0 {
		t.Fatalf("expected orphan institution to be removed, got %v", remaining)
	}

	if _, err := neo4j.ExecuteQuery(ctx, driver, `
		MATCH (r:Report {sha256: $sha}) OPTIONAL MATCH (r)-[:HAS_LOAN]->(l) DETACH DELETE r, l
	`, map[string]any{"sha": report.SHA}, neo4j.EagerResultTransformer); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}
