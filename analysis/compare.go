package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fabfab/hoa-agent/llm"
	"github.com/fabfab/hoa-agent/prompts"
)

// LoanTableHeader is the header row the comparison prompt asks for.
var LoanTableHeader = []string{"Loan institution", "Loan Amount"}

// ErrNoLoanTable is returned when the comparison completion is neither a
// loan table nor an explicit "no data" answer.
var ErrNoLoanTable = errors.New("completion did not contain a loan table")

type LoanTable struct {
	Header []string
	Rows   [][]string
}

const loanTableSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["table"],
	"properties": {
		"table": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "array",
				"minItems": 2,
				"items": {"type": ["string", "number", "null"]}
			}
		}
	}
}`

var loanTableSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("loan_table.json", strings.NewReader(loanTableSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile("loan_table.json")
})

// Compare asks the model to consolidate a loan report into a LoanTable. A
// nil table with a nil error means the report held no loan data.
func (a *Analyzer) Compare(ctx context.Context, loanText string) (*LoanTable, error) {
	if strings.TrimSpace(loanText) == "" {
		return nil, nil
	}

	prompt, err := prompts.Render(prompts.Comparison, map[string]any{prompts.VarLoanInfo: loanText})
	if err != nil {
		return nil, err
	}

	raw, err := llm.Complete(ctx, a.client, prompt)
	if err != nil {
		return nil, err
	}
	return ParseLoanTable(raw)
}

// ParseLoanTable reads the comparison completion. It accepts an object of
// the form {"table": [[...], ...]}, a bare 2D array, either optionally inside
// a code fence, or None/null for no data.
func ParseLoanTable(raw string) (*LoanTable, error) {
	text := stripFence(strings.TrimSpace(raw))
	if isNone(text) {
		return nil, nil
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return nil, ErrNoLoanTable
	}

	var value any
	dec := json.NewDecoder(strings.NewReader(text[start:]))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoLoanTable, err)
	}
	if value == nil {
		return nil, nil
	}
	if rows, ok := value.([]any); ok {
		value = map[string]any{"table": rows}
	}

	schema, err := loanTableSchema()
	if err != nil {
		return nil, fmt.Errorf("compile loan table schema: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoLoanTable, err)
	}

	rows := value.(map[string]any)["table"].([]any)
	cells := make([][]string, len(rows))
	for i, row := range rows {
		for _, cell := range row.([]any) {
			cells[i] = append(cells[i], cellString(cell))
		}
	}

	if !isHeader(cells[0]) {
		return nil, fmt.Errorf("%w: unexpected header %q", ErrNoLoanTable, cells[0])
	}
	if len(cells) == 1 {
		return nil, nil
	}

	return &LoanTable{
		Header: append([]string(nil), LoanTableHeader...),
		Rows:   cells[1:],
	}, nil
}

func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	body := strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		return text
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

func isNone(text string) bool {
	switch strings.ToLower(strings.Trim(text, " \t\r\n.`\"'")) {
	case "", "none", "null":
		return true
	}
	return false
}

func isHeader(row []string) bool {
	if len(row) != len(LoanTableHeader) {
		return false
	}
	for i, cell := range row {
		if !strings.EqualFold(strings.TrimSpace(cell), LoanTableHeader[i]) {
			return false
		}
	}
	return true
}

func cellString(cell any) string {
	switch v := cell.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
