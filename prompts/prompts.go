// Package prompts holds the fixed prompt templates sent to the completion
// service and renders them with named variables.
package prompts

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/template"
)

// Name identifies one of the fixed templates.
type Name string

const (
	Summary    Name = "summary"
	Loans      Name = "loans"
	Comparison Name = "comparison"
	QA         Name = "qa"
	System     Name = "system"
)

// Variable names used by the templates.
const (
	VarPageNum     = "page_num"
	VarPageContent = "page_content"
	VarLoanInfo    = "loan_info"
	VarPDFContent  = "pdf_content"
	VarHistory     = "history"
	VarQuestion    = "question"
)

// NotFoundMarker is the token the loans template asks the model to return
// when a page has no loan information.
const NotFoundMarker = "5&NOTFOUND"

type definition struct {
	required []string
	text     string
	tmpl     *template.Template
}

var registry = map[Name]*definition{
	Summary: {
		required: []string{VarPageNum, VarPageContent},
		text:     summaryTemplate,
	},
	Loans: {
		required: []string{VarPageNum, VarPageContent},
		text:     loansTemplate,
	},
	Comparison: {
		required: []string{VarLoanInfo},
		text:     comparisonTemplate,
	},
	QA: {
		required: []string{VarPDFContent, VarHistory, VarQuestion},
		text:     qaTemplate,
	},
	System: {
		text: systemTemplate,
	},
}

func init() {
	for name, def := range registry {
		def.tmpl = template.Must(template.New(string(name)).Option("missingkey=error").Parse(def.text))
	}
}

// TemplateError reports a render call that did not supply every variable the
// template requires, or named a template that does not exist.
type TemplateError struct {
	Template Name
	Missing  []string
	Err      error
}

func (e *TemplateError) Error() string {
	switch {
	case len(e.Missing) > 0:
		return fmt.Sprintf("template %q: missing variables %s", e.Template, strings.Join(e.Missing, ", "))
	case e.Err != nil:
		return fmt.Sprintf("template %q: %v", e.Template, e.Err)
	default:
		return fmt.Sprintf("template %q: render failed", e.Template)
	}
}

func (e *TemplateError) Unwrap() error {
	return e.Err
}

// Names returns every registered template name in sorted order.
func Names() []Name {
	names := make([]Name, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Required returns the variables a template must be rendered with.
func Required(name Name) ([]string, bool) {
	def, ok := registry[name]
	if !ok {
		return nil, false
	}
	return append([]string(nil), def.required...), true
}

// Text returns the raw template source.
func Text(name Name) (string, bool) {
	def, ok := registry[name]
	if !ok {
		return "", false
	}
	return def.text, true
}

// Render substitutes vars into the named template. Every required variable
// must be present and non-nil.
func Render(name Name, vars map[string]any) (string, error) {
	def, ok := registry[name]
	if !ok {
		return "", &TemplateError{Template: name, Err: fmt.Errorf("unknown template")}
	}

	var missing []string
	for _, key := range def.required {
		if value, ok := vars[key]; !ok || value == nil {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return "", &TemplateError{Template: name, Missing: missing}
	}

	if vars == nil {
		vars = map[string]any{}
	}

	var sb strings.Builder
	if err := def.tmpl.Execute(&sb, vars); err != nil {
		return "", &TemplateError{Template: name, Err: err}
	}
	return sb.String(), nil
}

// MustRender is Render for templates whose variables are fixed at the call
// site. It panics on a TemplateError.
func MustRender(name Name, vars map[string]any) string {
	out, err := Render(name, vars)
	if err != nil {
		panic(err)
	}
	return out
}

var variablePattern = regexp.MustCompile(`\{\{\s*\.([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Variables extracts the variable names referenced by a template string,
// sorted and without duplicates.
func Variables(text string) []string {
	seen := make(map[string]bool)
	var vars []string
	for _, match := range variablePattern.FindAllStringSubmatch(text, -1) {
		if !seen[match[1]] {
			seen[match[1]] = true
			vars = append(vars, match[1])
		}
	}
	sort.Strings(vars)
	return vars
}
