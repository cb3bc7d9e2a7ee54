package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fabfab/hoa-agent/analysis"
	"github.com/fabfab/hoa-agent/chat"
	"github.com/fabfab/hoa-agent/config"
	"github.com/fabfab/hoa-agent/ingestion"
)

const testCookie = "hoa_session"

type stubAnalyzer struct {
	result     *analysis.Result
	err        error
	table      *analysis.LoanTable
	compareErr error

	paths    []string
	compared int
}

func (s *stubAnalyzer) Analyze(ctx context.Context, path string) (*analysis.Result, error) {
	s.paths = append(s.paths, path)
	return s.result, s.err
}

func (s *stubAnalyzer) CompareResult(ctx context.Context, res *analysis.Result) (*analysis.LoanTable, error) {
	s.compared++
	return s.table, s.compareErr
}

var _ Analyzer = (*stubAnalyzer)(nil)

type agentCall struct {
	question string
	history  []chat.Turn
	path     string
}

type stubAgent struct {
	reply string
	err   error
	calls []agentCall
}

func (s *stubAgent) Respond(ctx context.Context, question string, history []chat.Turn, path string) (*chat.Answer, error) {
	s.calls = append(s.calls, agentCall{question: question, history: history, path: path})
	if s.err != nil {
		return nil, s.err
	}
	return &chat.Answer{Chunks: []string{s.reply}, Segments: chat.ParseResponse(s.reply)}, nil
}

var _ Agent = (*stubAgent)(nil)

func acceptAll(io.ReadSeeker) (int, error) { return 1, nil }

func newTestServer(t *testing.T, analyzer Analyzer, agent Agent, opts ...Option) *Server {
	t.Helper()
	cfg := config.Config{
		Agent: config.AgentConfig{HistoryLimit: 5},
		Server: config.ServerConfig{
			UploadDir:     t.TempDir(),
			SessionCookie: testCookie,
			MaxUploadMB:   1,
		},
	}
	opts = append([]Option{
		WithPDFValidator(acceptAll),
		WithLogger(log.New(io.Discard, "", 0)),
	}, opts...)
	return New(cfg, analyzer, agent, opts...)
}

func multipartRequest(t *testing.T, target, fileName string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if fileName != "" {
		part, err := writer.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write([]byte("%PDF-1.4 test")); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("write field %s: %v", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == testCookie {
			return cookie
		}
	}
	t.Fatalf("response did not set %s cookie", testCookie)
	return nil
}

func serve(srv *Server, req *http.Request, cookie *http.Cookie) *httptest.ResponseRecorder {
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestIndexGetRendersForm(t *testing.T) {
	srv := newTestServer(t, &stubAnalyzer{}, &stubAgent{})

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/", nil), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `enctype="multipart/form-data"`) {
		t.Fatalf("expected upload form, got %s", rec.Body.String())
	}
	sessionCookie(t, rec)
}

func TestIndexUnknownPathIsNotFound(t *testing.T) {
	srv := newTestServer(t, &stubAnalyzer{}, &stubAgent{})

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/missing", nil), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestIndexPostWithoutReportRedirects(t *testing.T) {
	agent := &stubAgent{reply: "unused"}
	srv := newTestServer(t, &stubAnalyzer{}, agent)

	req := multipartRequest(t, "/", "", map[string]string{"question": "Any loans?"})
	rec := serve(srv, req, nil)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/" {
		t.Fatalf("expected redirect to /, got %q", loc)
	}
	if len(agent.calls) != 0 {
		t.Fatalf("agent should not be called without a report")
	}
}

func TestIndexPostAnswersAndKeepsHistory(t *testing.T) {
	agent := &stubAgent{reply: "The association has **two** loans."}
	srv := newTestServer(t, &stubAnalyzer{}, agent)

	first := serve(srv, multipartRequest(t, "/", "report.pdf", map[string]string{"question": "How many loans?"}), nil)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}
	if !strings.Contains(first.Body.String(), "<strong>two</strong>") {
		t.Fatalf("expected rendered markdown in page, got %s", first.Body.String())
	}
	cookie := sessionCookie(t, first)

	second := serve(srv, multipartRequest(t, "/", "", map[string]string{"question": "From which bank?"}), cookie)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", second.Code, second.Body.String())
	}

	if len(agent.calls) != 2 {
		t.Fatalf("expected 2 agent calls, got %d", len(agent.calls))
	}
	if !strings.HasSuffix(agent.calls[0].path, "_report.pdf") {
		t.Fatalf("unexpected upload path %q", agent.calls[0].path)
	}
	if agent.calls[1].path != agent.calls[0].path {
		t.Fatalf("expected session to keep report path, got %q", agent.calls[1].path)
	}
	if len(agent.calls[1].history) != 1 || agent.calls[1].history[0].Question != "How many loans?" {
		t.Fatalf("unexpected history on second call: %+v", agent.calls[1].history)
	}
}

func TestIndexPostEmptyQuestion(t *testing.T) {
	agent := &stubAgent{reply: "unused"}
	srv := newTestServer(t, &stubAnalyzer{}, agent)

	rec := serve(srv, multipartRequest(t, "/", "report.pdf", map[string]string{"question": "   "}), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "question is required") {
		t.Fatalf("expected error message in page")
	}
	if len(agent.calls) != 0 {
		t.Fatalf("agent should not be called for an empty question")
	}
}

func TestIndexRendersCodeEscaped(t *testing.T) {
	agent := &stubAgent{reply: "```python\nprint(\"<b>\")\n```"}
	srv := newTestServer(t, &stubAnalyzer{}, agent)

	rec := serve(srv, multipartRequest(t, "/", "report.pdf", map[string]string{"question": "Show code"}), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "print(&#34;&lt;b&gt;&#34;)") {
		t.Fatalf("expected escaped code block, got %s", body)
	}
}

func TestUploadRejectsNonPDF(t *testing.T) {
	srv := newTestServer(t, &stubAnalyzer{}, &stubAgent{})

	rec := serve(srv, multipartRequest(t, "/v1/analyze", "notes.txt", nil), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestUploadRejectsInvalidPDF(t *testing.T) {
	reject := func(io.ReadSeeker) (int, error) {
		return 0, fmt.Errorf("%w: broken xref", ingestion.ErrNotPDF)
	}
	analyzer := &stubAnalyzer{}
	srv := newTestServer(t, analyzer, &stubAgent{}, WithPDFValidator(reject))

	rec := serve(srv, multipartRequest(t, "/v1/analyze", "report.pdf", nil), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if len(analyzer.paths) != 0 {
		t.Fatalf("analyzer should not run on an invalid upload")
	}
}

func TestAnalyzeReturnsPartialResult(t *testing.T) {
	doc := &ingestion.Document{
		Path:  "report.pdf",
		Pages: []ingestion.Page{{Index: 1, Text: "Balance sheet"}, {Index: 2, Text: "Notes"}},
	}
	failure := analysis.PageFailure{Page: 2, Stage: analysis.StageLoans, Err: errors.New("timeout")}
	analyzer := &stubAnalyzer{
		result: &analysis.Result{
			Document:    doc,
			SummaryText: "Page 1 Summary:\nhealthy",
			Failures:    []analysis.PageFailure{failure},
		},
		err: &analysis.PartialError{Failures: []analysis.PageFailure{failure}},
		table: &analysis.LoanTable{
			Header: []string{"Lender", "Amount"},
			Rows:   [][]string{{"Bank A", "100 000"}},
		},
	}
	srv := newTestServer(t, analyzer, &stubAgent{})

	rec := serve(srv, multipartRequest(t, "/v1/analyze", "report.pdf", map[string]string{"compare": "true"}), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp analyzeResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Pages != 2 || resp.Preview != "Balance sheet" {
		t.Fatalf("unexpected pages/preview: %+v", resp)
	}
	if len(resp.Failures) != 1 || resp.Failures[0].Stage != "loans" || resp.Failures[0].Page != 2 {
		t.Fatalf("unexpected failures: %+v", resp.Failures)
	}
	if resp.Comparison == nil || resp.Comparison.Rows[0][0] != "Bank A" {
		t.Fatalf("expected comparison table, got %+v", resp.Comparison)
	}
	if analyzer.compared != 1 {
		t.Fatalf("expected one comparison, got %d", analyzer.compared)
	}
}

func TestAnalyzeFatalError(t *testing.T) {
	analyzer := &stubAnalyzer{err: &ingestion.ExtractionError{Path: "report.pdf", Err: ingestion.ErrNotPDF}}
	srv := newTestServer(t, analyzer, &stubAgent{})

	rec := serve(srv, multipartRequest(t, "/v1/analyze", "report.pdf", nil), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestAnalyzeRequiresFile(t *testing.T) {
	srv := newTestServer(t, &stubAnalyzer{}, &stubAgent{})

	rec := serve(srv, multipartRequest(t, "/v1/analyze", "", nil), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func chatRequestBody(question string) io.Reader {
	body, _ := json.Marshal(chatRequest{Question: question})
	return bytes.NewReader(body)
}

func TestChatWithoutReportConflicts(t *testing.T) {
	srv := newTestServer(t, &stubAnalyzer{}, &stubAgent{reply: "unused"})

	rec := serve(srv, httptest.NewRequest(http.MethodPost, "/v1/chat", chatRequestBody("Any loans?")), nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestChatFlowAndReset(t *testing.T) {
	analyzer := &stubAnalyzer{result: &analysis.Result{Document: &ingestion.Document{}}}
	agent := &stubAgent{reply: "Two loans."}
	srv := newTestServer(t, analyzer, agent)

	upload := serve(srv, multipartRequest(t, "/v1/analyze", "report.pdf", nil), nil)
	if upload.Code != http.StatusOK {
		t.Fatalf("analyze: expected 200, got %d: %s", upload.Code, upload.Body.String())
	}
	cookie := sessionCookie(t, upload)

	for i, want := range []int{1, 2} {
		rec := serve(srv, httptest.NewRequest(http.MethodPost, "/v1/chat", chatRequestBody("Question?")), cookie)
		if rec.Code != http.StatusOK {
			t.Fatalf("chat %d: expected 200, got %d: %s", i, rec.Code, rec.Body.String())
		}
		var resp chatResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode chat response: %v", err)
		}
		if resp.Answer != "Two loans." || resp.History != want {
			t.Fatalf("chat %d: unexpected response %+v", i, resp)
		}
		if len(resp.Segments) != 1 || resp.Segments[0].Kind != chat.SegmentMarkup {
			t.Fatalf("chat %d: unexpected segments %+v", i, resp.Segments)
		}
	}

	reset := serve(srv, httptest.NewRequest(http.MethodPost, "/v1/reset", nil), cookie)
	if reset.Code != http.StatusOK {
		t.Fatalf("reset: expected 200, got %d", reset.Code)
	}

	rec := serve(srv, httptest.NewRequest(http.MethodPost, "/v1/chat", chatRequestBody("Again?")), cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after reset, got %d", rec.Code)
	}
	last := agent.calls[len(agent.calls)-1]
	if len(last.history) != 0 {
		t.Fatalf("expected empty history after reset, got %+v", last.history)
	}
	if last.path == "" {
		t.Fatalf("reset should keep the uploaded report")
	}
}

func TestChatAgentFailure(t *testing.T) {
	agent := &stubAgent{err: chat.ErrMaxIterations}
	srv := newTestServer(t, &stubAnalyzer{result: &analysis.Result{Document: &ingestion.Document{}}}, agent)

	upload := serve(srv, multipartRequest(t, "/v1/analyze", "report.pdf", nil), nil)
	cookie := sessionCookie(t, upload)

	rec := serve(srv, httptest.NewRequest(http.MethodPost, "/v1/chat", chatRequestBody("Question?")), cookie)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestChatRejectsEmptyQuestion(t *testing.T) {
	srv := newTestServer(t, &stubAnalyzer{}, &stubAgent{})

	rec := serve(srv, httptest.NewRequest(http.MethodPost, "/v1/chat", chatRequestBody("  ")), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHealthAndMethodChecks(t *testing.T) {
	srv := newTestServer(t, &stubAnalyzer{}, &stubAgent{})

	health := serve(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil), nil)
	if health.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", health.Code)
	}

	cases := []struct {
		method string
		target string
		allow  string
	}{
		{http.MethodGet, "/v1/chat", http.MethodPost},
		{http.MethodGet, "/v1/analyze", http.MethodPost},
		{http.MethodDelete, "/", "GET, POST"},
		{http.MethodPost, "/healthz", http.MethodGet},
	}
	for _, tc := range cases {
		rec := serve(srv, httptest.NewRequest(tc.method, tc.target, nil), nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s: expected 405, got %d", tc.method, tc.target, rec.Code)
		}
		if got := rec.Header().Get("Allow"); got != tc.allow {
			t.Fatalf("%s %s: expected Allow %q, got %q", tc.method, tc.target, tc.allow, got)
		}
	}
}

func TestOpenAPIServed(t *testing.T) {
	srv := newTestServer(t, &stubAnalyzer{}, &stubAgent{})

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/v1/chat:") {
		t.Fatalf("expected chat path in openapi document")
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", ingestion.ErrNoPages), http.StatusUnprocessableEntity},
		{&ingestion.ExtractionError{Path: "x.pdf", Err: ingestion.ErrFileNotFound}, http.StatusGone},
		{analysis.ErrNoLoanTable, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestDeleteSessionForgetsReport(t *testing.T) {
	analyzer := &stubAnalyzer{result: &analysis.Result{Document: &ingestion.Document{}}}
	srv := newTestServer(t, analyzer, &stubAgent{reply: "ok"})

	upload := serve(srv, multipartRequest(t, "/v1/analyze", "report.pdf", nil), nil)
	if upload.Code != http.StatusOK {
		t.Fatalf("analyze: expected 200, got %d", upload.Code)
	}
	cookie := sessionCookie(t, upload)
	path := analyzer.paths[0]
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected saved upload: %v", err)
	}

	rec := serve(srv, httptest.NewRequest(http.MethodDelete, "/v1/session", nil), cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if expired := sessionCookie(t, rec); expired.MaxAge >= 0 {
		t.Fatalf("expected expired cookie, got %+v", expired)
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected upload to be removed, got %v", err)
	}

	chatRec := serve(srv, httptest.NewRequest(http.MethodPost, "/v1/chat", chatRequestBody("Still there?")), cookie)
	if chatRec.Code != http.StatusConflict {
		t.Fatalf("expected 409 after delete, got %d", chatRec.Code)
	}
}

func TestWriteTimeoutFromConfig(t *testing.T) {
	srv := newTestServer(t, &stubAnalyzer{}, &stubAgent{})
	if got := srv.writeTimeout(); got != 30*time.Minute {
		t.Fatalf("expected 30m fallback, got %s", got)
	}

	cfg := config.Config{Server: config.ServerConfig{WriteTimeout: 2 * time.Hour}}
	if got := New(cfg, &stubAnalyzer{}, &stubAgent{}).writeTimeout(); got != 2*time.Hour {
		t.Fatalf("expected configured timeout, got %s", got)
	}
}
