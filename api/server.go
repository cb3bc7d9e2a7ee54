// Package api serves the upload-and-ask web form and the JSON API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fabfab/hoa-agent/analysis"
	"github.com/fabfab/hoa-agent/chat"
	"github.com/fabfab/hoa-agent/config"
	"github.com/fabfab/hoa-agent/ingestion"
	"github.com/fabfab/hoa-agent/llm"
)

const previewLength = 500

// Analyzer is the part of analysis.Analyzer the server needs.
type Analyzer interface {
	Analyze(ctx context.Context, path string) (*analysis.Result, error)
	CompareResult(ctx context.Context, res *analysis.Result) (*analysis.LoanTable, error)
}

// Agent is the part of chat.Service the server needs.
type Agent interface {
	Respond(ctx context.Context, question string, history []chat.Turn, path string) (*chat.Answer, error)
}

var (
	_ Analyzer = (*analysis.Analyzer)(nil)
	_ Agent    = (*chat.Service)(nil)
)

// PDFValidator checks an upload before it is written to disk and returns its
// page count.
type PDFValidator func(io.ReadSeeker) (int, error)

type Option func(*Server)

func WithSessionStore(store chat.SessionStore) Option {
	return func(s *Server) {
		if store != nil {
			s.sessions = store
		}
	}
}

func WithPDFValidator(validate PDFValidator) Option {
	return func(s *Server) {
		if validate != nil {
			s.validate = validate
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server exposes the HTML form and JSON handlers for report analysis and
// conversation.
type Server struct {
	cfg          config.ServerConfig
	historyLimit int

	analyzer Analyzer
	agent    Agent
	sessions chat.SessionStore
	validate PDFValidator

	logger  *log.Logger
	handler http.Handler
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type chatRequest struct {
	Question string `json:"question"`
}

type chatResponse struct {
	Answer   string         `json:"answer"`
	Segments []chat.Segment `json:"segments"`
	History  int            `json:"history"`
}

type analyzeResponse struct {
	Pages      int             `json:"pages"`
	Preview    string          `json:"preview"`
	Summary    string          `json:"summary"`
	Loans      string          `json:"loans"`
	Failures   []failureInfo   `json:"failures"`
	Warnings   []string        `json:"warnings"`
	Cached     bool            `json:"cached"`
	Comparison *comparisonInfo `json:"comparison,omitempty"`
}

type failureInfo struct {
	Page  int    `json:"page"`
	Stage string `json:"stage"`
	Error string `json:"error"`
}

type comparisonInfo struct {
	Header []string   `json:"header"`
	Rows   [][]string `json:"rows"`
}

// New constructs a Server. Sessions default to an in-memory store.
func New(cfg config.Config, analyzer Analyzer, agent Agent, opts ...Option) *Server {
	s := &Server{
		cfg:          cfg.Server,
		historyLimit: cfg.Agent.HistoryLimit,
		analyzer:     analyzer,
		agent:        agent,
		sessions:     chat.NewMemorySessionStore(),
		validate:     ingestion.ValidatePDF,
		logger:       log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/openapi.yaml", s.handleOpenAPI)
	mux.HandleFunc("/v1/analyze", s.handleAnalyze)
	mux.HandleFunc("/v1/chat", s.handleChat)
	mux.HandleFunc("/v1/reset", s.handleReset)
	mux.HandleFunc("/v1/session", s.handleSession)
	return mux
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = s.cfg.Addr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      s.writeTimeout(),
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.logger.Println("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// writeTimeout falls back to 30 minutes when the server was built from a
// config that did not go through config.Load.
func (s *Server) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return 30 * time.Minute
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	w.Header().Set("Content-Type", "text/yaml; charset=utf-8")
	w.Header().Set("Content-Disposition", "inline; filename=\"openapi.yaml\"")
	_, _ = w.Write(openAPISpecYAML)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	ctx := r.Context()
	session, err := s.session(w, r)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	if err := s.parseForm(w, r); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("parse form: %w", err))
		return
	}

	path, found, err := s.saveUpload(r, session.ID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	if !found {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("file is required"))
		return
	}

	session.PDFPath = path
	if err := s.sessions.Save(ctx, session); err != nil {
		s.logger.Printf("save session %s: %v", session.ID, err)
	}

	res, err := s.analyzer.Analyze(ctx, path)
	var partial *analysis.PartialError
	if err != nil && !errors.As(err, &partial) {
		s.writeError(w, statusFor(err), fmt.Errorf("analyze: %w", err))
		return
	}

	resp := analyzeResponse{
		Pages:    len(res.Document.Pages),
		Preview:  analysis.Preview(res.Document, previewLength),
		Summary:  res.SummaryText,
		Loans:    res.LoanText,
		Failures: make([]failureInfo, 0, len(res.Failures)),
		Warnings: append([]string{}, res.Document.Warnings...),
		Cached:   res.Cached,
	}
	for _, failure := range res.Failures {
		resp.Failures = append(resp.Failures, failureInfo{
			Page:  failure.Page,
			Stage: string(failure.Stage),
			Error: failure.Err.Error(),
		})
	}

	if formBool(r.FormValue("compare")) {
		table, err := s.analyzer.CompareResult(ctx, res)
		if err != nil {
			s.writeError(w, statusFor(err), fmt.Errorf("compare: %w", err))
			return
		}
		if table != nil {
			resp.Comparison = &comparisonInfo{Header: table.Header, Rows: table.Rows}
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("question is required"))
		return
	}

	session, err := s.session(w, r)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if session.PDFPath == "" {
		s.writeError(w, http.StatusConflict, chat.ErrNoDocument)
		return
	}

	answer, err := s.ask(r.Context(), session, req.Question)
	if err != nil {
		s.writeError(w, statusFor(err), fmt.Errorf("chat failed: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, chatResponse{
		Answer:   answer.Text(),
		Segments: answer.Segments,
		History:  session.History.Len(),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	session, err := s.session(w, r)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	session.History.Clear()
	if err := s.sessions.Save(r.Context(), session); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("save session: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, messageResponse{Message: "conversation cleared"})
}

// handleSession forgets the caller's session: the stored history, the
// uploaded report and the cookie.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.methodNotAllowed(w, http.MethodDelete)
		return
	}

	session, err := s.session(w, r)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	if err := s.sessions.Delete(r.Context(), session.ID); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("delete session: %w", err))
		return
	}
	s.removeUpload(session.PDFPath)

	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "session deleted"})
}

// removeUpload deletes path when it lives in the upload directory.
func (s *Server) removeUpload(path string) {
	if path == "" || filepath.Dir(filepath.Clean(path)) != filepath.Clean(s.cfg.UploadDir) {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Printf("remove upload %s: %v", path, err)
	}
}

// ask runs the agent with the session history and records the new turn.
func (s *Server) ask(ctx context.Context, session *chat.Session, question string) (*chat.Answer, error) {
	answer, err := s.agent.Respond(ctx, question, session.History.Entries(), session.PDFPath)
	if err != nil {
		return nil, err
	}

	session.History.Add(question, answer.Text())
	if err := s.sessions.Save(ctx, session); err != nil {
		s.logger.Printf("save session %s: %v", session.ID, err)
	}
	return answer, nil
}

// session loads the caller's session, issuing a new cookie when there is
// none or it is not a UUID.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*chat.Session, error) {
	if cookie, err := r.Cookie(s.cfg.SessionCookie); err == nil {
		if id, parseErr := uuid.Parse(cookie.Value); parseErr == nil {
			session, err := s.sessions.Load(r.Context(), id.String())
			if err != nil {
				return nil, fmt.Errorf("load session: %w", err)
			}
			if session != nil {
				return session, nil
			}
			return chat.NewSession(id.String(), s.historyLimit), nil
		}
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return chat.NewSession(id, s.historyLimit), nil
}

func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) error {
	maxBytes := s.cfg.MaxUploadMB << 20
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	err := r.ParseMultipartForm(maxBytes)
	if errors.Is(err, http.ErrNotMultipart) {
		return r.ParseForm()
	}
	return err
}

// saveUpload validates the "file" form field and writes it to the upload
// directory. found is false when no file was sent.
func (s *Server) saveUpload(r *http.Request, sessionID string) (path string, found bool, err error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read upload: %w", err)
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "", false, nil
	}
	if ingestion.DetectFormat(name) != ingestion.FormatPDF {
		return "", false, fmt.Errorf("%w: %s", ingestion.ErrNotPDF, name)
	}

	if _, err := s.validate(file); err != nil {
		return "", false, err
	}

	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return "", false, fmt.Errorf("create upload dir: %w", err)
	}

	path = filepath.Join(s.cfg.UploadDir, sessionID+"_"+name)
	out, err := os.Create(path)
	if err != nil {
		return "", false, fmt.Errorf("create upload file: %w", err)
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close upload file: %w", closeErr)
		}
	}()

	if _, err := io.Copy(out, file); err != nil {
		return "", false, fmt.Errorf("write upload file: %w", err)
	}

	s.logger.Printf("saved upload %s (%d bytes)", path, header.Size)
	return path, true, nil
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed, use %s", strings.Join(allowed, " or ")))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Printf("api error (%d): %v", status, err)
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		completionErr *llm.CompletionError
		extractionErr *ingestion.ExtractionError
	)
	switch {
	case errors.Is(err, ingestion.ErrNotPDF), errors.Is(err, ingestion.ErrNoPages):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ingestion.ErrFileNotFound):
		return http.StatusGone
	case errors.As(err, &extractionErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &completionErr), errors.Is(err, chat.ErrMaxIterations), errors.Is(err, analysis.ErrNoLoanTable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func formBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}
