package api

import (
	"embed"
	"errors"
	"html/template"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/fabfab/hoa-agent/chat"
)

//go:embed templates/index.html
var templateFS embed.FS

//go:embed openapi.yaml
var openAPISpecYAML []byte

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

type pageSegment struct {
	Kind chat.SegmentKind
	HTML template.HTML
	Code string
}

type indexPage struct {
	FileName string
	Question string
	Error    string
	Segments []pageSegment
	History  []chat.Turn
}

// viewSegments marks markup and html segments as trusted; code is rendered
// as escaped text.
func viewSegments(segments []chat.Segment) []pageSegment {
	out := make([]pageSegment, 0, len(segments))
	for _, segment := range segments {
		view := pageSegment{Kind: segment.Kind}
		if segment.Kind == chat.SegmentCode {
			view.Code = segment.Content
		} else {
			view.HTML = template.HTML(segment.Content)
		}
		out = append(out, view)
	}
	return out
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		session, err := s.session(w, r)
		if err != nil {
			s.renderIndex(w, http.StatusInternalServerError, indexPage{Error: err.Error()})
			return
		}
		s.renderIndex(w, http.StatusOK, pageFor(session))
	case http.MethodPost:
		s.handleIndexPost(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleIndexPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, err := s.session(w, r)
	if err != nil {
		s.renderIndex(w, http.StatusInternalServerError, indexPage{Error: err.Error()})
		return
	}

	if err := s.parseForm(w, r); err != nil {
		s.renderIndex(w, http.StatusBadRequest, indexPage{Error: "could not read form: " + err.Error()})
		return
	}

	path, found, err := s.saveUpload(r, session.ID)
	if err != nil {
		page := pageFor(session)
		page.Error = err.Error()
		s.renderIndex(w, statusFor(err), page)
		return
	}
	if found {
		session.PDFPath = path
		if err := s.sessions.Save(ctx, session); err != nil {
			s.logger.Printf("save session %s: %v", session.ID, err)
		}
	}

	if session.PDFPath == "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	question := strings.TrimSpace(r.FormValue("question"))
	page := pageFor(session)
	page.Question = question
	if question == "" {
		page.Error = "question is required"
		s.renderIndex(w, http.StatusBadRequest, page)
		return
	}

	answer, err := s.ask(ctx, session, question)
	if err != nil {
		s.logger.Printf("ask: %v", err)
		page.Error = userMessage(err)
		s.renderIndex(w, statusFor(err), page)
		return
	}

	page.History = session.History.Entries()
	page.Segments = viewSegments(answer.Segments)
	s.renderIndex(w, http.StatusOK, page)
}

func pageFor(session *chat.Session) indexPage {
	page := indexPage{History: session.History.Entries()}
	if session.PDFPath != "" {
		page.FileName = filepath.Base(session.PDFPath)
	}
	return page
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, chat.ErrMaxIterations):
		return "The assistant could not finish its answer. Please try again."
	default:
		return "Could not answer the question: " + err.Error()
	}
}

func (s *Server) renderIndex(w http.ResponseWriter, status int, page indexPage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := indexTemplate.Execute(w, page); err != nil {
		s.logger.Printf("render index: %v", err)
	}
}
