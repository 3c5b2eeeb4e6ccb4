// Package server exposes subjects, analyses and review commands over HTTP.
package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/reviewflow/internal/database"
	"github.com/TobiSchelling/reviewflow/internal/pipeline"
	"github.com/TobiSchelling/reviewflow/internal/review"
)

//go:embed templates/*.html
var templateFS embed.FS

var md = goldmark.New()

// CallerHeader carries the id of the user issuing a command.
const CallerHeader = "X-User-ID"

// Store is the read side the server needs.
type Store interface {
	GetSubject(ctx context.Context, id int64) (*review.Subject, error)
	ListSubjects(ctx context.Context, f database.SubjectFilter) ([]review.Subject, error)
	GetAnalysis(ctx context.Context, id string) (*review.AnalysisRecord, error)
	ListAnalyses(ctx context.Context, subjectID int64) ([]review.AnalysisRecord, error)
}

// Commands is the write side, normally a *pipeline.Coordinator.
type Commands interface {
	Submit(ctx context.Context, cmd pipeline.SubmitCommand) (*review.Subject, error)
	HumanDecision(ctx context.Context, cmd pipeline.DecisionCommand) (*review.Subject, error)
}

// Server is the HTTP API.
type Server struct {
	store    Store
	commands Commands
	events   Events
	pages    map[string]*template.Template
	mux      *http.ServeMux
	logger   *slog.Logger
}

// New creates a new Server.
func New(store Store, commands Commands, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	funcMap := template.FuncMap{
		"markdown":     renderMarkdown,
		"formatPeriod": database.FormatPeriodDisplay,
		"percent":      func(f float64) string { return fmt.Sprintf("%.0f%%", f*100) },
		"date":         func(t time.Time) string { return t.Local().Format("2006-01-02 15:04") },
		"verdict":      verdict,
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of base so {{define "content"}} does not collide.
	pageNames := []string{"index.html", "analysis.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{
		store:    store,
		commands: commands,
		pages:    pages,
		mux:      http.NewServeMux(),
		logger:   logger.With("component", "server"),
	}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /subjects", s.handleListSubjects)
	s.mux.HandleFunc("GET /subjects/{id}", s.handleGetSubject)
	s.mux.HandleFunc("GET /subjects/{id}/analyses", s.handleListAnalyses)
	s.mux.HandleFunc("GET /analyses/{id}/view", s.handleAnalysisView)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("POST /subjects/{id}/submit", s.handleSubmit)
	s.mux.HandleFunc("POST /subjects/{id}/approve", s.handleDecision(pipeline.VerbApprove))
	s.mux.HandleFunc("POST /subjects/{id}/reject", s.handleDecision(pipeline.VerbReject))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	subjects, err := s.store.ListSubjects(r.Context(), database.SubjectFilter{Limit: 100})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.render(w, "index.html", map[string]any{"Subjects": subjects})
}

func (s *Server) handleListSubjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := database.SubjectFilter{OwnerID: q.Get("owner"), Limit: 100}
	if v := q.Get("kind"); v != "" {
		k, err := review.ParseKind(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		f.Kind = k
	}
	if v := q.Get("status"); v != "" {
		st, err := review.ParseStatus(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		f.Status = st
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		f.Limit = n
	}

	subjects, err := s.store.ListSubjects(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]subjectView, len(subjects))
	for i := range subjects {
		out[i] = newSubjectView(&subjects[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSubject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	subject, err := s.store.GetSubject(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(subject.Version, 10)))
	writeJSON(w, http.StatusOK, newSubjectView(subject))
}

func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetSubject(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	records, err := s.store.ListAnalyses(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]analysisView, len(records))
	for i := range records {
		out[i] = newAnalysisView(&records[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAnalysisView(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetAnalysis(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeHTMLError(w, r, err)
		return
	}
	subject, err := s.store.GetSubject(r.Context(), rec.SubjectID)
	if err != nil {
		s.writeHTMLError(w, r, err)
		return
	}
	s.render(w, "analysis.html", map[string]any{
		"Subject":  subject,
		"Analysis": rec,
	})
}

// commandBody is the JSON body of POST commands. Commands must name the
// state they act on with expectedVersion, expectedStatus or If-Match.
type commandBody struct {
	ExpectedVersion int64         `json:"expectedVersion,omitempty"`
	ExpectedStatus  review.Status `json:"expectedStatus,omitempty"`
	Reason          string        `json:"reason,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	body, ok := readCommand(w, r)
	if !ok {
		return
	}
	subject, err := s.commands.Submit(r.Context(), pipeline.SubmitCommand{
		SubjectID:       id,
		CallerID:        r.Header.Get(CallerHeader),
		ExpectedVersion: body.ExpectedVersion,
		ExpectedStatus:  body.ExpectedStatus,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newSubjectView(subject))
}

func (s *Server) handleDecision(verb pipeline.Verb) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		body, ok := readCommand(w, r)
		if !ok {
			return
		}
		subject, err := s.commands.HumanDecision(r.Context(), pipeline.DecisionCommand{
			SubjectID:       id,
			CallerID:        r.Header.Get(CallerHeader),
			Verb:            verb,
			Reason:          strings.TrimSpace(body.Reason),
			ExpectedVersion: body.ExpectedVersion,
			ExpectedStatus:  body.ExpectedStatus,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newSubjectView(subject))
	}
}

// readCommand decodes the body. An If-Match header is accepted in place of
// expectedVersion.
func readCommand(w http.ResponseWriter, r *http.Request) (commandBody, bool) {
	var body commandBody
	if r.Body != nil {
		err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body)
		if err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
			return body, false
		}
	}
	if body.ExpectedStatus != "" {
		if _, err := review.ParseStatus(string(body.ExpectedStatus)); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return body, false
		}
	}
	if body.ExpectedVersion == 0 {
		if v := strings.Trim(strings.TrimPrefix(r.Header.Get("If-Match"), "W/"), `"`); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 1 {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "If-Match must be a subject version"})
				return body, false
			}
			body.ExpectedVersion = n
		}
	}
	return body, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid subject id"})
		return 0, false
	}
	return id, true
}

type errorBody struct {
	Error string `json:"error"`
	Retry bool   `json:"retry,omitempty"`
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) (int, bool) {
	switch {
	case errors.Is(err, review.ErrNotFound):
		return http.StatusNotFound, false
	case errors.Is(err, review.ErrForbidden):
		return http.StatusForbidden, false
	case errors.Is(err, review.ErrConflict), errors.Is(err, review.ErrStale):
		return http.StatusConflict, true
	case errors.Is(err, review.ErrInvalidTransition):
		return http.StatusConflict, false
	case errors.Is(err, review.ErrPreconditionRequired):
		return http.StatusPreconditionRequired, false
	}
	return http.StatusInternalServerError, false
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code, retry := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, code, errorBody{Error: msg, Retry: retry})
}

func (s *Server) writeHTMLError(w http.ResponseWriter, r *http.Request, err error) {
	code, _ := statusFor(err)
	if code == http.StatusNotFound {
		http.NotFound(w, r)
		return
	}
	s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	http.Error(w, "Internal server error", code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.logger.Error("template not found", "template", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		s.logger.Error("rendering template", "template", name, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

func verdict(isPass *bool) string {
	switch {
	case isPass == nil:
		return "none"
	case *isPass:
		return "pass"
	}
	return "fail"
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve runs the API on the given port until ctx is done.
func Serve(ctx context.Context, handler http.Handler, port int, logger *slog.Logger) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end when ctx does, so Shutdown does not wait on them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("server listening", "url", "http://"+addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
