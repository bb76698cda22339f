package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rendis/flowsync/internal/store"
	"github.com/rendis/flowsync/pkg/schema"
)

// Server serves the diagram REST API.
type Server struct {
	svc    *Service
	logger *slog.Logger
}

// NewServer creates a Server.
func NewServer(svc *Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, logger: logger.With(slog.String("component", "api"))}
}

// Mount registers the /api routes on r. Trailing slashes are optional.
func (s *Server) Mount(r chi.Router) {
	r.Route("/api/diagrams", func(r chi.Router) {
		r.Use(middleware.StripSlashes)
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Patch("/", s.handleUpdate)
			r.Delete("/", s.handleDelete)
			r.Post("/import_json", s.handleImport)
			r.Get("/export_json", s.handleExport)
			r.Get("/snapshot", s.handleSnapshot)
			r.Get("/lint", s.handleLint)
			r.Get("/query", s.handleQuery)
		})
	})
}

// Handler returns a standalone router serving the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	s.Mount(r)
	return r
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.List(r.Context(), store.DiagramFilter{
		NameContains: r.URL.Query().Get("name"),
		Limit:        queryInt(r, "limit", 0),
		Offset:       queryInt(r, "offset", 0),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body CreateInput
	if err := decodeJSON(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.svc.Create(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch schema.DiagramPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.svc.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var doc json.RawMessage
	if err := decodeJSON(w, r, &doc); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.Import(r.Context(), chi.URLParam(r, "id"), doc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "imported", "result": res})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Export(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleLint(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Lint(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    res.Valid(),
		"errors":   res.Errors,
		"warnings": res.Warnings,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.svc.Query(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("expr"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if statusFor(codeOf(err)) >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeFailure(w, err)
}

func codeOf(err error) string {
	var se *schema.SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
