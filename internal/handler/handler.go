package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/cbsepaper/internal/corpus"
	appI18n "github.com/pavelanni/cbsepaper/internal/i18n"
	"github.com/pavelanni/cbsepaper/internal/model"
)

// PaperGenerator runs paper generations.
type PaperGenerator interface {
	GeneratePaper(ctx context.Context, req model.PaperRequest) (*model.Paper, error)
	Blueprints() []model.Blueprint
}

// PaperStore reads stored papers and corpus statistics.
type PaperStore interface {
	GetPaper(id string) (*model.Paper, error)
	ListPapers(subject, grade string, limit int) ([]model.PaperSummary, error)
	QuestionCount() (int, error)
}

// QuestionImporter loads uploaded question files.
type QuestionImporter interface {
	Import(ctx context.Context, source string, data []byte) (corpus.Result, error)
}

// Config holds HTTP-level settings.
type Config struct {
	// APIToken protects the write endpoints. Empty disables the check.
	APIToken string
	// GenerateTimeout bounds one paper generation. Zero means no limit beyond the
	// client's connection.
	GenerateTimeout time.Duration
	// MaxUploadBytes bounds question uploads.
	MaxUploadBytes int64
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	engine   PaperGenerator
	store    PaperStore
	importer QuestionImporter
	config   Config
}

// New creates a new Handler. importer may be nil, which disables uploads.
func New(e PaperGenerator, s PaperStore, im QuestionImporter, cfg Config) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	return &Handler{engine: e, store: s, importer: im, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/blueprints", h.handleBlueprints)
		r.Get("/papers", h.handleListPapers)
		r.Get("/papers/{paperID}", h.handleGetPaper)
		r.Group(func(r chi.Router) {
			r.Use(h.requireToken)
			r.Post("/papers", h.handleGeneratePaper)
			if h.importer != nil {
				r.Post("/questions", h.handleUploadQuestions)
			}
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.QuestionCount()
	if err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"questions": count,
		"message":   appI18n.Tp(r.Context(), "QuestionsAvailable", count),
	})
}

func (h *Handler) handleBlueprints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Blueprints())
}

func (h *Handler) handleGeneratePaper(w http.ResponseWriter, r *http.Request) {
	var req model.PaperRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, r, &model.InvalidRequestError{Detail: "invalid JSON: " + err.Error()})
		return
	}

	ctx := r.Context()
	if h.config.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.GenerateTimeout)
		defer cancel()
	}

	paper, err := h.engine.GeneratePaper(ctx, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", r.URL.Path+"/"+paper.ID)
	writeJSON(w, http.StatusCreated, paper)
}

func (h *Handler) handleListPapers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.writeError(w, r, &model.InvalidRequestError{Detail: "limit must be a positive integer"})
			return
		}
		limit = min(n, 500)
	}
	papers, err := h.store.ListPapers(q.Get("subject"), q.Get("grade"), limit)
	if err != nil {
		slog.Error("failed to list papers", "error", err)
		h.writeError(w, r, err)
		return
	}
	if papers == nil {
		papers = []model.PaperSummary{}
	}
	writeJSON(w, http.StatusOK, papers)
}

func (h *Handler) handleGetPaper(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "paperID")
	paper, err := h.store.GetPaper(id)
	if err != nil {
		slog.Error("failed to load paper", "id", id, "error", err)
		h.writeError(w, r, err)
		return
	}
	if paper == nil {
		writeJSON(w, http.StatusNotFound, errorBody{
			Kind:    "not_found",
			Detail:  "no paper with id " + id,
			Message: appI18n.T(r.Context(), "ErrNotFound"),
		})
		return
	}
	writeJSON(w, http.StatusOK, paper)
}

type errorBody struct {
	Kind    string `json:"kind"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindInvalidRequest:
		return http.StatusBadRequest
	case model.KindInsufficientCandidates, model.KindSelectionUnsatisfiable:
		return http.StatusUnprocessableEntity
	case model.KindGenerationSchema:
		return http.StatusBadGateway
	case model.KindGenerationUnreachable:
		return http.StatusServiceUnavailable
	case model.KindCanceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

var messageIDs = map[model.ErrorKind]string{
	model.KindInvalidRequest:         "ErrInvalidRequest",
	model.KindInsufficientCandidates: "ErrInsufficientCandidates",
	model.KindSelectionUnsatisfiable: "ErrSelectionUnsatisfiable",
	model.KindGenerationSchema:       "ErrGenerationSchema",
	model.KindGenerationUnreachable:  "ErrGenerationUnreachable",
	model.KindCanceled:               "ErrCanceled",
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := model.KindOf(err)
	status := statusFor(kind)
	msgID, ok := messageIDs[kind]
	if !ok {
		msgID = "ErrInternal"
	}

	body := errorBody{Kind: string(kind), Detail: err.Error()}
	var ire *model.InvalidRequestError
	if errors.As(err, &ire) {
		body.Detail = ire.Detail
	}
	body.Message = appI18n.Td(r.Context(), msgID, map[string]any{"Detail": body.Detail})
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "kind", kind, "error", err)
	}
	if kind == model.KindInternal || kind == model.KindInvariantViolation {
		// Internal details stay in the log.
		body.Detail = ""
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
