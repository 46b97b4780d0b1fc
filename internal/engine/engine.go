// Package engine is the single entry point for paper generation. It runs blueprint
// resolution, pool building, selection, generation and assembly in sequence for one
// request.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/cbsepaper/internal/assembly"
	"github.com/pavelanni/cbsepaper/internal/blueprint"
	"github.com/pavelanni/cbsepaper/internal/generation"
	"github.com/pavelanni/cbsepaper/internal/model"
	"github.com/pavelanni/cbsepaper/internal/pool"
)

// PoolBuilder builds the candidate pool for a blueprint.
type PoolBuilder interface {
	Build(ctx context.Context, req model.PaperRequest, bp model.Blueprint) (*pool.Pool, error)
}

// Selector assigns candidates to blueprint slots.
type Selector interface {
	Select(ctx context.Context, bp model.Blueprint, candidates []model.CandidateQuestion) (model.SelectionAssignment, error)
}

// Generator produces a validated document for a selection.
type Generator interface {
	Generate(ctx context.Context, req model.PaperRequest, a model.SelectionAssignment) (*generation.Result, error)
}

// Assembler finishes a validated document.
type Assembler interface {
	Assemble(req model.PaperRequest, sel model.SelectionAssignment, doc model.PaperDocument, gen assembly.Stats) (*model.Paper, error)
}

// Persister records selections and finished papers. Failures are logged and do not
// fail the request.
type Persister interface {
	PersistSelection(ctx context.Context, subject, grade string, a model.SelectionAssignment) (string, error)
	PersistPaper(ctx context.Context, p model.Paper, selectionID string) error
}

// Deps are the engine's collaborators. Inferrer and Persister are optional.
type Deps struct {
	Catalog   *blueprint.Catalog
	Inferrer  blueprint.Inferrer
	Pool      PoolBuilder
	Selector  Selector
	Generator Generator
	Assembler Assembler
	Persister Persister
}

// Engine generates papers. It holds no per-request state and is safe for concurrent
// use.
type Engine struct {
	deps   Deps
	logger *slog.Logger
}

// New creates an Engine.
func New(deps Deps, logger *slog.Logger) *Engine {
	if deps.Catalog == nil {
		deps.Catalog = blueprint.NewCatalog()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{deps: deps, logger: logger}
}

// Blueprints lists the catalog.
func (e *Engine) Blueprints() []model.Blueprint {
	return e.deps.Catalog.List()
}

// GeneratePaper runs one generation. Every failure is a typed error whose kind
// model.KindOf resolves; no partial paper is ever returned.
func (e *Engine) GeneratePaper(ctx context.Context, req model.PaperRequest) (*model.Paper, error) {
	start := time.Now()
	lang, err := model.ParseLanguage(string(req.Language))
	if err != nil {
		return nil, &model.InvalidRequestError{Detail: err.Error()}
	}
	req.Language = lang
	if err := req.Validate(); err != nil {
		return nil, err
	}
	log := e.logger.With("subject", req.Subject, "grade", req.Grade, "total_marks", req.TotalMarks, "language", string(lang))

	bp, err := blueprint.Resolve(ctx, req, e.deps.Catalog, e.deps.Inferrer)
	if err != nil {
		return nil, fmt.Errorf("resolve blueprint: %w", err)
	}
	log.Debug("blueprint resolved", "blueprint", bp.Name, "questions", bp.QuestionCount())

	p, err := e.deps.Pool.Build(ctx, req, bp)
	if err != nil {
		return nil, fmt.Errorf("build candidate pool: %w", err)
	}

	a, err := e.deps.Selector.Select(ctx, bp, p.Candidates)
	if err != nil {
		return nil, fmt.Errorf("select questions: %w", err)
	}

	selectionID := ""
	if e.deps.Persister != nil {
		selectionID, err = e.deps.Persister.PersistSelection(ctx, req.Subject, req.Grade, a)
		if err != nil {
			log.Warn("failed to persist selection", "error", err)
			selectionID = ""
		}
	}

	res, err := e.deps.Generator.Generate(ctx, req, a)
	if err != nil {
		return nil, fmt.Errorf("generate paper: %w", err)
	}

	paper, err := e.deps.Assembler.Assemble(req, a, res.Document, assembly.Stats{Attempts: res.Attempts, Retries: res.Retries})
	if err != nil {
		log.Error("assembled paper failed re-check", "error", err)
		return nil, fmt.Errorf("assemble paper: %w", err)
	}

	if e.deps.Persister != nil {
		if err := e.deps.Persister.PersistPaper(ctx, *paper, selectionID); err != nil {
			log.Warn("failed to persist paper", "paper_id", paper.ID, "error", err)
		}
	}

	log.Info("paper generated",
		"paper_id", paper.ID,
		"blueprint", bp.Name,
		"pool", len(p.Candidates),
		"backtracks", a.Backtracks,
		"attempts", res.Attempts,
		"unreachable_retries", res.Unreachable,
		"duration", time.Since(start),
	)
	return paper, nil
}
