// Package corpus loads already extracted questions into the store with their
// embeddings. Each source is imported once; its content hash guards re-imports.
package corpus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/pavelanni/cbsepaper/internal/model"
	"github.com/pavelanni/cbsepaper/internal/store"
)

// Store is the part of the question store the importer writes to.
type Store interface {
	InsertQuestion(q model.QuestionImport, embedding []float32) (string, error)
	GetImportedFileHash(path string) (string, error)
	SetImportedFileHash(path, hash string) error
	GetCorpusInfo() (store.CorpusInfo, error)
	SetCorpusInfo(info store.CorpusInfo) error
}

// Embedder computes question embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string, lang model.Language) ([]float32, error)
}

// Importer loads question files.
type Importer struct {
	store      Store
	embedder   Embedder
	embedModel string
	logger     *slog.Logger
}

// NewImporter creates an Importer. embedModel is recorded in the corpus metadata and
// must match for later imports.
func NewImporter(s Store, e Embedder, embedModel string, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{store: s, embedder: e, embedModel: embedModel, logger: logger}
}

// Result reports the outcome of one import.
type Result struct {
	Source   string `json:"source"`
	Imported int    `json:"imported"`
	Skipped  bool   `json:"skipped"`
	Reason   string `json:"reason,omitempty"`
}

// ImportFile reads and imports a JSON file of questions.
func (im *Importer) ImportFile(ctx context.Context, path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{Source: path}, fmt.Errorf("read %s: %w", path, err)
	}
	return im.Import(ctx, path, data)
}

// Import loads a JSON array of questions identified by source. An unchanged source is
// skipped. A source whose content changed since its import is skipped too, since
// re-importing would duplicate questions already referenced by stored papers.
func (im *Importer) Import(ctx context.Context, source string, data []byte) (Result, error) {
	res := Result{Source: source}
	hash := sha256sum(data)
	storedHash, err := im.store.GetImportedFileHash(source)
	if err != nil {
		return res, fmt.Errorf("check import status for %s: %w", source, err)
	}
	if storedHash == hash {
		im.logger.Info("questions file unchanged, skipping", "source", source)
		res.Skipped, res.Reason = true, "unchanged"
		return res, nil
	}
	if storedHash != "" {
		im.logger.Warn("questions file changed since last import, skipping to avoid duplicating questions",
			"source", source)
		res.Skipped, res.Reason = true, "changed since last import"
		return res, nil
	}

	info, err := im.store.GetCorpusInfo()
	if err != nil {
		return res, fmt.Errorf("read corpus info: %w", err)
	}
	if info.EmbeddingModel != "" && info.EmbeddingModel != im.embedModel {
		return res, fmt.Errorf("corpus was embedded with %q, importer uses %q", info.EmbeddingModel, im.embedModel)
	}

	var questions []model.QuestionImport
	if err := json.Unmarshal(data, &questions); err != nil {
		return res, &model.InvalidRequestError{Detail: fmt.Sprintf("parse %s: %v", source, err)}
	}
	for i, q := range questions {
		if err := Check(q); err != nil {
			return res, &model.InvalidRequestError{Detail: fmt.Sprintf("question %d of %s: %v", i+1, source, err)}
		}
	}

	dims := info.Dimensions
	for i, q := range questions {
		q.Section = strings.ToUpper(strings.TrimSpace(q.Section))
		text, lang := EmbeddingText(q)
		vec, err := im.embedder.Embed(ctx, text, lang)
		if err != nil {
			err = fmt.Errorf("embed question %d of %s: %w", i+1, source, err)
			if ctx.Err() != nil {
				return res, err
			}
			return res, &model.GenerationUnreachableError{Attempts: 1, Err: err}
		}
		if dims != 0 && len(vec) != dims {
			return res, fmt.Errorf("question %d of %s: embedding has %d dimensions, corpus has %d", i+1, source, len(vec), dims)
		}
		dims = len(vec)
		if _, err := im.store.InsertQuestion(q, vec); err != nil {
			return res, fmt.Errorf("insert question from %s: %w", source, err)
		}
		res.Imported++
	}

	if res.Imported > 0 && info.Dimensions == 0 {
		if err := im.store.SetCorpusInfo(store.CorpusInfo{EmbeddingModel: im.embedModel, Dimensions: dims}); err != nil {
			return res, fmt.Errorf("record corpus info: %w", err)
		}
	}
	if err := im.store.SetImportedFileHash(source, hash); err != nil {
		return res, fmt.Errorf("record import for %s: %w", source, err)
	}
	im.logger.Info("imported questions", "source", source, "count", res.Imported)
	return res, nil
}

// Check rejects questions the pool could never use.
func Check(q model.QuestionImport) error {
	if strings.TrimSpace(q.Subject) == "" || strings.TrimSpace(q.Grade) == "" {
		return fmt.Errorf("subject and grade are required")
	}
	if q.Marks <= 0 {
		return fmt.Errorf("marks must be positive, got %d", q.Marks)
	}
	if strings.TrimSpace(q.TextEN) == "" && strings.TrimSpace(q.TextHI) == "" {
		return fmt.Errorf("question has no text")
	}
	if q.QuestionType != "" && !q.QuestionType.IsValid() {
		return fmt.Errorf("unknown question type %q", q.QuestionType)
	}
	return nil
}

// EmbeddingText picks the text a question is indexed by: English when present.
func EmbeddingText(q model.QuestionImport) (string, model.Language) {
	if t := strings.TrimSpace(q.TextEN); t != "" {
		return t, model.LanguageEnglish
	}
	return strings.TrimSpace(q.TextHI), model.LanguageHindi
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
