// Package index is the read-only gateway to the question corpus' vector index.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/pavelanni/cbsepaper/internal/model"
)

// DefaultTimeout bounds a single similarity query.
const DefaultTimeout = 10 * time.Second

// Filter narrows a similarity query by corpus metadata. Zero values mean no filtering.
type Filter struct {
	Subject      string
	Grade        string
	Year         string
	Section      string
	Marks        int
	QuestionType model.QuestionType
}

// Searcher is a nearest-neighbor lookup over the question corpus. Results are ordered
// by descending similarity; ties keep corpus insertion order.
type Searcher interface {
	SimilaritySearch(ctx context.Context, vector []float32, f Filter, topK int) ([]model.CandidateQuestion, error)
}

// Gateway wraps a backend with a per-query timeout and result normalization.
type Gateway struct {
	backend Searcher
	timeout time.Duration
	logger  *slog.Logger
}

// NewGateway creates a gateway. A zero timeout uses DefaultTimeout.
func NewGateway(backend Searcher, timeout time.Duration, logger *slog.Logger) *Gateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{backend: backend, timeout: timeout, logger: logger}
}

// SimilaritySearch runs one query under the gateway timeout. Scores are clamped
// into [0, 1] and the result is re-sorted stably so backends that return raw
// distances in corpus order still satisfy the ordering contract.
func (g *Gateway) SimilaritySearch(ctx context.Context, vector []float32, f Filter, topK int) ([]model.CandidateQuestion, error) {
	if len(vector) == 0 {
		return nil, errors.New("similarity search: empty query vector")
	}
	if topK <= 0 {
		return nil, fmt.Errorf("similarity search: topK must be positive, got %d", topK)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	results, err := g.backend.SimilaritySearch(ctx, vector, f, topK)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}

	for i := range results {
		results[i].SimilarityScore = clamp01(results[i].SimilarityScore)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].SimilarityScore > results[j].SimilarityScore
	})
	if len(results) > topK {
		results = results[:topK]
	}

	g.logger.Debug("similarity search completed",
		"subject", f.Subject,
		"section", f.Section,
		"marks", f.Marks,
		"top_k", topK,
		"results", len(results),
		"elapsed", time.Since(start),
	)
	return results, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
