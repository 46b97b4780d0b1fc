// Package pool turns a paper request into similarity queries and merges their results
// into one deduplicated candidate pool.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/cbsepaper/internal/index"
	"github.com/pavelanni/cbsepaper/internal/model"
)

// Embedder computes query embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string, lang model.Language) ([]float32, error)
}

// ChapterLister reports the chapters most recently examined for a subject.
type ChapterLister interface {
	RecentChapters(ctx context.Context, subject, grade string, limit int) ([]string, error)
}

// UsageLister reports corpus ids already used by recent papers.
type UsageLister interface {
	UsedQuestionIDs(ctx context.Context, subject, grade string, n int) (map[string]bool, error)
}

// Config tunes pool construction.
type Config struct {
	// TopKMultiplier scales each query's topK from the group's question count.
	TopKMultiplier int
	// MinTopK is the smallest topK issued.
	MinTopK int
	// RecentChapters is how many recent chapters go into the query text.
	RecentChapters int
	// Concurrency bounds parallel queries.
	Concurrency int
	// AvoidRecentPapers skips questions used by the last N papers when the pool can
	// afford it. 0 disables.
	AvoidRecentPapers int
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		TopKMultiplier: 3,
		MinTopK:        10,
		RecentChapters: 5,
		Concurrency:    4,
	}
}

// Builder builds candidate pools.
type Builder struct {
	embedder Embedder
	searcher index.Searcher
	chapters ChapterLister
	usage    UsageLister
	cfg      Config
	logger   *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithChapterLister adds recent chapters to the query text.
func WithChapterLister(cl ChapterLister) Option {
	return func(b *Builder) { b.chapters = cl }
}

// WithUsageLister enables avoiding recently used questions.
func WithUsageLister(ul UsageLister) Option {
	return func(b *Builder) { b.usage = ul }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// New creates a Builder.
func New(e Embedder, s index.Searcher, cfg Config, opts ...Option) *Builder {
	def := DefaultConfig()
	if cfg.TopKMultiplier < 3 {
		cfg.TopKMultiplier = def.TopKMultiplier
	}
	if cfg.MinTopK <= 0 {
		cfg.MinTopK = def.MinTopK
	}
	if cfg.RecentChapters <= 0 {
		cfg.RecentChapters = def.RecentChapters
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	b := &Builder{embedder: e, searcher: s, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Pool is the merged, filtered candidate set, ordered by descending similarity and
// then id.
type Pool struct {
	Candidates []model.CandidateQuestion
	Queries    int
	Fallbacks  int
}

// CountByMarks returns how many candidates carry each marks value.
func (p *Pool) CountByMarks() map[int]int {
	counts := make(map[int]int)
	for _, c := range p.Candidates {
		counts[c.Marks]++
	}
	return counts
}

type group struct {
	sectionID string
	marks     int
	count     int
	qType     model.QuestionType
}

type groupResult struct {
	results  []model.CandidateQuestion
	queries  int
	fellBack bool
}

// groups returns one query group per distinct (section, marks) in blueprint order.
func groups(bp model.Blueprint) []group {
	var out []group
	type key struct {
		section string
		marks   int
	}
	idx := make(map[key]int)
	for _, s := range bp.Slots {
		k := key{s.SectionID, s.MarksPerQuestion}
		if i, ok := idx[k]; ok {
			out[i].count += s.QuestionCount
			continue
		}
		idx[k] = len(out)
		out = append(out, group{sectionID: s.SectionID, marks: s.MarksPerQuestion, count: s.QuestionCount, qType: s.QuestionType})
	}
	return out
}

// Build queries the index for every section/marks group and returns the merged pool.
// It fails with *model.InsufficientCandidatesError when some marks value has fewer
// candidates than the blueprint needs.
func (b *Builder) Build(ctx context.Context, req model.PaperRequest, bp model.Blueprint) (*Pool, error) {
	lang := req.Language
	if lang == "" {
		lang = model.LanguageEnglish
	}

	var chapters []string
	if b.chapters != nil {
		var err error
		chapters, err = b.chapters.RecentChapters(ctx, req.Subject, req.Grade, b.cfg.RecentChapters)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			b.logger.Warn("recent chapters unavailable", "subject", req.Subject, "error", err)
			chapters = nil
		}
	}

	gs := groups(bp)
	results := make([]groupResult, len(gs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)
	for i, grp := range gs {
		g.Go(func() error {
			r, err := b.queryGroup(gctx, req, lang, grp, chapters)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p := &Pool{}
	merged := make(map[string]int)
	var all []model.CandidateQuestion
	for _, r := range results {
		p.Queries += r.queries
		if r.fellBack {
			p.Fallbacks++
		}
		for _, c := range r.results {
			if i, ok := merged[c.ID]; ok {
				if c.SimilarityScore > all[i].SimilarityScore {
					all[i].SimilarityScore = c.SimilarityScore
				}
				continue
			}
			merged[c.ID] = len(all)
			all = append(all, c)
		}
	}

	demand := bp.MarksDemand()
	var eligible []model.CandidateQuestion
	for _, c := range all {
		if _, ok := demand[c.Marks]; !ok {
			continue
		}
		if !c.HasText(lang) {
			continue
		}
		eligible = append(eligible, c)
	}

	eligible = b.avoidRecent(ctx, req, eligible, demand)

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].SimilarityScore != eligible[j].SimilarityScore {
			return eligible[i].SimilarityScore > eligible[j].SimilarityScore
		}
		return eligible[i].ID < eligible[j].ID
	})
	p.Candidates = eligible

	if sf := bp.Shortfalls(p.CountByMarks()); len(sf) > 0 {
		err := &model.InsufficientCandidatesError{Shortfalls: sf}
		b.logger.Info("candidate pool too small", "subject", req.Subject, "grade", req.Grade, "error", err)
		return nil, err
	}

	b.logger.Debug("candidate pool built",
		"subject", req.Subject,
		"grade", req.Grade,
		"candidates", len(p.Candidates),
		"queries", p.Queries,
		"fallbacks", p.Fallbacks,
	)
	return p, nil
}

func (b *Builder) queryGroup(ctx context.Context, req model.PaperRequest, lang model.Language, grp group, chapters []string) (groupResult, error) {
	var r groupResult
	vec, err := b.embedder.Embed(ctx, QueryText(req, grp.sectionID, grp.qType, grp.marks, chapters), lang)
	if err != nil {
		return r, fmt.Errorf("embed query for section %s: %w", grp.sectionID, err)
	}

	topK := max(b.cfg.TopKMultiplier*grp.count, b.cfg.MinTopK)
	f := index.Filter{Subject: req.Subject, Grade: req.Grade, Section: grp.sectionID, Marks: grp.marks}

	res, err := b.searcher.SimilaritySearch(ctx, vec, f, topK)
	if err != nil {
		return r, fmt.Errorf("search section %s (%d marks): %w", grp.sectionID, grp.marks, err)
	}
	r.queries++
	r.results = res

	// Papers are not always sectioned the same way across years; widen to any
	// section with the right marks when the sectioned query comes back short.
	if usable(res, grp.marks, lang) < grp.count {
		f.Section = ""
		wide, err := b.searcher.SimilaritySearch(ctx, vec, f, topK)
		if err != nil {
			return r, fmt.Errorf("search %d-mark questions: %w", grp.marks, err)
		}
		r.queries++
		r.fellBack = true
		r.results = append(r.results, wide...)
	}
	return r, nil
}

func usable(res []model.CandidateQuestion, marks int, lang model.Language) int {
	n := 0
	for _, c := range res {
		if c.Marks == marks && c.HasText(lang) {
			n++
		}
	}
	return n
}

// avoidRecent drops questions used by recent papers, per marks value, only when
// enough unused candidates remain to cover the demand.
func (b *Builder) avoidRecent(ctx context.Context, req model.PaperRequest, cands []model.CandidateQuestion, demand map[int]int) []model.CandidateQuestion {
	if b.usage == nil || b.cfg.AvoidRecentPapers <= 0 {
		return cands
	}
	used, err := b.usage.UsedQuestionIDs(ctx, req.Subject, req.Grade, b.cfg.AvoidRecentPapers)
	if err != nil {
		b.logger.Warn("recent question usage unavailable", "subject", req.Subject, "error", err)
		return cands
	}
	if len(used) == 0 {
		return cands
	}

	fresh := make(map[int]int)
	for _, c := range cands {
		if !used[c.ID] {
			fresh[c.Marks]++
		}
	}
	out := cands[:0:0]
	for _, c := range cands {
		if used[c.ID] && fresh[c.Marks] >= demand[c.Marks] {
			continue
		}
		out = append(out, c)
	}
	if dropped := len(cands) - len(out); dropped > 0 {
		b.logger.Debug("skipped recently used questions", "subject", req.Subject, "count", dropped)
	}
	return out
}

// QueryText builds the text embedded for one section query.
func QueryText(req model.PaperRequest, sectionID string, qType model.QuestionType, marks int, chapters []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CBSE class %s %s, section %s: %d-mark %s questions", req.Grade, req.Subject, sectionID, marks, qType)
	if len(chapters) > 0 {
		sb.WriteString(". Chapters: ")
		sb.WriteString(strings.Join(chapters, ", "))
	}
	return sb.String()
}
