package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/cbsepaper/internal/blueprint"
	"github.com/pavelanni/cbsepaper/internal/index"
	"github.com/pavelanni/cbsepaper/internal/model"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (e *fakeEmbedder) Embed(_ context.Context, text string, _ model.Language) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.texts = append(e.texts, text)
	if e.err != nil {
		return nil, e.err
	}
	return []float32{1, 0}, nil
}

type call struct {
	filter index.Filter
	topK   int
}

// fakeSearcher answers from a fixed corpus, honoring the section and marks filters.
type fakeSearcher struct {
	mu     sync.Mutex
	corpus []model.CandidateQuestion
	calls  []call
	err    error
}

func (s *fakeSearcher) SimilaritySearch(_ context.Context, _ []float32, f index.Filter, topK int) ([]model.CandidateQuestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{filter: f, topK: topK})
	if s.err != nil {
		return nil, s.err
	}
	var out []model.CandidateQuestion
	for _, c := range s.corpus {
		if f.Marks != 0 && c.Marks != f.Marks {
			continue
		}
		if f.Section != "" && c.SectionHint != f.Section {
			continue
		}
		out = append(out, c)
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

func (s *fakeSearcher) sectionedCalls() int {
	n := 0
	for _, c := range s.calls {
		if c.filter.Section != "" {
			n++
		}
	}
	return n
}

// corpus36 has 8 one-mark, 5 two-mark and 3 six-mark questions, exactly what the
// 36-mark blueprint needs.
func corpus36() []model.CandidateQuestion {
	var out []model.CandidateQuestion
	add := func(section string, marks, n int, score float64) {
		for i := 0; i < n; i++ {
			out = append(out, model.CandidateQuestion{
				ID:              fmt.Sprintf("%s%02d", section, i),
				TextEN:          fmt.Sprintf("Question %s%d", section, i),
				Marks:           marks,
				SectionHint:     section,
				Chapter:         fmt.Sprintf("ch%d", i%3),
				SimilarityScore: score - float64(i)*0.01,
			})
		}
	}
	add("A", 1, 8, 0.9)
	add("B", 2, 5, 0.8)
	add("C", 6, 3, 0.7)
	return out
}

func request() model.PaperRequest {
	return model.PaperRequest{Subject: "Commercial Art", Grade: "12", TotalMarks: 36, Language: model.LanguageEnglish}
}

func TestBuildExactPool(t *testing.T) {
	s := &fakeSearcher{corpus: corpus36()}
	b := New(&fakeEmbedder{}, s, DefaultConfig())

	p, err := b.Build(context.Background(), request(), blueprint.CommercialArt36())
	require.NoError(t, err)

	assert.Len(t, p.Candidates, 16)
	assert.Equal(t, map[int]int{1: 8, 2: 5, 6: 3}, p.CountByMarks())
	assert.Equal(t, 3, p.Queries)
	assert.Equal(t, 0, p.Fallbacks)

	for i := 1; i < len(p.Candidates); i++ {
		prev, cur := p.Candidates[i-1], p.Candidates[i]
		assert.True(t, prev.SimilarityScore > cur.SimilarityScore ||
			(prev.SimilarityScore == cur.SimilarityScore && prev.ID < cur.ID),
			"candidates out of order at %d", i)
	}
	for _, c := range s.calls {
		assert.GreaterOrEqual(t, c.topK, 10)
		assert.Equal(t, "Commercial Art", c.filter.Subject)
		assert.Equal(t, "12", c.filter.Grade)
	}
}

func TestBuildTopKScalesWithCount(t *testing.T) {
	s := &fakeSearcher{corpus: corpus36()}
	b := New(&fakeEmbedder{}, s, Config{MinTopK: 1})

	_, err := b.Build(context.Background(), request(), blueprint.CommercialArt36())
	require.NoError(t, err)

	topK := map[int]int{}
	for _, c := range s.calls {
		topK[c.filter.Marks] = c.topK
	}
	assert.Equal(t, 24, topK[1])
	assert.Equal(t, 15, topK[2])
	assert.Equal(t, 9, topK[6])
}

func TestBuildDedupesKeepingBestScore(t *testing.T) {
	bp := model.Blueprint{
		Name:       "two-rows",
		TotalMarks: 4,
		Slots: []model.BlueprintSlot{
			{SectionID: "A", QuestionCount: 2, MarksPerQuestion: 1, QuestionType: model.QuestionMCQ},
			{SectionID: "B", QuestionCount: 2, MarksPerQuestion: 1, QuestionType: model.QuestionShort},
		},
	}
	// x is indexed under both sections with different scores.
	corpus := []model.CandidateQuestion{
		{ID: "x", TextEN: "x", Marks: 1, SectionHint: "A", SimilarityScore: 0.4},
		{ID: "y", TextEN: "y", Marks: 1, SectionHint: "A", SimilarityScore: 0.5},
		{ID: "x", TextEN: "x", Marks: 1, SectionHint: "B", SimilarityScore: 0.9},
		{ID: "z", TextEN: "z", Marks: 1, SectionHint: "B", SimilarityScore: 0.6},
		{ID: "w", TextEN: "w", Marks: 1, SectionHint: "B", SimilarityScore: 0.3},
	}
	b := New(&fakeEmbedder{}, &fakeSearcher{corpus: corpus}, DefaultConfig())

	p, err := b.Build(context.Background(), model.PaperRequest{Subject: "Art", Grade: "12", TotalMarks: 4}, bp)
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "z", "y", "w"}, ids(p.Candidates))
	assert.InDelta(t, 0.9, p.Candidates[0].SimilarityScore, 1e-9)
}

func TestBuildMergesMaxScoreAcrossQueries(t *testing.T) {
	// A question hinted to no section is found by the widened query of both groups.
	bp := model.Blueprint{
		Name:       "two-rows",
		TotalMarks: 4,
		Slots: []model.BlueprintSlot{
			{SectionID: "A", QuestionCount: 2, MarksPerQuestion: 1, QuestionType: model.QuestionMCQ},
			{SectionID: "B", QuestionCount: 2, MarksPerQuestion: 1, QuestionType: model.QuestionShort},
		},
	}
	corpus := []model.CandidateQuestion{
		{ID: "q1", TextEN: "one", Marks: 1, SimilarityScore: 0.5},
		{ID: "q2", TextEN: "two", Marks: 1, SimilarityScore: 0.6},
		{ID: "q3", TextEN: "three", Marks: 1, SimilarityScore: 0.7},
		{ID: "q4", TextEN: "four", Marks: 1, SimilarityScore: 0.8},
	}
	s := &fakeSearcher{corpus: corpus}
	b := New(&fakeEmbedder{}, s, DefaultConfig())

	p, err := b.Build(context.Background(), model.PaperRequest{Subject: "Art", Grade: "12", TotalMarks: 4}, bp)
	require.NoError(t, err)

	assert.Equal(t, 2, p.Fallbacks)
	require.Len(t, p.Candidates, 4)
	assert.Equal(t, []string{"q4", "q3", "q2", "q1"}, ids(p.Candidates))
}

func TestBuildFallsBackWithoutSection(t *testing.T) {
	corpus := corpus36()
	// Move the six-mark questions to an unexpected section.
	for i := range corpus {
		if corpus[i].Marks == 6 {
			corpus[i].SectionHint = "D"
		}
	}
	s := &fakeSearcher{corpus: corpus}
	b := New(&fakeEmbedder{}, s, DefaultConfig())

	p, err := b.Build(context.Background(), request(), blueprint.CommercialArt36())
	require.NoError(t, err)

	assert.Equal(t, 1, p.Fallbacks)
	assert.Equal(t, 4, p.Queries)
	assert.Equal(t, 3, s.sectionedCalls())
	assert.Equal(t, 3, p.CountByMarks()[6])
}

func TestBuildFiltersLanguageAndMarks(t *testing.T) {
	corpus := corpus36()
	corpus = append(corpus,
		model.CandidateQuestion{ID: "hi-only", TextHI: "प्रश्न", Marks: 2, SectionHint: "B", SimilarityScore: 0.95},
		model.CandidateQuestion{ID: "five", TextEN: "five marks", Marks: 5, SectionHint: "C", SimilarityScore: 0.95},
	)
	s := &fakeSearcher{corpus: corpus}
	b := New(&fakeEmbedder{}, s, DefaultConfig())

	p, err := b.Build(context.Background(), request(), blueprint.CommercialArt36())
	require.NoError(t, err)
	assert.NotContains(t, ids(p.Candidates), "hi-only")
	assert.NotContains(t, ids(p.Candidates), "five")

	req := request()
	req.Language = model.LanguageBoth
	p, err = b.Build(context.Background(), req, blueprint.CommercialArt36())
	require.NoError(t, err)
	assert.Contains(t, ids(p.Candidates), "hi-only")
}

func TestBuildInsufficientCandidates(t *testing.T) {
	var corpus []model.CandidateQuestion
	for _, c := range corpus36() {
		if c.ID == "C02" {
			continue
		}
		corpus = append(corpus, c)
	}
	s := &fakeSearcher{corpus: corpus}
	b := New(&fakeEmbedder{}, s, DefaultConfig())

	_, err := b.Build(context.Background(), request(), blueprint.CommercialArt36())
	require.Error(t, err)

	var ice *model.InsufficientCandidatesError
	require.True(t, errors.As(err, &ice))
	require.Len(t, ice.Shortfalls, 1)
	assert.Equal(t, model.Shortfall{SectionID: "C", Marks: 6, Needed: 3, Available: 2}, ice.Shortfalls[0])
	assert.Equal(t, model.KindInsufficientCandidates, model.KindOf(err))
}

func TestBuildPropagatesErrors(t *testing.T) {
	b := New(&fakeEmbedder{err: errors.New("quota exceeded")}, &fakeSearcher{corpus: corpus36()}, DefaultConfig())
	_, err := b.Build(context.Background(), request(), blueprint.CommercialArt36())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")

	b = New(&fakeEmbedder{}, &fakeSearcher{err: context.DeadlineExceeded}, DefaultConfig())
	_, err = b.Build(context.Background(), request(), blueprint.CommercialArt36())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type fixedChapters []string

func (f fixedChapters) RecentChapters(context.Context, string, string, int) ([]string, error) {
	return f, nil
}

func TestBuildQueryTextIncludesChapters(t *testing.T) {
	e := &fakeEmbedder{}
	b := New(e, &fakeSearcher{corpus: corpus36()}, DefaultConfig(),
		WithChapterLister(fixedChapters{"Rajasthani School", "Pahari School"}))

	_, err := b.Build(context.Background(), request(), blueprint.CommercialArt36())
	require.NoError(t, err)
	require.Len(t, e.texts, 3)
	for _, text := range e.texts {
		assert.Contains(t, text, "Chapters: Rajasthani School, Pahari School")
		assert.Contains(t, text, "CBSE class 12 Commercial Art")
	}
}

type fixedUsage map[string]bool

func (f fixedUsage) UsedQuestionIDs(context.Context, string, string, int) (map[string]bool, error) {
	return f, nil
}

func TestBuildAvoidsRecentlyUsedWhenAffordable(t *testing.T) {
	corpus := corpus36()
	corpus = append(corpus, model.CandidateQuestion{ID: "A99", TextEN: "extra", Marks: 1, SectionHint: "A", SimilarityScore: 0.1})

	cfg := DefaultConfig()
	cfg.AvoidRecentPapers = 3
	used := fixedUsage{"A00": true, "C00": true}
	b := New(&fakeEmbedder{}, &fakeSearcher{corpus: corpus}, cfg, WithUsageLister(used))

	p, err := b.Build(context.Background(), request(), blueprint.CommercialArt36())
	require.NoError(t, err)

	got := ids(p.Candidates)
	assert.NotContains(t, got, "A00", "one-mark pool can afford dropping a used question")
	assert.Contains(t, got, "C00", "six-mark pool cannot, so the used question stays")
	assert.Contains(t, got, "A99")
}

func TestQueryText(t *testing.T) {
	got := QueryText(request(), "B", model.QuestionShort, 2, nil)
	assert.Equal(t, "CBSE class 12 Commercial Art, section B: 2-mark short questions", got)
}

func ids(cs []model.CandidateQuestion) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}
