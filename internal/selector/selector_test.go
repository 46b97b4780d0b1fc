package selector

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/cbsepaper/internal/blueprint"
	"github.com/pavelanni/cbsepaper/internal/model"
)

func cand(id, chapter string, marks int, score float64) model.CandidateQuestion {
	return model.CandidateQuestion{ID: id, TextEN: "question " + id, Marks: marks, Chapter: chapter, SimilarityScore: score}
}

// commercialArtPool builds mcq, short and long candidates. Short answers rotate
// through three chapters.
func commercialArtPool(mcq, short, long int) []model.CandidateQuestion {
	var pool []model.CandidateQuestion
	for i := range mcq {
		pool = append(pool, cand(fmt.Sprintf("a%02d", i), fmt.Sprintf("ch%d", i%4), 1, 0.9-float64(i)*0.01))
	}
	chapters := []string{"Rajasthani", "Pahari", "Mughal"}
	for i := range short {
		pool = append(pool, cand(fmt.Sprintf("b%02d", i), chapters[i%3], 2, 0.8-float64(i)*0.01))
	}
	for i := range long {
		pool = append(pool, cand(fmt.Sprintf("c%02d", i), fmt.Sprintf("ch%d", i), 6, 0.7-float64(i)*0.01))
	}
	return pool
}

func newSelector(cfg Config) *Selector {
	return New(cfg, nil)
}

func TestSelectExactPool(t *testing.T) {
	a, err := newSelector(DefaultConfig()).Select(context.Background(), blueprint.CommercialArt36(), commercialArtPool(8, 5, 3))
	require.NoError(t, err)

	require.Len(t, a.Selections, 16)
	assert.Equal(t, 36, a.PrimaryMarks())
	assert.Len(t, a.QuestionIDs(), 16, "no alternates left after the primaries")
	assert.NoError(t, Verify(a))

	bySection := a.BySection()
	assert.Len(t, bySection["A"], 8)
	assert.Len(t, bySection["B"], 5)
	assert.Len(t, bySection["C"], 3)
}

func TestSelectAlternativesFromDifferentChapters(t *testing.T) {
	a, err := newSelector(DefaultConfig()).Select(context.Background(), blueprint.CommercialArt36(), commercialArtPool(8, 10, 3))
	require.NoError(t, err)

	ids := a.QuestionIDs()
	assert.Len(t, ids, 21)
	assert.Len(t, uniq(ids), 21)

	for _, sel := range a.BySection()["B"] {
		require.NotNil(t, sel.Alternative, "slot %d has no alternative", sel.Slot.Index+1)
		assert.NotEqual(t, sel.Primary.Chapter, sel.Alternative.Chapter, "slot %d", sel.Slot.Index+1)
		assert.Equal(t, 2, sel.Alternative.Marks)
	}
	for _, sel := range a.BySection()["C"] {
		assert.Nil(t, sel.Alternative)
	}
}

func TestSelectAlternativesNeverStarvePrimaries(t *testing.T) {
	// Seven short answers for five slots: only two alternates can be spared.
	a, err := newSelector(DefaultConfig()).Select(context.Background(), blueprint.CommercialArt36(), commercialArtPool(8, 7, 3))
	require.NoError(t, err)

	alts := 0
	for _, sel := range a.BySection()["B"] {
		if sel.Alternative != nil {
			alts++
		}
	}
	assert.Equal(t, 2, alts)
	assert.NoError(t, Verify(a))
}

func TestSelectAlternativeFallsBackToSameChapter(t *testing.T) {
	bp := model.Blueprint{
		Name:       "or-only",
		TotalMarks: 2,
		Slots: []model.BlueprintSlot{
			{SectionID: "B", QuestionCount: 1, MarksPerQuestion: 2, QuestionType: model.QuestionShort, HasORAlternative: true},
		},
	}
	pool := []model.CandidateQuestion{
		cand("x", "Mughal", 2, 0.9),
		cand("y", "Mughal", 2, 0.8),
	}
	a, err := newSelector(DefaultConfig()).Select(context.Background(), bp, pool)
	require.NoError(t, err)
	require.NotNil(t, a.Selections[0].Alternative)
	assert.Equal(t, "x", a.Selections[0].Primary.ID)
	assert.Equal(t, "y", a.Selections[0].Alternative.ID)
}

func TestSelectDeterministic(t *testing.T) {
	pool := commercialArtPool(12, 10, 5)
	s := newSelector(DefaultConfig())

	first, err := s.Select(context.Background(), blueprint.CommercialArt36(), pool)
	require.NoError(t, err)

	reversed := slices.Clone(pool)
	slices.Reverse(reversed)
	for range 5 {
		again, err := s.Select(context.Background(), blueprint.CommercialArt36(), reversed)
		require.NoError(t, err)
		assert.Equal(t, first.QuestionIDs(), again.QuestionIDs())
	}
}

func TestSelectRepetitionPenalty(t *testing.T) {
	bp := model.Blueprint{
		Name:       "two",
		TotalMarks: 2,
		Slots: []model.BlueprintSlot{
			{SectionID: "A", QuestionCount: 2, MarksPerQuestion: 1, QuestionType: model.QuestionMCQ},
		},
	}
	pool := []model.CandidateQuestion{
		cand("a", "Rajasthani", 1, 0.90),
		cand("b", "Rajasthani", 1, 0.85),
		cand("c", "Pahari", 1, 0.80),
	}

	tests := []struct {
		name    string
		penalty float64
		want    []string
	}{
		{"penalized", 0.15, []string{"a", "c"}},
		{"no penalty", 0, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.RepetitionPenalty = tt.penalty
			a, err := newSelector(cfg).Select(context.Background(), bp, pool)
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.QuestionIDs())
		})
	}
}

func TestSelectTieBreakByID(t *testing.T) {
	bp := model.Blueprint{
		Name:       "one",
		TotalMarks: 1,
		Slots:      []model.BlueprintSlot{{SectionID: "A", QuestionCount: 1, MarksPerQuestion: 1, QuestionType: model.QuestionMCQ}},
	}
	pool := []model.CandidateQuestion{cand("q9", "", 1, 0.5), cand("q1", "", 1, 0.5), cand("q5", "", 1, 0.5)}

	a, err := newSelector(DefaultConfig()).Select(context.Background(), bp, pool)
	require.NoError(t, err)
	assert.Equal(t, "q1", a.Selections[0].Primary.ID)
}

func TestSelectDuplicatePoolEntries(t *testing.T) {
	bp := model.Blueprint{
		Name:       "two",
		TotalMarks: 2,
		Slots:      []model.BlueprintSlot{{SectionID: "A", QuestionCount: 2, MarksPerQuestion: 1, QuestionType: model.QuestionMCQ}},
	}
	pool := []model.CandidateQuestion{cand("x", "", 1, 0.9), cand("x", "", 1, 0.3), cand("y", "", 1, 0.5)}

	a, err := newSelector(DefaultConfig()).Select(context.Background(), bp, pool)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, a.QuestionIDs())
}

func TestSelectInsufficientCandidates(t *testing.T) {
	_, err := newSelector(DefaultConfig()).Select(context.Background(), blueprint.CommercialArt36(), commercialArtPool(6, 5, 3))
	require.Error(t, err)

	var ice *model.InsufficientCandidatesError
	require.True(t, errors.As(err, &ice))
	assert.Equal(t, []model.Shortfall{{SectionID: "A", Marks: 1, Needed: 8, Available: 6}}, ice.Shortfalls)
}

// chapterCapCase needs backtracking: with one question per chapter per section, the
// greedy choice for section A leaves section B two questions from the same chapter.
func chapterCapCase() (model.Blueprint, []model.CandidateQuestion) {
	bp := model.Blueprint{
		Name:       "cap",
		TotalMarks: 3,
		Slots: []model.BlueprintSlot{
			{SectionID: "A", QuestionCount: 1, MarksPerQuestion: 1, QuestionType: model.QuestionMCQ},
			{SectionID: "B", QuestionCount: 2, MarksPerQuestion: 1, QuestionType: model.QuestionMCQ},
		},
	}
	pool := []model.CandidateQuestion{
		cand("u", "X", 1, 0.5),
		cand("v", "X", 1, 0.4),
		cand("w", "Y", 1, 0.9),
	}
	return bp, pool
}

func TestSelectBacktracksUnderChapterCap(t *testing.T) {
	bp, pool := chapterCapCase()
	cfg := DefaultConfig()
	cfg.MaxPerChapter = 1

	a, err := newSelector(cfg).Select(context.Background(), bp, pool)
	require.NoError(t, err)
	assert.Equal(t, []string{"u", "w", "v"}, a.QuestionIDs())
	assert.Equal(t, 3, a.Backtracks)
}

func TestSelectBacktrackLimit(t *testing.T) {
	bp, pool := chapterCapCase()
	cfg := DefaultConfig()
	cfg.MaxPerChapter = 1
	cfg.MaxBacktracks = 2

	_, err := newSelector(cfg).Select(context.Background(), bp, pool)
	require.Error(t, err)

	var sue *model.SelectionUnsatisfiableError
	require.True(t, errors.As(err, &sue))
	assert.Equal(t, "B", sue.SectionID)
	assert.Equal(t, 2, sue.Backtracks)
	assert.Contains(t, sue.Reason, "backtrack limit 2")
	assert.Equal(t, model.KindSelectionUnsatisfiable, model.KindOf(err))
}

func TestSelectSearchExhausted(t *testing.T) {
	bp := model.Blueprint{
		Name:       "same-chapter",
		TotalMarks: 2,
		Slots:      []model.BlueprintSlot{{SectionID: "A", QuestionCount: 2, MarksPerQuestion: 1, QuestionType: model.QuestionMCQ}},
	}
	pool := []model.CandidateQuestion{cand("a", "X", 1, 0.9), cand("b", "X", 1, 0.8), cand("c", "X", 1, 0.7)}
	cfg := DefaultConfig()
	cfg.MaxPerChapter = 1

	_, err := newSelector(cfg).Select(context.Background(), bp, pool)
	var sue *model.SelectionUnsatisfiableError
	require.True(t, errors.As(err, &sue))
	assert.Equal(t, "search space exhausted", sue.Reason)
	assert.Equal(t, 3, sue.Backtracks)
}

func TestSelectCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newSelector(DefaultConfig()).Select(ctx, blueprint.CommercialArt36(), commercialArtPool(8, 5, 3))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSelectInvalidBlueprint(t *testing.T) {
	bp := blueprint.CommercialArt36()
	bp.TotalMarks = 35
	_, err := newSelector(DefaultConfig()).Select(context.Background(), bp, commercialArtPool(8, 5, 3))
	assert.Equal(t, model.KindInvalidRequest, model.KindOf(err))
}

func TestExpandSlots(t *testing.T) {
	slots := ExpandSlots(blueprint.Standard80())
	require.Len(t, slots, 39)

	assert.Equal(t, model.SlotRef{SectionID: "A", Row: 0, Index: 0, Marks: 1, QuestionType: model.QuestionMCQ}, slots[0])
	last := slots[len(slots)-1]
	assert.Equal(t, "E", last.SectionID)
	assert.Equal(t, 2, last.Index)

	for _, s := range slots {
		if s.SectionID == "B" {
			assert.True(t, s.NeedsOR)
		}
	}
}

func TestVerify(t *testing.T) {
	good, err := newSelector(DefaultConfig()).Select(context.Background(), blueprint.CommercialArt36(), commercialArtPool(8, 10, 3))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*model.SelectionAssignment)
		detail string
	}{
		{"duplicate primary", func(a *model.SelectionAssignment) { a.Selections[1].Primary = a.Selections[0].Primary }, "duplicate candidate id"},
		{"missing slot", func(a *model.SelectionAssignment) { a.Selections = a.Selections[:15] }, "slot count mismatch"},
		{"wrong marks", func(a *model.SelectionAssignment) { a.Selections[0].Primary.Marks = 2 }, "primary marks mismatch"},
		{"alternative without OR", func(a *model.SelectionAssignment) {
			alt := cand("zz", "", 1, 0.1)
			a.Selections[0].Alternative = &alt
		}, "alternative on a slot without OR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := good
			a.Selections = slices.Clone(good.Selections)
			tt.mutate(&a)

			err := Verify(a)
			var iv *model.InvariantViolation
			require.True(t, errors.As(err, &iv), "got %v", err)
			assert.Equal(t, tt.detail, iv.Detail)
			assert.Equal(t, "selector", iv.Component)
		})
	}
}

func uniq(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}
