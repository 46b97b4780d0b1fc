// Package selector assigns candidate questions to blueprint slots.
//
// Selection is greedy with bounded backtracking. Slots are filled in a fixed order
// (blueprint section order, then position within the section). Each slot takes the
// best remaining candidate by a composite score that penalizes chapters already used in
// the same section. OR slots also take an alternative, preferably from a different
// chapter than the primary. The result is deterministic for a given pool and blueprint.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/pavelanni/cbsepaper/internal/model"
)

// Config tunes the selection heuristic.
type Config struct {
	// RepetitionPenalty is subtracted from a candidate's similarity once for every
	// question already selected in the same section from the same chapter.
	RepetitionPenalty float64
	// MaxBacktracks bounds how many times a selection is released and retried.
	MaxBacktracks int
	// MaxPerChapter caps selections per chapter within one section. 0 disables the cap.
	MaxPerChapter int
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		RepetitionPenalty: 0.15,
		MaxBacktracks:     64,
	}
}

// Selector chooses questions for a blueprint from a candidate pool.
type Selector struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Selector. A negative penalty or backtrack bound falls back to the default.
func New(cfg Config, logger *slog.Logger) *Selector {
	def := DefaultConfig()
	if cfg.RepetitionPenalty < 0 {
		cfg.RepetitionPenalty = def.RepetitionPenalty
	}
	if cfg.MaxBacktracks < 0 {
		cfg.MaxBacktracks = def.MaxBacktracks
	}
	if cfg.MaxPerChapter < 0 {
		cfg.MaxPerChapter = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{cfg: cfg, logger: logger}
}

// ExpandSlots lists every question position of bp in selection order.
func ExpandSlots(bp model.Blueprint) []model.SlotRef {
	var slots []model.SlotRef
	for _, sec := range bp.SectionIDs() {
		index := 0
		for row, s := range bp.Slots {
			if s.SectionID != sec {
				continue
			}
			for range s.QuestionCount {
				slots = append(slots, model.SlotRef{
					SectionID:    s.SectionID,
					Row:          row,
					Index:        index,
					Marks:        s.MarksPerQuestion,
					QuestionType: s.QuestionType,
					NeedsOR:      s.HasORAlternative,
				})
				index++
			}
		}
	}
	return slots
}

type scored struct {
	c     model.CandidateQuestion
	score float64
}

// frame is one level of the search stack.
type frame struct {
	ranked []scored
	ready  bool
	next   int
	sel    *model.SlotSelection
}

// Select fills every slot of bp from pool. It fails with
// *model.InsufficientCandidatesError when the pool cannot cover the blueprint's marks
// demand, *model.SelectionUnsatisfiableError when the bounded search gives up, and
// *model.InvariantViolation if the finished assignment is inconsistent.
func (s *Selector) Select(ctx context.Context, bp model.Blueprint, pool []model.CandidateQuestion) (model.SelectionAssignment, error) {
	if err := bp.Validate(); err != nil {
		return model.SelectionAssignment{}, &model.InvalidRequestError{Detail: err.Error()}
	}

	cands := dedupe(pool)
	st := newState(cands)
	if sf := bp.Shortfalls(st.unused); len(sf) > 0 {
		return model.SelectionAssignment{}, &model.InsufficientCandidatesError{Shortfalls: sf}
	}

	slots := ExpandSlots(bp)
	later := laterDemand(slots)
	frames := make([]frame, len(slots))
	backtracks := 0

	for i := 0; i < len(slots); {
		if err := ctx.Err(); err != nil {
			return model.SelectionAssignment{}, err
		}
		slot := slots[i]
		f := &frames[i]
		if !f.ready {
			f.ranked = s.rank(st, slot, cands)
			f.ready = true
		}

		if f.next >= len(f.ranked) {
			if i == 0 {
				return model.SelectionAssignment{}, &model.SelectionUnsatisfiableError{
					SectionID:  slot.SectionID,
					SlotIndex:  slot.Index,
					Backtracks: backtracks,
					Reason:     "search space exhausted",
				}
			}
			if backtracks >= s.cfg.MaxBacktracks {
				return model.SelectionAssignment{}, &model.SelectionUnsatisfiableError{
					SectionID:  slot.SectionID,
					SlotIndex:  slot.Index,
					Backtracks: backtracks,
					Reason:     fmt.Sprintf("no eligible %d-mark candidate and backtrack limit %d reached", slot.Marks, s.cfg.MaxBacktracks),
				}
			}
			backtracks++
			frames[i] = frame{}
			i--
			st.release(slots[i].SectionID, frames[i].sel)
			frames[i].sel = nil
			s.logger.Debug("selection backtrack", "section", slots[i].SectionID, "slot", slots[i].Index+1, "backtracks", backtracks)
			continue
		}

		primary := f.ranked[f.next].c
		f.next++
		sel := model.SlotSelection{Slot: slot, Primary: primary}
		st.take(slot.SectionID, primary)
		if slot.NeedsOR {
			if alt, ok := s.pickAlternative(st, slot, primary, cands, later[i]); ok {
				st.take(slot.SectionID, alt)
				sel.Alternative = &alt
			}
		}
		f.sel = &sel
		i++
	}

	a := model.SelectionAssignment{Blueprint: bp, Backtracks: backtracks}
	alternatives := 0
	for _, f := range frames {
		a.Selections = append(a.Selections, *f.sel)
		if f.sel.Alternative != nil {
			alternatives++
		}
	}
	if err := Verify(a); err != nil {
		return model.SelectionAssignment{}, err
	}

	s.logger.Debug("selection complete",
		"blueprint", bp.Name,
		"slots", len(a.Selections),
		"alternatives", alternatives,
		"backtracks", backtracks,
	)
	return a, nil
}

// rank orders the candidates eligible as primary for slot.
func (s *Selector) rank(st *state, slot model.SlotRef, cands []model.CandidateQuestion) []scored {
	var out []scored
	for _, c := range cands {
		if !s.eligible(st, slot, c) {
			continue
		}
		out = append(out, scored{c: c, score: s.composite(st, slot.SectionID, c)})
	}
	sortScored(out)
	return out
}

// pickAlternative chooses the OR alternative for a slot whose primary is already
// taken. It prefers a different chapter from the primary and only takes a candidate
// when enough same-marks candidates stay free for the remaining slots.
func (s *Selector) pickAlternative(st *state, slot model.SlotRef, primary model.CandidateQuestion, cands []model.CandidateQuestion, remaining int) (model.CandidateQuestion, bool) {
	if st.unused[slot.Marks]-1 < remaining {
		return model.CandidateQuestion{}, false
	}
	ranked := s.rank(st, slot, cands)
	if len(ranked) == 0 {
		return model.CandidateQuestion{}, false
	}
	for _, r := range ranked {
		if differentChapter(primary.Chapter, r.c.Chapter) {
			return r.c, true
		}
	}
	return ranked[0].c, true
}

func (s *Selector) eligible(st *state, slot model.SlotRef, c model.CandidateQuestion) bool {
	if c.Marks != slot.Marks || st.used[c.ID] {
		return false
	}
	if s.cfg.MaxPerChapter > 0 && c.Chapter != "" && st.chapterCount(slot.SectionID, c.Chapter) >= s.cfg.MaxPerChapter {
		return false
	}
	return true
}

func (s *Selector) composite(st *state, sectionID string, c model.CandidateQuestion) float64 {
	if c.Chapter == "" {
		return c.SimilarityScore
	}
	return c.SimilarityScore - s.cfg.RepetitionPenalty*float64(st.chapterCount(sectionID, c.Chapter))
}

func differentChapter(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	return a != b
}

func sortScored(out []scored) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].c.ID < out[j].c.ID
	})
}

// laterDemand returns, for each slot, how many later slots need the same marks.
func laterDemand(slots []model.SlotRef) []int {
	out := make([]int, len(slots))
	seen := make(map[int]int)
	for i := len(slots) - 1; i >= 0; i-- {
		out[i] = seen[slots[i].Marks]
		seen[slots[i].Marks]++
	}
	return out
}

// dedupe keeps one entry per id with its highest score, ordered by id.
func dedupe(pool []model.CandidateQuestion) []model.CandidateQuestion {
	best := make(map[string]model.CandidateQuestion, len(pool))
	for _, c := range pool {
		if prev, ok := best[c.ID]; ok && prev.SimilarityScore >= c.SimilarityScore {
			continue
		}
		best[c.ID] = c
	}
	out := make([]model.CandidateQuestion, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type state struct {
	used     map[string]bool
	unused   map[int]int
	chapters map[string]map[string]int
}

func newState(cands []model.CandidateQuestion) *state {
	st := &state{
		used:     make(map[string]bool),
		unused:   make(map[int]int),
		chapters: make(map[string]map[string]int),
	}
	for _, c := range cands {
		st.unused[c.Marks]++
	}
	return st
}

func (st *state) chapterCount(sectionID, chapter string) int {
	return st.chapters[sectionID][chapter]
}

func (st *state) take(sectionID string, c model.CandidateQuestion) {
	st.used[c.ID] = true
	st.unused[c.Marks]--
	if c.Chapter == "" {
		return
	}
	if st.chapters[sectionID] == nil {
		st.chapters[sectionID] = make(map[string]int)
	}
	st.chapters[sectionID][c.Chapter]++
}

func (st *state) release(sectionID string, sel *model.SlotSelection) {
	if sel == nil {
		return
	}
	st.put(sectionID, sel.Primary)
	if sel.Alternative != nil {
		st.put(sectionID, *sel.Alternative)
	}
}

func (st *state) put(sectionID string, c model.CandidateQuestion) {
	delete(st.used, c.ID)
	st.unused[c.Marks]++
	if c.Chapter != "" {
		st.chapters[sectionID][c.Chapter]--
	}
}
