package model

// SlotRef identifies one question position: the blueprint row it came from and its
// index within the section (0-based, counted across the section's rows).
type SlotRef struct {
	SectionID    string       `json:"section_id"`
	Row          int          `json:"row"`
	Index        int          `json:"index"`
	Marks        int          `json:"marks"`
	QuestionType QuestionType `json:"question_type"`
	NeedsOR      bool         `json:"needs_or"`
}

// SlotSelection is the outcome for one slot.
type SlotSelection struct {
	Slot        SlotRef            `json:"slot"`
	Primary     CandidateQuestion  `json:"primary"`
	Alternative *CandidateQuestion `json:"alternative,omitempty"`
}

// SelectionAssignment maps every blueprint slot to its chosen source questions.
type SelectionAssignment struct {
	Blueprint  Blueprint       `json:"blueprint"`
	Selections []SlotSelection `json:"selections"`
	Backtracks int             `json:"backtracks"`
}

// QuestionIDs returns every referenced candidate id, primaries and alternatives,
// in slot order.
func (a SelectionAssignment) QuestionIDs() []string {
	ids := make([]string, 0, len(a.Selections)*2)
	for _, s := range a.Selections {
		ids = append(ids, s.Primary.ID)
		if s.Alternative != nil {
			ids = append(ids, s.Alternative.ID)
		}
	}
	return ids
}

// PrimaryMarks returns the marks realized by the primary questions.
func (a SelectionAssignment) PrimaryMarks() int {
	total := 0
	for _, s := range a.Selections {
		total += s.Primary.Marks
	}
	return total
}

// BySection groups selections by section id, keeping slot order.
func (a SelectionAssignment) BySection() map[string][]SlotSelection {
	out := make(map[string][]SlotSelection)
	for _, s := range a.Selections {
		out[s.Slot.SectionID] = append(out[s.Slot.SectionID], s)
	}
	return out
}
