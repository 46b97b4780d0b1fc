package model

import (
	"fmt"
	"sort"
	"strings"
)

// BlueprintSlot is one row of a paper's structure: count questions of the same marks
// and type inside one section.
type BlueprintSlot struct {
	SectionID        string       `json:"section_id" yaml:"section_id"`
	QuestionCount    int          `json:"question_count" yaml:"question_count"`
	MarksPerQuestion int          `json:"marks_per_question" yaml:"marks_per_question"`
	QuestionType     QuestionType `json:"question_type" yaml:"question_type"`
	HasORAlternative bool         `json:"has_or_alternative" yaml:"has_or_alternative"`
	MinSubPoints     int          `json:"min_sub_points,omitempty" yaml:"min_sub_points,omitempty"`
	MaxSubPoints     int          `json:"max_sub_points,omitempty" yaml:"max_sub_points,omitempty"`
}

// Marks returns the marks this row contributes to the paper.
func (s BlueprintSlot) Marks() int {
	return s.QuestionCount * s.MarksPerQuestion
}

// Blueprint is the fixed section/marks/count structure a paper must satisfy.
type Blueprint struct {
	Name       string          `json:"name" yaml:"name"`
	Subject    string          `json:"subject,omitempty" yaml:"subject,omitempty"`
	Grade      string          `json:"grade,omitempty" yaml:"grade,omitempty"`
	TotalMarks int             `json:"total_marks" yaml:"total_marks"`
	Slots      []BlueprintSlot `json:"slots" yaml:"slots"`
}

// SumMarks returns the marks realized by all slots.
func (b Blueprint) SumMarks() int {
	total := 0
	for _, s := range b.Slots {
		total += s.Marks()
	}
	return total
}

// QuestionCount returns the number of primary questions in the paper.
func (b Blueprint) QuestionCount() int {
	n := 0
	for _, s := range b.Slots {
		n += s.QuestionCount
	}
	return n
}

// NormalizeSectionID maps "Section b", "SECTION B" and "b" to "B".
func NormalizeSectionID(id string) string {
	id = strings.TrimSpace(id)
	const prefix = "section"
	if len(id) > len(prefix)+1 && strings.EqualFold(id[:len(prefix)], prefix) && (id[len(prefix)] == ' ' || id[len(prefix)] == '\t') {
		id = strings.TrimSpace(id[len(prefix):])
	}
	return strings.ToUpper(id)
}

// Normalized returns a copy of b whose section ids are in canonical form.
func (b Blueprint) Normalized() Blueprint {
	slots := make([]BlueprintSlot, len(b.Slots))
	for i, s := range b.Slots {
		s.SectionID = NormalizeSectionID(s.SectionID)
		slots[i] = s
	}
	b.Slots = slots
	return b
}

// SectionIDs returns section ids in declaration order.
func (b Blueprint) SectionIDs() []string {
	var ids []string
	seen := make(map[string]bool)
	for _, s := range b.Slots {
		if !seen[s.SectionID] {
			seen[s.SectionID] = true
			ids = append(ids, s.SectionID)
		}
	}
	return ids
}

// SectionSlots returns the rows of one section in declaration order.
func (b Blueprint) SectionSlots(sectionID string) []BlueprintSlot {
	var rows []BlueprintSlot
	for _, s := range b.Slots {
		if s.SectionID == sectionID {
			rows = append(rows, s)
		}
	}
	return rows
}

// SectionMarks returns the marks a section must realize.
func (b Blueprint) SectionMarks(sectionID string) int {
	total := 0
	for _, s := range b.SectionSlots(sectionID) {
		total += s.Marks()
	}
	return total
}

// MarksDemand returns, per marks value, how many primary questions the blueprint needs.
func (b Blueprint) MarksDemand() map[int]int {
	demand := make(map[int]int)
	for _, s := range b.Slots {
		demand[s.MarksPerQuestion] += s.QuestionCount
	}
	return demand
}

// Shortfalls reports, in ascending marks order, every marks value whose available
// count cannot cover the blueprint's demand.
func (b Blueprint) Shortfalls(available map[int]int) []Shortfall {
	demand := b.MarksDemand()
	sections := make(map[int][]string)
	for _, s := range b.Slots {
		ids := sections[s.MarksPerQuestion]
		if len(ids) == 0 || ids[len(ids)-1] != s.SectionID {
			sections[s.MarksPerQuestion] = append(ids, s.SectionID)
		}
	}

	marks := make([]int, 0, len(demand))
	for m := range demand {
		marks = append(marks, m)
	}
	sort.Ints(marks)

	var out []Shortfall
	for _, m := range marks {
		if available[m] < demand[m] {
			out = append(out, Shortfall{
				SectionID: strings.Join(sections[m], ","),
				Marks:     m,
				Needed:    demand[m],
				Available: available[m],
			})
		}
	}
	return out
}

// Validate checks the blueprint's structural invariants, including that the
// slots add up to TotalMarks.
func (b Blueprint) Validate() error {
	if len(b.Slots) == 0 {
		return fmt.Errorf("blueprint %q has no slots", b.Name)
	}
	for i, s := range b.Slots {
		if strings.TrimSpace(s.SectionID) == "" {
			return fmt.Errorf("slot %d: section_id is required", i)
		}
		if s.QuestionCount <= 0 {
			return fmt.Errorf("slot %d (section %s): question_count must be positive", i, s.SectionID)
		}
		if s.MarksPerQuestion <= 0 {
			return fmt.Errorf("slot %d (section %s): marks_per_question must be positive", i, s.SectionID)
		}
		if !s.QuestionType.IsValid() {
			return fmt.Errorf("slot %d (section %s): unknown question_type %q", i, s.SectionID, s.QuestionType)
		}
		if s.MinSubPoints < 0 || s.MaxSubPoints < 0 {
			return fmt.Errorf("slot %d (section %s): sub point bounds must not be negative", i, s.SectionID)
		}
		if s.MaxSubPoints > 0 && s.MinSubPoints > s.MaxSubPoints {
			return fmt.Errorf("slot %d (section %s): min_sub_points %d exceeds max_sub_points %d",
				i, s.SectionID, s.MinSubPoints, s.MaxSubPoints)
		}
	}
	if got := b.SumMarks(); got != b.TotalMarks {
		return fmt.Errorf("blueprint %q slots sum to %d marks, want %d", b.Name, got, b.TotalMarks)
	}
	return nil
}
