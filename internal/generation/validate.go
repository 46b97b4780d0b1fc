package generation

import (
	"fmt"
	"strings"

	"github.com/pavelanni/cbsepaper/internal/model"
	"github.com/pavelanni/cbsepaper/internal/selector"
)

// Validate checks a parsed document against the blueprint and returns every
// violation found, worded for the corrective prompt. An empty result means the
// document is acceptable.
func Validate(doc model.PaperDocument, bp model.Blueprint, lang model.Language) []string {
	var v []string
	add := func(format string, args ...any) {
		v = append(v, fmt.Sprintf(format, args...))
	}

	if lang.NeedsEnglish() && blank(doc.SubjectEN) {
		add("missing `subject_en`")
	}
	if lang.NeedsHindi() && blank(doc.SubjectHI) {
		add("missing `subject_hi`")
	}
	if doc.TotalMarks != bp.TotalMarks {
		add("`total_marks` is %d, want %d", doc.TotalMarks, bp.TotalMarks)
	}

	sectionIDs := bp.SectionIDs()
	for i, s := range doc.Sections {
		if i >= len(sectionIDs) {
			add("unexpected section %q after Section %s", s.SectionID, sectionIDs[len(sectionIDs)-1])
		}
	}

	slots := selector.ExpandSlots(bp)
	base := 0
	lastNumber := 0
	for i, want := range sectionIDs {
		expected := bp.SectionSlots(want)
		count := 0
		for _, r := range expected {
			count += r.QuestionCount
		}

		if i >= len(doc.Sections) {
			add("missing Section %s", want)
			base += count
			continue
		}
		sec := doc.Sections[i]
		if got := model.NormalizeSectionID(sec.SectionID); got != want {
			add("section %d is %q, want Section %s", i+1, sec.SectionID, want)
		}
		if len(sec.Questions) != count {
			add("Section %s has %d questions, want %d", want, len(sec.Questions), count)
		}

		for j, q := range sec.Questions {
			label := fmt.Sprintf("Section %s question %d", want, base+j+1)

			if q.Number <= lastNumber {
				add("%s: number %d does not follow %d", label, q.Number, lastNumber)
			}
			if q.Number > lastNumber {
				lastNumber = q.Number
			}

			if j >= count {
				continue
			}
			slot := slots[base+j]
			row := bp.Slots[slot.Row]

			if q.Marks != slot.Marks {
				add("%s has %d marks, want %d", label, q.Marks, slot.Marks)
			}
			if !strings.EqualFold(strings.TrimSpace(string(q.Type)), string(slot.QuestionType)) {
				add("%s has type %q, want %q", label, q.Type, slot.QuestionType)
			}
			checkBody(add, label, lang, row, q.TextEN, q.TextHI, q.Options, q.SubPoints)

			switch {
			case slot.NeedsOR && q.ORQuestion == nil:
				add("%s missing `or_question`", label)
			case !slot.NeedsOR && q.ORQuestion != nil:
				add("%s has an unexpected `or_question`", label)
			case q.ORQuestion != nil:
				alt := q.ORQuestion
				altLabel := label + " `or_question`"
				if alt.Marks != slot.Marks {
					add("%s has %d marks, want %d", altLabel, alt.Marks, slot.Marks)
				}
				checkBody(add, altLabel, lang, row, alt.TextEN, alt.TextHI, alt.Options, alt.SubPoints)
			}
		}
		base += count
	}

	if got := doc.Marks(); got != bp.TotalMarks && len(v) == 0 {
		add("question marks add up to %d, want %d", got, bp.TotalMarks)
	}
	return v
}

func checkBody(add func(string, ...any), label string, lang model.Language, row model.BlueprintSlot,
	textEN, textHI string, options []model.Option, subPoints []model.SubPoint) {
	if lang.NeedsEnglish() && blank(textEN) {
		add("%s missing `text_en`", label)
	}
	if lang.NeedsHindi() && blank(textHI) {
		add("%s missing `text_hi`", label)
	}

	if row.QuestionType == model.QuestionMCQ {
		if len(options) < 2 {
			add("%s needs at least 2 options, got %d", label, len(options))
		}
		for k, o := range options {
			name := o.Label
			if blank(name) {
				name = fmt.Sprintf("%d", k+1)
			}
			if lang.NeedsEnglish() && blank(o.TextEN) {
				add("%s option %s missing `text_en`", label, name)
			}
			if lang.NeedsHindi() && blank(o.TextHI) {
				add("%s option %s missing `text_hi`", label, name)
			}
		}
	}

	if row.MaxSubPoints > 0 {
		if n := len(subPoints); n < row.MinSubPoints || n > row.MaxSubPoints {
			add("%s has %d sub_points, want %d to %d", label, n, row.MinSubPoints, row.MaxSubPoints)
		}
	}
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
