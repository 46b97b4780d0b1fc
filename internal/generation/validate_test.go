package generation

import (
	"slices"
	"testing"

	"github.com/pavelanni/cbsepaper/internal/blueprint"
	"github.com/pavelanni/cbsepaper/internal/generation/generationtest"
	"github.com/pavelanni/cbsepaper/internal/model"
)

func TestValidateRoundTrip36(t *testing.T) {
	bp := blueprint.CommercialArt36()
	doc := generationtest.Document(bp)

	if got := doc.Marks(); got != 36 {
		t.Fatalf("document marks = %d, want 36", got)
	}
	if v := Validate(doc, bp, model.LanguageBoth); len(v) != 0 {
		t.Errorf("valid 36-mark document rejected: %v", v)
	}

	doc.TotalMarks = 35
	v := Validate(doc, bp, model.LanguageBoth)
	if !slices.Contains(v, "`total_marks` is 35, want 36") {
		t.Errorf("35-mark document not rejected for its total: %v", v)
	}
}

func TestValidateStandard80(t *testing.T) {
	bp := blueprint.Standard80()
	if v := Validate(generationtest.Document(bp), bp, model.LanguageBoth); len(v) != 0 {
		t.Errorf("valid 80-mark document rejected: %v", v)
	}
}

func TestValidateViolations(t *testing.T) {
	bp := blueprint.CommercialArt36()

	tests := []struct {
		name   string
		lang   model.Language
		mutate func(*model.PaperDocument)
		want   string
	}{
		{
			name:   "missing or_question",
			lang:   model.LanguageBoth,
			mutate: func(d *model.PaperDocument) { d.Sections[1].Questions[0].ORQuestion = nil },
			want:   "Section B question 9 missing `or_question`",
		},
		{
			name: "unexpected or_question",
			lang: model.LanguageBoth,
			mutate: func(d *model.PaperDocument) {
				d.Sections[2].Questions[0].ORQuestion = &model.AltQuestion{Marks: 6, TextEN: "x", TextHI: "y"}
			},
			want: "Section C question 14 has an unexpected `or_question`",
		},
		{
			name:   "missing hindi",
			lang:   model.LanguageBoth,
			mutate: func(d *model.PaperDocument) { d.Sections[0].Questions[2].TextHI = " " },
			want:   "Section A question 3 missing `text_hi`",
		},
		{
			name:   "marks mismatch",
			lang:   model.LanguageEnglish,
			mutate: func(d *model.PaperDocument) { d.Sections[1].Questions[4].Marks = 3 },
			want:   "Section B question 13 has 3 marks, want 2",
		},
		{
			name:   "question count",
			lang:   model.LanguageEnglish,
			mutate: func(d *model.PaperDocument) { d.Sections[2].Questions = d.Sections[2].Questions[:2] },
			want:   "Section C has 2 questions, want 3",
		},
		{
			name:   "duplicate number",
			lang:   model.LanguageEnglish,
			mutate: func(d *model.PaperDocument) { d.Sections[1].Questions[1].Number = 9 },
			want:   "Section B question 10: number 9 does not follow 9",
		},
		{
			name:   "section order",
			lang:   model.LanguageEnglish,
			mutate: func(d *model.PaperDocument) { d.Sections[0].SectionID = "C" },
			want:   `section 1 is "C", want Section A`,
		},
		{
			name:   "missing section",
			lang:   model.LanguageEnglish,
			mutate: func(d *model.PaperDocument) { d.Sections = d.Sections[:2] },
			want:   "missing Section C",
		},
		{
			name:   "mcq options",
			lang:   model.LanguageEnglish,
			mutate: func(d *model.PaperDocument) { d.Sections[0].Questions[0].Options = d.Sections[0].Questions[0].Options[:1] },
			want:   "Section A question 1 needs at least 2 options, got 1",
		},
		{
			name:   "sub points",
			lang:   model.LanguageEnglish,
			mutate: func(d *model.PaperDocument) { d.Sections[2].Questions[1].SubPoints = nil },
			want:   "Section C question 15 has 0 sub_points, want 2 to 4",
		},
		{
			name:   "alternative marks",
			lang:   model.LanguageEnglish,
			mutate: func(d *model.PaperDocument) { d.Sections[1].Questions[2].ORQuestion.Marks = 1 },
			want:   "Section B question 11 `or_question` has 1 marks, want 2",
		},
		{
			name:   "missing subject",
			lang:   model.LanguageHindi,
			mutate: func(d *model.PaperDocument) { d.SubjectHI = "" },
			want:   "missing `subject_hi`",
		},
		{
			name:   "wrong type",
			lang:   model.LanguageEnglish,
			mutate: func(d *model.PaperDocument) { d.Sections[2].Questions[2].Type = model.QuestionShort },
			want:   `Section C question 16 has type "short", want "long"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := generationtest.Document(bp)
			tt.mutate(&doc)
			v := Validate(doc, bp, tt.lang)
			if !slices.Contains(v, tt.want) {
				t.Errorf("Validate() = %v, want it to contain %q", v, tt.want)
			}
		})
	}
}

func TestValidateLanguageScope(t *testing.T) {
	bp := blueprint.CommercialArt36()
	doc := generationtest.Document(bp)
	for i := range doc.Sections {
		for j := range doc.Sections[i].Questions {
			doc.Sections[i].Questions[j].TextHI = ""
		}
	}
	if v := Validate(doc, bp, model.LanguageEnglish); len(v) != 0 {
		t.Errorf("English paper should not need Hindi text: %v", v)
	}
	if v := Validate(doc, bp, model.LanguageBoth); len(v) != 16 {
		t.Errorf("bilingual paper: got %d violations, want 16", len(v))
	}
}
