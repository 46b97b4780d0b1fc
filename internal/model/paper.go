package model

import "time"

// PaperDocument is the JSON contract with the generation provider. Field names are
// fixed: the provider is instructed against them.
type PaperDocument struct {
	QPCode     string         `json:"qp_code"`
	Series     string         `json:"series"`
	SetNum     string         `json:"set_num"`
	TotalMarks int            `json:"total_marks"`
	SubjectEN  string         `json:"subject_en"`
	SubjectHI  string         `json:"subject_hi"`
	Sections   []PaperSection `json:"sections"`
}

// PaperSection is one ordered section of the paper.
type PaperSection struct {
	SectionID string          `json:"section_id"`
	TitleEN   string          `json:"title_en,omitempty"`
	TitleHI   string          `json:"title_hi,omitempty"`
	Questions []PaperQuestion `json:"questions"`
}

// Marks returns the marks realized by the section's primary questions.
func (s PaperSection) Marks() int {
	total := 0
	for _, q := range s.Questions {
		total += q.Marks
	}
	return total
}

// PaperQuestion is a numbered question with its optional OR alternative.
type PaperQuestion struct {
	Number     int          `json:"number"`
	Marks      int          `json:"marks"`
	Type       QuestionType `json:"type"`
	TextEN     string       `json:"text_en"`
	TextHI     string       `json:"text_hi"`
	Options    []Option     `json:"options,omitempty"`
	SubPoints  []SubPoint   `json:"sub_points,omitempty"`
	ORQuestion *AltQuestion `json:"or_question,omitempty"`
}

// AltQuestion is the alternative offered in place of a primary question.
type AltQuestion struct {
	Marks     int          `json:"marks"`
	Type      QuestionType `json:"type,omitempty"`
	TextEN    string       `json:"text_en"`
	TextHI    string       `json:"text_hi"`
	Options   []Option     `json:"options,omitempty"`
	SubPoints []SubPoint   `json:"sub_points,omitempty"`
}

// Option is one labelled MCQ choice.
type Option struct {
	Label  string `json:"label"`
	TextEN string `json:"text_en"`
	TextHI string `json:"text_hi"`
}

// SubPoint is one part of a long answer question.
type SubPoint struct {
	TextEN string `json:"text_en"`
	TextHI string `json:"text_hi"`
}

// Marks returns the sum of all section marks.
func (d PaperDocument) Marks() int {
	total := 0
	for _, s := range d.Sections {
		total += s.Marks()
	}
	return total
}

// QuestionCount returns the number of numbered questions.
func (d PaperDocument) QuestionCount() int {
	n := 0
	for _, s := range d.Sections {
		n += len(s.Questions)
	}
	return n
}

// Provenance records which corpus questions a numbered question was paraphrased from.
type Provenance struct {
	Number        int    `json:"number"`
	SectionID     string `json:"section_id"`
	PrimaryID     string `json:"primary_id"`
	AlternativeID string `json:"alternative_id,omitempty"`
}

// Paper is the finished document handed to rendering.
type Paper struct {
	ID         string        `json:"id"`
	Subject    string        `json:"subject"`
	Grade      string        `json:"grade"`
	Language   Language      `json:"language"`
	Year       string        `json:"year,omitempty"`
	Blueprint  string        `json:"blueprint"`
	Document   PaperDocument `json:"document"`
	Provenance []Provenance  `json:"provenance"`
	Attempts   int           `json:"attempts"`
	Retries    int           `json:"retries"`
	CreatedAt  time.Time     `json:"created_at"`
}

// SourceIDs returns every corpus id the paper was built from.
func (p Paper) SourceIDs() []string {
	ids := make([]string, 0, len(p.Provenance)*2)
	for _, pr := range p.Provenance {
		ids = append(ids, pr.PrimaryID)
		if pr.AlternativeID != "" {
			ids = append(ids, pr.AlternativeID)
		}
	}
	return ids
}

// PaperSummary is a light listing row for stored papers.
type PaperSummary struct {
	ID            string    `json:"id"`
	Subject       string    `json:"subject"`
	Grade         string    `json:"grade"`
	Language      Language  `json:"language"`
	TotalMarks    int       `json:"total_marks"`
	QuestionCount int       `json:"question_count"`
	QPCode        string    `json:"qp_code"`
	CreatedAt     time.Time `json:"created_at"`
}
