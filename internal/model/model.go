package model

import (
	"fmt"
	"strings"
)

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// QuestionType is the answer format a blueprint slot expects.
type QuestionType string

const (
	QuestionMCQ       QuestionType = "mcq"
	QuestionShort     QuestionType = "short"
	QuestionLong      QuestionType = "long"
	QuestionCaseStudy QuestionType = "case_study"
)

var validQuestionTypes = map[QuestionType]bool{
	QuestionMCQ:       true,
	QuestionShort:     true,
	QuestionLong:      true,
	QuestionCaseStudy: true,
}

// IsValid reports whether t is a known question type.
func (t QuestionType) IsValid() bool {
	return validQuestionTypes[t]
}

// Language selects which texts a paper must carry.
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageHindi   Language = "hi"
	LanguageBoth    Language = "both"
)

// ParseLanguage normalizes a language string. Empty means English.
func ParseLanguage(s string) (Language, error) {
	switch Language(strings.ToLower(strings.TrimSpace(s))) {
	case "", LanguageEnglish:
		return LanguageEnglish, nil
	case LanguageHindi:
		return LanguageHindi, nil
	case LanguageBoth:
		return LanguageBoth, nil
	default:
		return "", fmt.Errorf("unsupported language %q (want en, hi or both)", s)
	}
}

// NeedsEnglish reports whether English text is mandatory.
func (l Language) NeedsEnglish() bool {
	return l == LanguageEnglish || l == LanguageBoth
}

// NeedsHindi reports whether Hindi text is mandatory.
func (l Language) NeedsHindi() bool {
	return l == LanguageHindi || l == LanguageBoth
}

// CandidateQuestion is a previously extracted question returned by the vector index.
// It is owned by the index and never mutated here.
type CandidateQuestion struct {
	ID              string       `json:"id"`
	TextEN          string       `json:"text_en"`
	TextHI          string       `json:"text_hi,omitempty"`
	Marks           int          `json:"marks"`
	SectionHint     string       `json:"section_hint,omitempty"`
	QuestionType    QuestionType `json:"question_type,omitempty"`
	Chapter         string       `json:"chapter,omitempty"`
	Topic           string       `json:"topic,omitempty"`
	Difficulty      Difficulty   `json:"difficulty,omitempty"`
	OptionsEN       []string     `json:"options_en,omitempty"`
	OptionsHI       []string     `json:"options_hi,omitempty"`
	SimilarityScore float64      `json:"similarity_score"`
	EmbeddingID     string       `json:"embedding_id,omitempty"`
}

// HasText reports whether the candidate carries the source text a language requires.
// Bilingual papers accept either text since the generator translates the other.
func (c CandidateQuestion) HasText(lang Language) bool {
	en := strings.TrimSpace(c.TextEN) != ""
	hi := strings.TrimSpace(c.TextHI) != ""
	switch lang {
	case LanguageEnglish:
		return en
	case LanguageHindi:
		return hi
	default:
		return en || hi
	}
}

// PaperRequest is the input of a single paper generation.
type PaperRequest struct {
	Subject    string     `json:"subject"`
	Grade      string     `json:"grade"`
	TotalMarks int        `json:"total_marks"`
	Language   Language   `json:"language"`
	Year       string     `json:"year,omitempty"`
	Blueprint  *Blueprint `json:"blueprint,omitempty"` // optional custom section config
}

// Validate checks the request fields that do not depend on the corpus.
func (r PaperRequest) Validate() error {
	if strings.TrimSpace(r.Subject) == "" {
		return &InvalidRequestError{Detail: "subject is required"}
	}
	if strings.TrimSpace(r.Grade) == "" {
		return &InvalidRequestError{Detail: "grade is required"}
	}
	if r.TotalMarks <= 0 {
		return &InvalidRequestError{Detail: fmt.Sprintf("total_marks must be positive, got %d", r.TotalMarks)}
	}
	if _, err := ParseLanguage(string(r.Language)); err != nil {
		return &InvalidRequestError{Detail: err.Error()}
	}
	return nil
}

// QuestionImport is used for loading already extracted questions from JSON.
type QuestionImport struct {
	ID           string       `json:"id,omitempty"`
	Subject      string       `json:"subject"`
	Grade        string       `json:"grade"`
	Year         string       `json:"year"`
	Section      string       `json:"section"`
	QuestionType QuestionType `json:"question_type"`
	Marks        int          `json:"marks"`
	Chapter      string       `json:"chapter"`
	Topic        string       `json:"topic"`
	Difficulty   Difficulty   `json:"difficulty"`
	TextEN       string       `json:"text_en"`
	TextHI       string       `json:"text_hi"`
	OptionsEN    []string     `json:"options_en,omitempty"`
	OptionsHI    []string     `json:"options_hi,omitempty"`
}
