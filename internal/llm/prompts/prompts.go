package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/cbsepaper/internal/model"
)

// Templates holds the built-in prompt templates.
//
//go:embed templates/*.tmpl
var Templates embed.FS

const maxSourceRunes = 4000

var (
	sourceTagRegex          = regexp.MustCompile(`(?i)</?\s*source-question\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

var (
	loadOnce   sync.Once
	loadErr    error
	systemTmpl *template.Template
	paperTmpl  *template.Template
	fixTmpl    *template.Template
)

// SystemData holds template data for the system prompt.
type SystemData struct {
	SubjectEN    string
	NeedsEnglish bool
	NeedsHindi   bool
}

// PaperData holds template data for the initial generation request.
type PaperData struct {
	Subject      string
	Grade        string
	Year         string
	TotalMarks   int
	Language     model.Language
	NeedsEnglish bool
	NeedsHindi   bool
	Sections     []SectionData
	Schema       string
}

// SectionData describes one section and the source questions chosen for it.
type SectionData struct {
	SectionID string
	Marks     int
	Rows      []model.BlueprintSlot
	Questions []QuestionData
}

// QuestionData is one numbered question position with its sources.
type QuestionData struct {
	Number      int
	Marks       int
	Type        model.QuestionType
	NeedsOR     bool
	MinSub      int
	MaxSub      int
	Primary     SourceData
	Alternative *SourceData
}

// SourceData is a sanitized corpus question.
type SourceData struct {
	Chapter string
	TextEN  string
	TextHI  string
	Options []string
}

// CorrectionData holds template data for the corrective follow-up turn.
type CorrectionData struct {
	Attempt    int
	Violations []string
	ParseError string
}

// Load loads prompt templates from fsys.
// It uses sync.Once to ensure templates are loaded only once.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		parse := func(name string) (*template.Template, error) {
			content, err := fs.ReadFile(fsys, "templates/"+name)
			if err != nil {
				return nil, errors.New("failed to read prompt file " + name + ": " + err.Error())
			}
			tmpl, err := template.New(name).Parse(string(content))
			if err != nil {
				return nil, errors.New("failed to parse prompt template " + name + ": " + err.Error())
			}
			return tmpl, nil
		}
		if systemTmpl, loadErr = parse("system.tmpl"); loadErr != nil {
			return
		}
		if paperTmpl, loadErr = parse("paper.tmpl"); loadErr != nil {
			return
		}
		fixTmpl, loadErr = parse("correction.tmpl")
	})
	return loadErr
}

func execute(tmpl *template.Template, data any) (string, error) {
	if tmpl == nil {
		if loadErr != nil {
			return "", fmt.Errorf("templates load failed: %w", loadErr)
		}
		return "", errors.New("templates not initialized: call Load first")
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BuildSystemPrompt renders the system prompt for a paper in lang.
func BuildSystemPrompt(subject string, lang model.Language) (string, error) {
	return execute(systemTmpl, SystemData{
		SubjectEN:    subject,
		NeedsEnglish: lang.NeedsEnglish(),
		NeedsHindi:   lang.NeedsHindi(),
	})
}

// BuildPaperPrompt renders the generation request: the selected questions grouped by
// section, numbered in paper order, followed by the exact JSON schema to fill.
func BuildPaperPrompt(req model.PaperRequest, a model.SelectionAssignment, schema map[string]any) (string, error) {
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal schema: %w", err)
	}
	data := PaperData{
		Subject:      req.Subject,
		Grade:        req.Grade,
		Year:         req.Year,
		TotalMarks:   a.Blueprint.TotalMarks,
		Language:     req.Language,
		NeedsEnglish: req.Language.NeedsEnglish(),
		NeedsHindi:   req.Language.NeedsHindi(),
		Sections:     GroupSections(a),
		Schema:       string(schemaJSON),
	}
	return execute(paperTmpl, data)
}

// BuildCorrectionPrompt renders the follow-up turn listing what was wrong with the
// previous answer.
func BuildCorrectionPrompt(attempt int, violations []string, parseErr string) (string, error) {
	return execute(fixTmpl, CorrectionData{
		Attempt:    attempt,
		Violations: violations,
		ParseError: parseErr,
	})
}

// GroupSections arranges an assignment in blueprint section order, numbering
// questions consecutively across the paper.
func GroupSections(a model.SelectionAssignment) []SectionData {
	bySection := a.BySection()
	var sections []SectionData
	number := 0
	for _, id := range a.Blueprint.SectionIDs() {
		sd := SectionData{
			SectionID: id,
			Marks:     a.Blueprint.SectionMarks(id),
			Rows:      a.Blueprint.SectionSlots(id),
		}
		for _, sel := range bySection[id] {
			number++
			row := a.Blueprint.Slots[sel.Slot.Row]
			q := QuestionData{
				Number:  number,
				Marks:   sel.Slot.Marks,
				Type:    sel.Slot.QuestionType,
				NeedsOR: sel.Slot.NeedsOR,
				MinSub:  row.MinSubPoints,
				MaxSub:  row.MaxSubPoints,
				Primary: toSource(sel.Primary),
			}
			if sel.Alternative != nil {
				alt := toSource(*sel.Alternative)
				q.Alternative = &alt
			}
			sd.Questions = append(sd.Questions, q)
		}
		sections = append(sections, sd)
	}
	return sections
}

func toSource(c model.CandidateQuestion) SourceData {
	return SourceData{
		Chapter: c.Chapter,
		TextEN:  sanitizeSource(c.TextEN),
		TextHI:  sanitizeSource(c.TextHI),
		Options: c.OptionsEN,
	}
}

// sanitizeSource strips delimiter tags that could break out of the prompt's quoting
// and caps the length of extracted question text.
func sanitizeSource(text string) string {
	text = sourceTagRegex.ReplaceAllString(text, "")
	text = systemInstructionsRegex.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	if utf8.RuneCountInString(text) > maxSourceRunes {
		runes := []rune(text)
		text = string(runes[:maxSourceRunes]) + " [truncated]"
	}
	return text
}
