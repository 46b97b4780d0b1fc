package generation

import (
	"github.com/pavelanni/cbsepaper/internal/model"
)

// SchemaName names the response schema sent to providers that support strict
// structured output.
const SchemaName = "question_paper"

var questionTypes = []string{
	string(model.QuestionMCQ),
	string(model.QuestionShort),
	string(model.QuestionLong),
	string(model.QuestionCaseStudy),
}

// Schema returns the JSON schema of the paper document for bp. Every object lists all
// of its properties as required and forbids extra ones, so the same schema works for
// providers that enforce it strictly. Optional values are expressed as empty arrays
// or null.
func Schema(bp model.Blueprint, lang model.Language) map[string]any {
	text := func(field string) map[string]any {
		desc := "Question text in English."
		if field == "text_hi" {
			desc = "Question text in Hindi (Devanagari)."
		}
		switch {
		case field == "text_en" && !lang.NeedsEnglish(), field == "text_hi" && !lang.NeedsHindi():
			desc += " May be empty."
		default:
			desc += " Required."
		}
		return map[string]any{"type": "string", "description": desc}
	}

	option := object(map[string]any{
		"label":   map[string]any{"type": "string", "description": "Option label such as (a)."},
		"text_en": text("text_en"),
		"text_hi": text("text_hi"),
	})
	subPoint := object(map[string]any{
		"text_en": text("text_en"),
		"text_hi": text("text_hi"),
	})
	body := func() map[string]any {
		return map[string]any{
			"marks":      map[string]any{"type": "integer"},
			"type":       map[string]any{"type": "string", "enum": questionTypes},
			"text_en":    text("text_en"),
			"text_hi":    text("text_hi"),
			"options":    map[string]any{"type": "array", "items": option, "description": "MCQ options; empty for other types."},
			"sub_points": map[string]any{"type": "array", "items": subPoint, "description": "Parts of a long or case study answer; may be empty."},
		}
	}

	alt := object(body())
	alt["type"] = []string{"object", "null"}
	alt["description"] = "The OR alternative. Required on questions whose section offers internal choice, null elsewhere."

	qProps := body()
	qProps["number"] = map[string]any{"type": "integer", "description": "Question number, consecutive across the paper."}
	qProps["or_question"] = alt
	question := object(qProps)

	section := object(map[string]any{
		"section_id": map[string]any{"type": "string", "enum": bp.SectionIDs()},
		"title_en":   map[string]any{"type": "string"},
		"title_hi":   map[string]any{"type": "string"},
		"questions":  map[string]any{"type": "array", "items": question},
	})

	return object(map[string]any{
		"qp_code":     map[string]any{"type": "string"},
		"series":      map[string]any{"type": "string"},
		"set_num":     map[string]any{"type": "string"},
		"total_marks": map[string]any{"type": "integer", "description": "Must equal the requested total."},
		"subject_en":  map[string]any{"type": "string"},
		"subject_hi":  map[string]any{"type": "string"},
		"sections":    map[string]any{"type": "array", "items": section},
	})
}

func object(props map[string]any) map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             orderedKeys(props),
		"additionalProperties": false,
	}
}

// fieldOrder is the document's field order; it keeps rendered schemas stable.
var fieldOrder = []string{
	"qp_code", "series", "set_num", "total_marks", "subject_en", "subject_hi", "sections",
	"section_id", "title_en", "title_hi", "questions",
	"number", "marks", "type", "label", "text_en", "text_hi", "options", "sub_points", "or_question",
}

func orderedKeys(props map[string]any) []string {
	keys := make([]string, 0, len(props))
	for _, k := range fieldOrder {
		if _, ok := props[k]; ok {
			keys = append(keys, k)
		}
	}
	return keys
}
