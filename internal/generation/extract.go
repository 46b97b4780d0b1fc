package generation

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/pavelanni/cbsepaper/internal/model"
)

// Outcome classifies one generator response.
type Outcome int

const (
	ParsedValid Outcome = iota
	ParsedInvalid
	ParseFailed
)

func (o Outcome) String() string {
	switch o {
	case ParsedValid:
		return "parsed_valid"
	case ParsedInvalid:
		return "parsed_invalid"
	default:
		return "parse_failed"
	}
}

// ParseResult is the tagged result of reading a response: a valid document, a
// document with violations, or a parse failure.
type ParseResult struct {
	Outcome    Outcome
	Document   *model.PaperDocument
	Violations []string
	Err        error
	Repaired   bool
}

// Evaluate extracts, parses and validates raw generator output.
func Evaluate(raw string, bp model.Blueprint, lang model.Language) ParseResult {
	body, repaired, err := ExtractJSON(raw)
	if err != nil {
		return ParseResult{Outcome: ParseFailed, Err: err}
	}
	var doc model.PaperDocument
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return ParseResult{Outcome: ParseFailed, Err: err, Repaired: repaired}
	}
	if v := Validate(doc, bp, lang); len(v) > 0 {
		return ParseResult{Outcome: ParsedInvalid, Document: &doc, Violations: v, Repaired: repaired}
	}
	return ParseResult{Outcome: ParsedValid, Document: &doc, Repaired: repaired}
}

// ExtractJSON returns the first JSON object in raw, ignoring code fences and any prose
// around it. Brace pairs in the prose that do not form valid JSON are skipped. Output
// cut off mid-object is closed by balancing its open strings, arrays and objects;
// repaired reports when that happened.
func ExtractJSON(raw string) (body string, repaired bool, err error) {
	text := stripFences(raw)
	var firstErr error
	for offset := 0; ; {
		start := strings.IndexByte(text[offset:], '{')
		if start < 0 {
			break
		}
		start += offset
		obj, complete, scanErr := scanObject(text[start:])
		switch {
		case scanErr != nil:
			if firstErr == nil {
				firstErr = scanErr
			}
		case !complete:
			return obj, true, nil
		case json.Valid([]byte(obj)):
			return obj, false, nil
		default:
			if firstErr == nil {
				firstErr = errors.New("no valid JSON object found in response")
			}
		}
		offset = start + 1
	}
	if firstErr == nil {
		firstErr = errors.New("no JSON object found in response")
	}
	return "", false, firstErr
}

// scanObject reads the object text starts with. complete is false when the text ends
// first, in which case body is closed by balancing what is still open.
func scanObject(text string) (body string, complete bool, err error) {
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != ch {
				return "", false, errors.New("mismatched brackets in response")
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return text[:i+1], true, nil
			}
		}
	}

	// Truncated: close what is open.
	var sb strings.Builder
	sb.WriteString(text)
	if inString {
		if escaped {
			sb.WriteByte('\\')
		}
		sb.WriteByte('"')
	}
	out := strings.TrimRight(sb.String(), " \t\r\n")
	out = strings.TrimSuffix(out, ",")
	for i := len(stack) - 1; i >= 0; i-- {
		out += string(stack[i])
	}
	return out, false, nil
}

// stripFences returns the content of the first fenced block, or raw unchanged when
// there is none.
func stripFences(raw string) string {
	open := strings.Index(raw, "```")
	if open < 0 {
		return raw
	}
	rest := raw[open+3:]
	// Drop the info string (```json).
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.Contains(rest[:nl], "{") {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		return rest[:end]
	}
	return rest
}
