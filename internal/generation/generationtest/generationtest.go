// Package generationtest provides generator doubles and well-formed documents for
// tests of packages that drive paper generation.
package generationtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pavelanni/cbsepaper/internal/llm"
	"github.com/pavelanni/cbsepaper/internal/model"
)

// Document returns a bilingual document that satisfies bp in every language.
func Document(bp model.Blueprint) model.PaperDocument {
	doc := model.PaperDocument{
		TotalMarks: bp.TotalMarks,
		SubjectEN:  "Commercial Art",
		SubjectHI:  "व्यावसायिक कला",
	}
	number := 0
	for _, id := range bp.SectionIDs() {
		sec := model.PaperSection{SectionID: id}
		for _, row := range bp.SectionSlots(id) {
			for range row.QuestionCount {
				number++
				q := model.PaperQuestion{
					Number: number,
					Marks:  row.MarksPerQuestion,
					Type:   row.QuestionType,
					TextEN: fmt.Sprintf("Question %d", number),
					TextHI: fmt.Sprintf("प्रश्न %d", number),
				}
				q.Options, q.SubPoints = parts(row)
				if row.HasORAlternative {
					alt := &model.AltQuestion{
						Marks:  row.MarksPerQuestion,
						Type:   row.QuestionType,
						TextEN: fmt.Sprintf("Alternative %d", number),
						TextHI: fmt.Sprintf("विकल्प %d", number),
					}
					alt.Options, alt.SubPoints = parts(row)
					q.ORQuestion = alt
				}
				sec.Questions = append(sec.Questions, q)
			}
		}
		doc.Sections = append(doc.Sections, sec)
	}
	return doc
}

func parts(row model.BlueprintSlot) ([]model.Option, []model.SubPoint) {
	var opts []model.Option
	if row.QuestionType == model.QuestionMCQ {
		for i, l := range []string{"(a)", "(b)", "(c)", "(d)"} {
			opts = append(opts, model.Option{Label: l, TextEN: fmt.Sprintf("Choice %d", i+1), TextHI: fmt.Sprintf("विकल्प %d", i+1)})
		}
	}
	var subs []model.SubPoint
	for i := 0; i < row.MinSubPoints; i++ {
		subs = append(subs, model.SubPoint{TextEN: fmt.Sprintf("Part %d", i+1), TextHI: fmt.Sprintf("भाग %d", i+1)})
	}
	return opts, subs
}

// JSON marshals doc.
func JSON(doc model.PaperDocument) string {
	b, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// Reply is one scripted generator answer.
type Reply struct {
	Text string
	Err  error
	// Block makes the call wait for its context to end.
	Block bool
}

// Scripted answers calls from a fixed script and records every request. Calls past
// the end of the script repeat the last reply.
type Scripted struct {
	mu       sync.Mutex
	replies  []Reply
	Requests []llm.Request
}

// NewScripted returns a generator that plays replies in order.
func NewScripted(replies ...Reply) *Scripted {
	return &Scripted{replies: replies}
}

// GenerateText implements the generator interface.
func (s *Scripted) GenerateText(ctx context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	n := len(s.Requests)
	s.Requests = append(s.Requests, req)
	var r Reply
	if len(s.replies) > 0 {
		r = s.replies[min(n, len(s.replies)-1)]
	}
	s.mu.Unlock()

	if r.Block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return r.Text, r.Err
}

// Calls returns how many requests were made.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Requests)
}
