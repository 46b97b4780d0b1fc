// Package assembly finishes a validated document: it stamps presentation
// identifiers, fills section titles and records which corpus questions every numbered
// question came from.
package assembly

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/cbsepaper/internal/generation"
	"github.com/pavelanni/cbsepaper/internal/model"
)

// Defaults printed on the paper header when identifiers are not randomized.
const (
	DefaultQPCode = "72/1/1"
	DefaultSeries = "WXY4Z"
	DefaultSetNum = "4"
)

// Config controls the presentation identifiers.
type Config struct {
	QPCode string
	Series string
	SetNum string
	// Randomize assigns a fresh series, set and code to every paper.
	Randomize bool
}

// TitleFunc returns the printed title of a section in a language ("en" or "hi").
type TitleFunc func(lang, sectionID string) string

// Assembler builds finished papers. It has no side effects beyond its random source
// and is safe for concurrent use.
type Assembler struct {
	cfg    Config
	mu     sync.Mutex // guards rng
	rng    *rand.Rand
	titles TitleFunc
	now    func() time.Time
	newID  func() string
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithRand sets the random source used for identifiers.
func WithRand(r *rand.Rand) Option {
	return func(a *Assembler) { a.rng = r }
}

// WithTitles sets the section title source.
func WithTitles(fn TitleFunc) Option {
	return func(a *Assembler) { a.titles = fn }
}

// WithClock sets the clock used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithIDs sets the paper id generator.
func WithIDs(fn func() string) Option {
	return func(a *Assembler) { a.newID = fn }
}

// New creates an Assembler.
func New(cfg Config, opts ...Option) *Assembler {
	if cfg.QPCode == "" {
		cfg.QPCode = DefaultQPCode
	}
	if cfg.Series == "" {
		cfg.Series = DefaultSeries
	}
	if cfg.SetNum == "" {
		cfg.SetNum = DefaultSetNum
	}
	a := &Assembler{
		cfg:    cfg,
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		titles: defaultTitle,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func defaultTitle(lang, sectionID string) string {
	if lang == "hi" {
		return ""
	}
	return "Section " + sectionID
}

// Assemble returns the finished paper for a validated document and the selection it
// was generated from. It fails with *model.InvariantViolation when the document does
// not line up with the selection, which means validation let a bad document through.
func (a *Assembler) Assemble(req model.PaperRequest, sel model.SelectionAssignment, doc model.PaperDocument, gen Stats) (*model.Paper, error) {
	lang := req.Language
	if lang == "" {
		lang = model.LanguageEnglish
	}
	if v := generation.Validate(doc, sel.Blueprint, lang); len(v) > 0 {
		return nil, &model.InvariantViolation{
			Component: "assembly",
			Detail:    "validated document fails re-check",
			Context:   map[string]any{"violations": v},
		}
	}
	if got, want := doc.QuestionCount(), len(sel.Selections); got != want {
		return nil, &model.InvariantViolation{
			Component: "assembly",
			Detail:    "document and selection disagree on question count",
			Context:   map[string]any{"document": got, "selection": want},
		}
	}

	doc.QPCode, doc.Series, doc.SetNum = a.identifiers()
	doc.TotalMarks = sel.Blueprint.TotalMarks
	if doc.SubjectEN == "" {
		doc.SubjectEN = req.Subject
	}

	// Sections may carry copies of the provider's slices; rebuild them so the caller's
	// document is left untouched.
	sections := make([]model.PaperSection, len(doc.Sections))
	var prov []model.Provenance
	i := 0
	for s, sec := range doc.Sections {
		sec.SectionID = model.NormalizeSectionID(sec.SectionID)
		if sec.TitleEN == "" {
			sec.TitleEN = a.titles("en", sec.SectionID)
		}
		if sec.TitleHI == "" && lang.NeedsHindi() {
			sec.TitleHI = a.titles("hi", sec.SectionID)
		}
		questions := make([]model.PaperQuestion, len(sec.Questions))
		for j, q := range sec.Questions {
			src := sel.Selections[i]
			i++
			// Number questions 1..N in paper order.
			q.Number = i
			questions[j] = q

			p := model.Provenance{Number: q.Number, SectionID: sec.SectionID, PrimaryID: src.Primary.ID}
			if src.Alternative != nil {
				p.AlternativeID = src.Alternative.ID
			}
			if src.Slot.SectionID != sec.SectionID {
				return nil, &model.InvariantViolation{
					Component: "assembly",
					Detail:    "question lands in a different section than its source",
					Context:   map[string]any{"number": q.Number, "document": sec.SectionID, "selection": src.Slot.SectionID},
				}
			}
			prov = append(prov, p)
		}
		sec.Questions = questions
		sections[s] = sec
	}
	doc.Sections = sections

	return &model.Paper{
		ID:         a.newID(),
		Subject:    req.Subject,
		Grade:      req.Grade,
		Language:   lang,
		Year:       req.Year,
		Blueprint:  sel.Blueprint.Name,
		Document:   doc,
		Provenance: prov,
		Attempts:   gen.Attempts,
		Retries:    gen.Retries,
		CreatedAt:  a.now().UTC(),
	}, nil
}

// Stats carries generation counters onto the paper.
type Stats struct {
	Attempts int
	Retries  int
}

const seriesLetters = "ABCDEFGHJKLMNPQRSTUVWXYZ"

func (a *Assembler) identifiers() (qpCode, series, setNum string) {
	if !a.cfg.Randomize {
		return a.cfg.QPCode, a.cfg.Series, a.cfg.SetNum
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	// Series follow the board's LLLDL pattern.
	b := make([]byte, 5)
	for i := range b {
		if i == 3 {
			b[i] = byte('1' + a.rng.IntN(9))
			continue
		}
		b[i] = seriesLetters[a.rng.IntN(len(seriesLetters))]
	}
	set := 1 + a.rng.IntN(4)
	code := fmt.Sprintf("%d/%d/%d", 10+a.rng.IntN(90), 1+a.rng.IntN(3), set)
	return code, string(b), strconv.Itoa(set)
}
