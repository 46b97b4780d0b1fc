// Package blueprint keeps the catalog of paper structures and resolves which one
// a generation request uses.
package blueprint

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pavelanni/cbsepaper/internal/model"
)

// CommercialArt36 is the default Commercial Art paper: 8 MCQs, 5 short answers with
// internal choice and 3 long answers.
func CommercialArt36() model.Blueprint {
	return model.Blueprint{
		Name:       "commercial-art-36",
		TotalMarks: 36,
		Slots: []model.BlueprintSlot{
			{SectionID: "A", QuestionCount: 8, MarksPerQuestion: 1, QuestionType: model.QuestionMCQ},
			{SectionID: "B", QuestionCount: 5, MarksPerQuestion: 2, QuestionType: model.QuestionShort, HasORAlternative: true},
			{SectionID: "C", QuestionCount: 3, MarksPerQuestion: 6, QuestionType: model.QuestionLong, MinSubPoints: 2, MaxSubPoints: 4},
		},
	}
}

// Standard80 is the five-section CBSE board paper.
func Standard80() model.Blueprint {
	return model.Blueprint{
		Name:       "cbse-standard-80",
		TotalMarks: 80,
		Slots: []model.BlueprintSlot{
			{SectionID: "A", QuestionCount: 20, MarksPerQuestion: 1, QuestionType: model.QuestionMCQ},
			{SectionID: "B", QuestionCount: 6, MarksPerQuestion: 2, QuestionType: model.QuestionShort, HasORAlternative: true},
			{SectionID: "C", QuestionCount: 7, MarksPerQuestion: 3, QuestionType: model.QuestionShort, HasORAlternative: true},
			{SectionID: "D", QuestionCount: 3, MarksPerQuestion: 5, QuestionType: model.QuestionLong, HasORAlternative: true, MinSubPoints: 2, MaxSubPoints: 5},
			{SectionID: "E", QuestionCount: 3, MarksPerQuestion: 4, QuestionType: model.QuestionCaseStudy, MinSubPoints: 2, MaxSubPoints: 4},
		},
	}
}

// Catalog holds named blueprints. It is safe for concurrent reads once loaded.
type Catalog struct {
	byName map[string]model.Blueprint
	order  []string
}

// NewCatalog returns a catalog seeded with the built-in blueprints.
func NewCatalog() *Catalog {
	c := &Catalog{byName: make(map[string]model.Blueprint)}
	for _, bp := range []model.Blueprint{CommercialArt36(), Standard80()} {
		// Built-ins are known to be valid.
		_ = c.Add(bp)
	}
	return c
}

// Add validates bp and stores it, replacing any blueprint with the same name.
// Section ids are stored in canonical form.
func (c *Catalog) Add(bp model.Blueprint) error {
	bp = bp.Normalized()
	if strings.TrimSpace(bp.Name) == "" {
		return fmt.Errorf("blueprint name is required")
	}
	if err := bp.Validate(); err != nil {
		return fmt.Errorf("validate blueprint %q: %w", bp.Name, err)
	}
	if _, ok := c.byName[bp.Name]; !ok {
		c.order = append(c.order, bp.Name)
	}
	c.byName[bp.Name] = bp
	return nil
}

type catalogFile struct {
	Blueprints []model.Blueprint `yaml:"blueprints"`
}

// LoadFile reads additional blueprints from a YAML file.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for _, bp := range f.Blueprints {
		if err := c.Add(bp); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	slog.Info("loaded blueprints", "path", path, "count", len(f.Blueprints))
	return nil
}

// Get returns the blueprint registered under name.
func (c *Catalog) Get(name string) (model.Blueprint, bool) {
	bp, ok := c.byName[name]
	return bp, ok
}

// List returns all blueprints in registration order.
func (c *Catalog) List() []model.Blueprint {
	out := make([]model.Blueprint, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.byName[name])
	}
	return out
}

// Match finds a blueprint for the given total. Blueprints bound to the subject (and
// grade, when set) win over generic ones. specific reports which kind matched.
func (c *Catalog) Match(subject, grade string, totalMarks int) (bp model.Blueprint, specific bool, ok bool) {
	var generic []model.Blueprint
	for _, candidate := range c.List() {
		if candidate.TotalMarks != totalMarks {
			continue
		}
		if candidate.Subject == "" {
			generic = append(generic, candidate)
			continue
		}
		if !strings.EqualFold(candidate.Subject, subject) {
			continue
		}
		if candidate.Grade != "" && candidate.Grade != grade {
			continue
		}
		return candidate, true, true
	}
	if len(generic) == 0 {
		return model.Blueprint{}, false, false
	}
	sort.SliceStable(generic, func(i, j int) bool { return generic[i].Name < generic[j].Name })
	return generic[0], false, true
}

// Inferrer derives a blueprint from previously processed papers.
type Inferrer interface {
	InferBlueprint(ctx context.Context, subject, grade string) (*model.Blueprint, error)
}

// Resolve picks the blueprint for req. Order: the request's own blueprint, a
// subject-specific catalog entry, a blueprint inferred from stored papers, then a
// generic catalog entry. The result always sums to req.TotalMarks.
func Resolve(ctx context.Context, req model.PaperRequest, c *Catalog, inf Inferrer) (model.Blueprint, error) {
	if req.Blueprint != nil {
		bp := req.Blueprint.Normalized()
		if bp.Name == "" {
			bp.Name = "custom"
		}
		if bp.TotalMarks == 0 {
			bp.TotalMarks = req.TotalMarks
		}
		if bp.TotalMarks != req.TotalMarks {
			return model.Blueprint{}, &model.InvalidRequestError{
				Detail: fmt.Sprintf("blueprint total %d does not match total_marks %d", bp.TotalMarks, req.TotalMarks),
			}
		}
		if err := bp.Validate(); err != nil {
			return model.Blueprint{}, &model.InvalidRequestError{Detail: err.Error()}
		}
		return bp, nil
	}

	matched, specific, found := c.Match(req.Subject, req.Grade, req.TotalMarks)
	if found && specific {
		return matched, nil
	}

	if inf != nil {
		inferred, err := inf.InferBlueprint(ctx, req.Subject, req.Grade)
		switch {
		case err != nil:
			slog.Warn("blueprint inference failed", "subject", req.Subject, "grade", req.Grade, "error", err)
		case inferred != nil && inferred.TotalMarks == req.TotalMarks && inferred.Validate() == nil:
			slog.Debug("using inferred blueprint", "subject", req.Subject, "name", inferred.Name)
			return inferred.Normalized(), nil
		case inferred != nil:
			slog.Debug("inferred blueprint does not fit request",
				"subject", req.Subject, "inferred_total", inferred.TotalMarks, "total_marks", req.TotalMarks)
		}
	}

	if found {
		return matched, nil
	}
	return model.Blueprint{}, &model.InvalidRequestError{
		Detail: fmt.Sprintf("no blueprint for %s grade %s with %d marks", req.Subject, req.Grade, req.TotalMarks),
	}
}
