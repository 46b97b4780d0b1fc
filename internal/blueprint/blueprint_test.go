package blueprint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pavelanni/cbsepaper/internal/model"
)

type fakeInferrer struct {
	bp  *model.Blueprint
	err error
}

func (f fakeInferrer) InferBlueprint(context.Context, string, string) (*model.Blueprint, error) {
	return f.bp, f.err
}

func TestBuiltinsAreValid(t *testing.T) {
	for _, bp := range NewCatalog().List() {
		if err := bp.Validate(); err != nil {
			t.Errorf("built-in %s: %v", bp.Name, err)
		}
	}
	if got := CommercialArt36().SumMarks(); got != 36 {
		t.Errorf("CommercialArt36 sums to %d, want 36", got)
	}
	if got := Standard80().SumMarks(); got != 80 {
		t.Errorf("Standard80 sums to %d, want 80", got)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blueprints.yaml")
	content := `blueprints:
  - name: painting-40
    subject: Painting
    grade: "12"
    total_marks: 40
    slots:
      - section_id: A
        question_count: 10
        marks_per_question: 1
        question_type: mcq
      - section_id: b
        question_count: 5
        marks_per_question: 6
        question_type: long
        has_or_alternative: true
        min_sub_points: 2
        max_sub_points: 3
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	c := NewCatalog()
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	bp, ok := c.Get("painting-40")
	if !ok {
		t.Fatal("painting-40 not registered")
	}
	if len(bp.Slots) != 2 || !bp.Slots[1].HasORAlternative || bp.Slots[1].MaxSubPoints != 3 {
		t.Errorf("unexpected slots: %+v", bp.Slots)
	}
	if ids := bp.SectionIDs(); ids[1] != "B" {
		t.Errorf("section ids = %v, want canonical upper case", ids)
	}
	if n := len(c.List()); n != 3 {
		t.Errorf("expected 3 blueprints, got %d", n)
	}
}

func TestLoadFileRejectsBadTotals(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	content := `blueprints:
  - name: broken
    total_marks: 10
    slots:
      - section_id: A
        question_count: 3
        marks_per_question: 1
        question_type: mcq
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := NewCatalog().LoadFile(path); err == nil {
		t.Fatal("expected error for blueprint that does not sum to total_marks")
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	inferred := CommercialArt36()
	inferred.Name = "inferred"
	inferred.Subject = "Commercial Art"

	specific := Standard80()
	specific.Name = "history-80"
	specific.Subject = "History"

	custom := CommercialArt36()
	custom.Name = ""

	tests := []struct {
		name     string
		req      model.PaperRequest
		inf      Inferrer
		wantName string
		wantKind model.ErrorKind
	}{
		{
			name:     "request blueprint wins",
			req:      model.PaperRequest{Subject: "Commercial Art", Grade: "12", TotalMarks: 36, Blueprint: &custom},
			inf:      fakeInferrer{bp: &inferred},
			wantName: "custom",
		},
		{
			name:     "request blueprint with wrong total",
			req:      model.PaperRequest{Subject: "Commercial Art", Grade: "12", TotalMarks: 40, Blueprint: &custom},
			wantKind: model.KindInvalidRequest,
		},
		{
			name:     "subject specific catalog entry",
			req:      model.PaperRequest{Subject: "history", Grade: "12", TotalMarks: 80},
			inf:      fakeInferrer{bp: &inferred},
			wantName: "history-80",
		},
		{
			name:     "inferred before generic",
			req:      model.PaperRequest{Subject: "Commercial Art", Grade: "12", TotalMarks: 36},
			inf:      fakeInferrer{bp: &inferred},
			wantName: "inferred",
		},
		{
			name:     "inferred total mismatch falls back to generic",
			req:      model.PaperRequest{Subject: "Economics", Grade: "12", TotalMarks: 80},
			inf:      fakeInferrer{bp: &inferred},
			wantName: "cbse-standard-80",
		},
		{
			name:     "inference error falls back to generic",
			req:      model.PaperRequest{Subject: "Commercial Art", Grade: "12", TotalMarks: 36},
			inf:      fakeInferrer{err: errors.New("db down")},
			wantName: "commercial-art-36",
		},
		{
			name:     "no blueprint for total",
			req:      model.PaperRequest{Subject: "Commercial Art", Grade: "12", TotalMarks: 50},
			wantKind: model.KindInvalidRequest,
		},
	}

	c := NewCatalog()
	if err := c.Add(specific); err != nil {
		t.Fatalf("Add: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bp, err := Resolve(ctx, tt.req, c, tt.inf)
			if tt.wantKind != "" {
				if got := model.KindOf(err); got != tt.wantKind {
					t.Fatalf("error kind = %q (%v), want %q", got, err, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if bp.Name != tt.wantName {
				t.Errorf("resolved %q, want %q", bp.Name, tt.wantName)
			}
			if bp.SumMarks() != tt.req.TotalMarks {
				t.Errorf("resolved blueprint sums to %d, want %d", bp.SumMarks(), tt.req.TotalMarks)
			}
		})
	}
}

func TestResolveNormalizesRequestBlueprint(t *testing.T) {
	custom := CommercialArt36()
	custom.Name = "lowercase"
	for i := range custom.Slots {
		custom.Slots[i].SectionID = strings.ToLower(custom.Slots[i].SectionID)
	}
	req := model.PaperRequest{Subject: "Commercial Art", Grade: "12", TotalMarks: 36, Blueprint: &custom}

	bp, err := Resolve(context.Background(), req, NewCatalog(), nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ids := bp.SectionIDs(); len(ids) != 3 || ids[0] != "A" || ids[1] != "B" || ids[2] != "C" {
		t.Errorf("section ids = %v, want [A B C]", ids)
	}
	if custom.Slots[0].SectionID != "a" {
		t.Errorf("request blueprint was modified: %q", custom.Slots[0].SectionID)
	}
}
