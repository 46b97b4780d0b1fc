package selector

import (
	"fmt"

	"github.com/pavelanni/cbsepaper/internal/model"
)

// Verify asserts the global invariants of an assignment: every slot filled in order
// with the right marks, alternatives only where the blueprint allows them, no id used
// twice and primary marks summing to the blueprint total. A failure is a defect and is
// reported as *model.InvariantViolation.
func Verify(a model.SelectionAssignment) error {
	bp := a.Blueprint
	slots := ExpandSlots(bp)
	if len(a.Selections) != len(slots) {
		return violation("slot count mismatch", map[string]any{
			"want": len(slots),
			"got":  len(a.Selections),
		})
	}

	seen := make(map[string]string)
	use := func(id, where string) error {
		if id == "" {
			return violation("empty candidate id", map[string]any{"at": where})
		}
		if prev, ok := seen[id]; ok {
			return violation("duplicate candidate id", map[string]any{"id": id, "first": prev, "again": where})
		}
		seen[id] = where
		return nil
	}

	for i, sel := range a.Selections {
		want := slots[i]
		where := fmt.Sprintf("%s/%d", want.SectionID, want.Index+1)
		if sel.Slot != want {
			return violation("slot out of order", map[string]any{"at": where, "got": sel.Slot})
		}
		if sel.Primary.Marks != want.Marks {
			return violation("primary marks mismatch", map[string]any{"at": where, "want": want.Marks, "got": sel.Primary.Marks})
		}
		if err := use(sel.Primary.ID, where); err != nil {
			return err
		}
		if sel.Alternative == nil {
			continue
		}
		if !want.NeedsOR {
			return violation("alternative on a slot without OR", map[string]any{"at": where})
		}
		if sel.Alternative.Marks != want.Marks {
			return violation("alternative marks mismatch", map[string]any{"at": where, "want": want.Marks, "got": sel.Alternative.Marks})
		}
		if err := use(sel.Alternative.ID, where+" (or)"); err != nil {
			return err
		}
	}

	if got := a.PrimaryMarks(); got != bp.TotalMarks {
		return violation("marks sum mismatch", map[string]any{"want": bp.TotalMarks, "got": got})
	}
	return nil
}

func violation(detail string, ctx map[string]any) error {
	return &model.InvariantViolation{Component: "selector", Detail: detail, Context: ctx}
}
