package store

import (
	"fmt"

	"github.com/pavelanni/cbsepaper/internal/model"
)

// ExportPapers builds export-ready records for all stored papers matching the
// filters, oldest first.
func (s *Store) ExportPapers(subject, grade string) ([]model.PaperRecord, error) {
	summaries, err := s.ListPapers(subject, grade, 0)
	if err != nil {
		return nil, fmt.Errorf("list papers: %w", err)
	}

	records := make([]model.PaperRecord, 0, len(summaries))
	for i := len(summaries) - 1; i >= 0; i-- {
		id := summaries[i].ID
		p, err := s.GetPaper(id)
		if err != nil {
			return nil, fmt.Errorf("get paper %s: %w", id, err)
		}
		if p == nil {
			continue
		}

		var selectionID string
		if err := s.db.QueryRow(`SELECT selection_id FROM generated_papers WHERE id = ?`, id).Scan(&selectionID); err != nil {
			return nil, fmt.Errorf("get selection of paper %s: %w", id, err)
		}

		sources, err := s.paperSources(id)
		if err != nil {
			return nil, fmt.Errorf("get sources of paper %s: %w", id, err)
		}

		records = append(records, model.PaperRecord{
			Paper:     *p,
			Sources:   sources,
			Selection: selectionID,
		})
	}
	return records, nil
}

func (s *Store) paperSources(paperID string) ([]model.SourceQuestion, error) {
	rows, err := s.db.Query(
		`SELECT pq.question_id, pq.section_id, pq.number, pq.role,
			COALESCE(q.chapter, ''), COALESCE(q.marks, 0)
		 FROM paper_questions pq
		 LEFT JOIN questions q ON q.id = pq.question_id
		 WHERE pq.paper_id = ?
		 ORDER BY pq.number, pq.role DESC`, paperID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sources []model.SourceQuestion
	for rows.Next() {
		var sq model.SourceQuestion
		if err := rows.Scan(&sq.ID, &sq.SectionID, &sq.Number, &sq.Role, &sq.Chapter, &sq.Marks); err != nil {
			return nil, err
		}
		sources = append(sources, sq)
	}
	return sources, rows.Err()
}
