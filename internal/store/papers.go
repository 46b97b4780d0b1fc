package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/cbsepaper/internal/model"
)

// PersistSelection stores a selection assignment and returns its id.
func (s *Store) PersistSelection(ctx context.Context, subject, grade string, a model.SelectionAssignment) (string, error) {
	bp, err := json.Marshal(a.Blueprint)
	if err != nil {
		return "", fmt.Errorf("marshal blueprint: %w", err)
	}
	sel, err := json.Marshal(a.Selections)
	if err != nil {
		return "", fmt.Errorf("marshal selections: %w", err)
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO selections (id, subject, grade, blueprint, assignment, backtracks, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, subject, grade, string(bp), string(sel), a.Backtracks, time.Now(),
	)
	if err != nil {
		return "", fmt.Errorf("insert selection: %w", err)
	}
	return id, nil
}

// PersistPaper stores a finished paper together with the corpus questions it used.
func (s *Store) PersistPaper(ctx context.Context, p model.Paper, selectionID string) error {
	doc, err := json.Marshal(p.Document)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	prov, err := json.Marshal(p.Provenance)
	if err != nil {
		return fmt.Errorf("marshal provenance: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO generated_papers (id, selection_id, subject, grade, year, language, blueprint, total_marks,
			question_count, qp_code, document, provenance, attempts, retries, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, selectionID, p.Subject, p.Grade, p.Year, p.Language, p.Blueprint, p.Document.TotalMarks,
		p.Document.QuestionCount(), p.Document.QPCode, string(doc), string(prov), p.Attempts, p.Retries, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert paper: %w", err)
	}

	for _, pr := range p.Provenance {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO paper_questions (paper_id, question_id, section_id, number, role) VALUES (?, ?, ?, ?, 'primary')`,
			p.ID, pr.PrimaryID, pr.SectionID, pr.Number,
		); err != nil {
			return fmt.Errorf("insert paper question %s: %w", pr.PrimaryID, err)
		}
		if pr.AlternativeID == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO paper_questions (paper_id, question_id, section_id, number, role) VALUES (?, ?, ?, ?, 'alternative')`,
			p.ID, pr.AlternativeID, pr.SectionID, pr.Number,
		); err != nil {
			return fmt.Errorf("insert paper question %s: %w", pr.AlternativeID, err)
		}
	}

	return tx.Commit()
}

// GetPaper returns a stored paper, or nil if it does not exist.
func (s *Store) GetPaper(id string) (*model.Paper, error) {
	var (
		p         model.Paper
		doc, prov string
	)
	err := s.db.QueryRow(
		`SELECT id, subject, grade, year, language, blueprint, document, provenance, attempts, retries, created_at
		 FROM generated_papers WHERE id = ?`, id,
	).Scan(&p.ID, &p.Subject, &p.Grade, &p.Year, &p.Language, &p.Blueprint, &doc, &prov, &p.Attempts, &p.Retries, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(doc), &p.Document); err != nil {
		return nil, fmt.Errorf("decode document of paper %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(prov), &p.Provenance); err != nil {
		return nil, fmt.Errorf("decode provenance of paper %s: %w", id, err)
	}
	return &p, nil
}

// ListPapers returns stored papers, newest first. Empty subject or grade means no
// filtering on that field; limit <= 0 means no limit.
func (s *Store) ListPapers(subject, grade string, limit int) ([]model.PaperSummary, error) {
	query := `SELECT id, subject, grade, language, total_marks, question_count, qp_code, created_at
		FROM generated_papers WHERE 1=1`
	var args []any
	if subject != "" {
		query += ` AND lower(subject) = lower(?)`
		args = append(args, subject)
	}
	if grade != "" {
		query += ` AND grade = ?`
		args = append(args, grade)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var papers []model.PaperSummary
	for rows.Next() {
		var p model.PaperSummary
		if err := rows.Scan(&p.ID, &p.Subject, &p.Grade, &p.Language, &p.TotalMarks, &p.QuestionCount,
			&p.QPCode, &p.CreatedAt); err != nil {
			return nil, err
		}
		papers = append(papers, p)
	}
	return papers, rows.Err()
}

// UsedQuestionIDs returns the corpus ids referenced by the last n papers stored for a
// subject and grade.
func (s *Store) UsedQuestionIDs(ctx context.Context, subject, grade string, n int) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT pq.question_id FROM paper_questions pq
		 WHERE pq.paper_id IN (
			SELECT id FROM generated_papers
			WHERE lower(subject) = lower(?) AND grade = ?
			ORDER BY created_at DESC, rowid DESC LIMIT ?
		 )`,
		subject, grade, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query used questions: %w", err)
	}
	defer rows.Close()
	used := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		used[id] = true
	}
	return used, rows.Err()
}
