package index

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pavelanni/cbsepaper/internal/model"
)

// PGVector searches the production corpus kept in PostgreSQL with the pgvector
// extension. Hindi translations are rows linked through parent_question_id.
type PGVector struct {
	pool *pgxpool.Pool
}

// NewPGVector connects to the corpus database.
func NewPGVector(ctx context.Context, dsn string) (*PGVector, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pgvector pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pgvector: %w", err)
	}
	return &PGVector{pool: pool}, nil
}

// Close releases the pool.
func (p *PGVector) Close() {
	p.pool.Close()
}

// SimilaritySearch orders by cosine distance, then insertion time.
func (p *PGVector) SimilaritySearch(ctx context.Context, vector []float32, f Filter, topK int) ([]model.CandidateQuestion, error) {
	query, args := buildSearchQuery(vector, f, topK)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pgvector: %w", err)
	}
	defer rows.Close()

	var out []model.CandidateQuestion
	for rows.Next() {
		var (
			c          model.CandidateQuestion
			qType      string
			difficulty string
		)
		if err := rows.Scan(&c.ID, &c.TextEN, &c.TextHI, &c.Marks, &c.SectionHint, &qType,
			&c.Chapter, &c.Topic, &difficulty, &c.SimilarityScore); err != nil {
			return nil, fmt.Errorf("scan pgvector row: %w", err)
		}
		c.QuestionType = model.QuestionType(qType)
		c.Difficulty = model.Difficulty(difficulty)
		c.EmbeddingID = c.ID
		out = append(out, c)
	}
	return out, rows.Err()
}

const searchSelect = `
	SELECT q.id::text,
		CASE WHEN COALESCE(q.language, 'en') = 'en' THEN q.question_text ELSE '' END,
		CASE WHEN q.language = 'hi' THEN q.question_text ELSE COALESCE(hi.question_text, '') END,
		q.marks,
		COALESCE(q.section, ''),
		COALESCE(q.question_type, ''),
		COALESCE(q.chapter, ''),
		COALESCE(q.topic, ''),
		COALESCE(q.difficulty, ''),
		1 - (q.embedding <=> $1::vector)
	FROM questions q
	JOIN papers p ON p.id = q.paper_id
	LEFT JOIN LATERAL (
		SELECT t.question_text FROM questions t
		WHERE t.parent_question_id = q.id AND t.language = 'hi'
		ORDER BY t.created_at LIMIT 1
	) hi ON true
	WHERE q.embedding IS NOT NULL AND q.parent_question_id IS NULL`

func buildSearchQuery(vector []float32, f Filter, topK int) (string, []any) {
	var sb strings.Builder
	sb.WriteString(searchSelect)
	args := []any{VectorLiteral(vector)}
	add := func(clause string, v any) {
		args = append(args, v)
		fmt.Fprintf(&sb, " AND "+clause, len(args))
	}
	if f.Subject != "" {
		add("p.subject ILIKE '%%' || $%d || '%%'", f.Subject)
	}
	if f.Grade != "" {
		add("p.grade = $%d", f.Grade)
	}
	if f.Year != "" {
		add("p.year = $%d", f.Year)
	}
	if f.Section != "" {
		add("upper(q.section) = $%d", strings.ToUpper(f.Section))
	}
	if f.QuestionType != "" {
		add("q.question_type = $%d", string(f.QuestionType))
	}
	if f.Marks > 0 {
		add("q.marks = $%d", f.Marks)
	}
	args = append(args, topK)
	fmt.Fprintf(&sb, " ORDER BY q.embedding <=> $1::vector, q.created_at, q.id LIMIT $%d", len(args))
	return sb.String(), args
}

// VectorLiteral formats v in pgvector's text input format, e.g. "[0.1,0.2]".
func VectorLiteral(v []float32) string {
	var sb strings.Builder
	sb.Grow(len(v) * 10)
	sb.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
