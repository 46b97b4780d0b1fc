package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/cbsepaper/internal/index"
	"github.com/pavelanni/cbsepaper/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		grade TEXT NOT NULL,
		year TEXT NOT NULL DEFAULT '',
		section TEXT NOT NULL DEFAULT '',
		question_type TEXT NOT NULL DEFAULT '',
		marks INTEGER NOT NULL,
		chapter TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		difficulty TEXT NOT NULL DEFAULT '',
		text_en TEXT NOT NULL DEFAULT '',
		text_hi TEXT NOT NULL DEFAULT '',
		options_en TEXT NOT NULL DEFAULT '[]',
		options_hi TEXT NOT NULL DEFAULT '[]',
		embedding BLOB,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_questions_scope ON questions (subject, grade, marks);

	CREATE TABLE IF NOT EXISTS corpus_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		imported_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS selections (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		grade TEXT NOT NULL,
		blueprint TEXT NOT NULL,
		assignment TEXT NOT NULL,
		backtracks INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS generated_papers (
		id TEXT PRIMARY KEY,
		selection_id TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL,
		grade TEXT NOT NULL,
		year TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL,
		blueprint TEXT NOT NULL,
		total_marks INTEGER NOT NULL,
		question_count INTEGER NOT NULL,
		qp_code TEXT NOT NULL DEFAULT '',
		document TEXT NOT NULL,
		provenance TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		retries INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS paper_questions (
		paper_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		section_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (paper_id, question_id),
		FOREIGN KEY (paper_id) REFERENCES generated_papers(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertQuestion stores an extracted question with its embedding. An empty id is
// replaced by a new UUID; the stored id is returned.
func (s *Store) InsertQuestion(q model.QuestionImport, embedding []float32) (string, error) {
	id := q.ID
	if id == "" {
		id = uuid.NewString()
	}
	optsEN, err := json.Marshal(nonNil(q.OptionsEN))
	if err != nil {
		return "", fmt.Errorf("marshal options_en: %w", err)
	}
	optsHI, err := json.Marshal(nonNil(q.OptionsHI))
	if err != nil {
		return "", fmt.Errorf("marshal options_hi: %w", err)
	}
	blob, err := encodeEmbedding(embedding)
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec(
		`INSERT INTO questions (id, subject, grade, year, section, question_type, marks, chapter, topic,
			difficulty, text_en, text_hi, options_en, options_hi, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, q.Subject, q.Grade, q.Year, strings.ToUpper(q.Section), q.QuestionType, q.Marks, q.Chapter, q.Topic,
		q.Difficulty, q.TextEN, q.TextHI, string(optsEN), string(optsHI), blob, time.Now(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// QuestionCount returns the number of questions in the database.
func (s *Store) QuestionCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}

// SimilaritySearch scores every matching question against vector by cosine
// similarity. Ties keep insertion (rowid) order.
func (s *Store) SimilaritySearch(ctx context.Context, vector []float32, f index.Filter, topK int) ([]model.CandidateQuestion, error) {
	query := `SELECT id, text_en, text_hi, marks, section, question_type, chapter, topic, difficulty,
		options_en, options_hi, embedding FROM questions WHERE embedding IS NOT NULL`
	var args []any
	if f.Subject != "" {
		query += ` AND subject LIKE '%' || ? || '%'`
		args = append(args, f.Subject)
	}
	if f.Grade != "" {
		query += ` AND grade = ?`
		args = append(args, f.Grade)
	}
	if f.Year != "" {
		query += ` AND year = ?`
		args = append(args, f.Year)
	}
	if f.Section != "" {
		query += ` AND section = ?`
		args = append(args, strings.ToUpper(f.Section))
	}
	if f.QuestionType != "" {
		query += ` AND question_type = ?`
		args = append(args, f.QuestionType)
	}
	if f.Marks > 0 {
		query += ` AND marks = ?`
		args = append(args, f.Marks)
	}
	query += ` ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	var results []model.CandidateQuestion
	for rows.Next() {
		var (
			c              model.CandidateQuestion
			optsEN, optsHI string
			blob           []byte
		)
		if err := rows.Scan(&c.ID, &c.TextEN, &c.TextHI, &c.Marks, &c.SectionHint, &c.QuestionType,
			&c.Chapter, &c.Topic, &c.Difficulty, &optsEN, &optsHI, &blob); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		emb, err := decodeEmbedding(blob)
		if err != nil {
			return nil, fmt.Errorf("decode embedding for %s: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(optsEN), &c.OptionsEN); err != nil {
			return nil, fmt.Errorf("decode options_en for %s: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(optsHI), &c.OptionsHI); err != nil {
			return nil, fmt.Errorf("decode options_hi for %s: %w", c.ID, err)
		}
		c.SimilarityScore = index.CosineSimilarity(vector, emb)
		c.EmbeddingID = c.ID
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].SimilarityScore > results[j].SimilarityScore
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// RecentChapters returns the chapters of the latest year on record for a subject and
// grade, most frequent first.
func (s *Store) RecentChapters(ctx context.Context, subject, grade string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chapter, COUNT(*) AS n FROM questions
		 WHERE lower(subject) = lower(?) AND grade = ? AND chapter != ''
		   AND year = (SELECT MAX(year) FROM questions WHERE lower(subject) = lower(?) AND grade = ?)
		 GROUP BY chapter ORDER BY n DESC, chapter LIMIT ?`,
		subject, grade, subject, grade, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent chapters: %w", err)
	}
	defer rows.Close()
	var chapters []string
	for rows.Next() {
		var ch string
		var n int
		if err := rows.Scan(&ch, &n); err != nil {
			return nil, err
		}
		chapters = append(chapters, ch)
	}
	return chapters, rows.Err()
}

// InferBlueprint derives a blueprint from the latest year's source paper for a subject
// and grade: one row per (section, marks) with its question count and most common type.
// It returns nil when nothing is on record.
func (s *Store) InferBlueprint(ctx context.Context, subject, grade string) (*model.Blueprint, error) {
	var year sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(year) FROM questions WHERE lower(subject) = lower(?) AND grade = ? AND section != ''`,
		subject, grade,
	).Scan(&year)
	if err != nil {
		return nil, fmt.Errorf("find latest year: %w", err)
	}
	if !year.Valid {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT section, marks, question_type, COUNT(*) FROM questions
		 WHERE lower(subject) = lower(?) AND grade = ? AND year = ? AND section != ''
		 GROUP BY section, marks, question_type
		 ORDER BY section, marks, COUNT(*) DESC`,
		subject, grade, year.String,
	)
	if err != nil {
		return nil, fmt.Errorf("query section structure: %w", err)
	}
	defer rows.Close()

	bp := &model.Blueprint{
		Name:    fmt.Sprintf("inferred-%s-%s", strings.ToLower(strings.ReplaceAll(subject, " ", "-")), year.String),
		Subject: subject,
		Grade:   grade,
	}
	type rowKey struct {
		section string
		marks   int
	}
	rowIdx := make(map[rowKey]int)
	for rows.Next() {
		var (
			section string
			marks   int
			qType   string
			count   int
		)
		if err := rows.Scan(&section, &marks, &qType, &count); err != nil {
			return nil, err
		}
		key := rowKey{section, marks}
		if i, ok := rowIdx[key]; ok {
			// Rows arrive most common type first; later types only add to the count.
			bp.Slots[i].QuestionCount += count
			continue
		}
		t := model.QuestionType(qType)
		if !t.IsValid() {
			t = model.QuestionShort
		}
		rowIdx[key] = len(bp.Slots)
		bp.Slots = append(bp.Slots, model.BlueprintSlot{
			SectionID:        section,
			QuestionCount:    count,
			MarksPerQuestion: marks,
			QuestionType:     t,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(bp.Slots) == 0 {
		return nil, nil
	}
	bp.TotalMarks = bp.SumMarks()
	return bp, nil
}

func encodeEmbedding(v []float32) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("encode embedding: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEmbedding(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(blob))
	}
	v := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return v, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
