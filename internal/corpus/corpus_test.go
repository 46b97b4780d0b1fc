package corpus

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/cbsepaper/internal/model"
	"github.com/pavelanni/cbsepaper/internal/store"
)

type countingEmbedder struct {
	dims  int
	texts []string
	langs []model.Language
	err   error
}

func (e *countingEmbedder) Embed(_ context.Context, text string, lang model.Language) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.texts = append(e.texts, text)
	e.langs = append(e.langs, lang)
	v := make([]float32, e.dims)
	v[0] = 1
	return v, nil
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func questionsJSON(t *testing.T, qs ...model.QuestionImport) []byte {
	t.Helper()
	data, err := json.Marshal(qs)
	require.NoError(t, err)
	return data
}

func sample() []model.QuestionImport {
	return []model.QuestionImport{
		{Subject: "Commercial Art", Grade: "12", Year: "2024", Section: "a", QuestionType: model.QuestionMCQ, Marks: 1, TextEN: "Which is a primary colour?"},
		{Subject: "Commercial Art", Grade: "12", Year: "2024", Section: "B", QuestionType: model.QuestionShort, Marks: 2, TextHI: "पोस्टर की परिभाषा दीजिए।"},
	}
}

func TestImportStoresQuestions(t *testing.T) {
	s := newStore(t)
	emb := &countingEmbedder{dims: 3}
	im := NewImporter(s, emb, "nomic-embed-text", nil)

	res, err := im.Import(context.Background(), "set1.json", questionsJSON(t, sample()...))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.False(t, res.Skipped)

	count, err := s.QuestionCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.Equal(t, []model.Language{model.LanguageEnglish, model.LanguageHindi}, emb.langs)
	assert.Equal(t, "पोस्टर की परिभाषा दीजिए।", emb.texts[1])

	info, err := s.GetCorpusInfo()
	require.NoError(t, err)
	assert.Equal(t, store.CorpusInfo{EmbeddingModel: "nomic-embed-text", Dimensions: 3}, info)

	inferred, err := s.InferBlueprint(context.Background(), "Commercial Art", "12")
	require.NoError(t, err)
	require.NotNil(t, inferred)
	assert.Equal(t, []string{"A", "B"}, inferred.SectionIDs(), "sections are normalized on import")
}

func TestImportHashGuard(t *testing.T) {
	s := newStore(t)
	emb := &countingEmbedder{dims: 3}
	im := NewImporter(s, emb, "m", nil)
	data := questionsJSON(t, sample()...)

	_, err := im.Import(context.Background(), "set1.json", data)
	require.NoError(t, err)

	res, err := im.Import(context.Background(), "set1.json", data)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "unchanged", res.Reason)

	res, err = im.Import(context.Background(), "set1.json", questionsJSON(t, sample()[0]))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "changed since last import", res.Reason)

	count, err := s.QuestionCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Len(t, emb.texts, 2)
}

func TestImportRejectsMismatchedCorpus(t *testing.T) {
	s := newStore(t)
	_, err := NewImporter(s, &countingEmbedder{dims: 3}, "m1", nil).Import(context.Background(), "a.json", questionsJSON(t, sample()[0]))
	require.NoError(t, err)

	_, err = NewImporter(s, &countingEmbedder{dims: 3}, "m2", nil).Import(context.Background(), "b.json", questionsJSON(t, sample()[1]))
	assert.ErrorContains(t, err, `corpus was embedded with "m1"`)
	assert.Equal(t, model.KindInternal, model.KindOf(err))

	_, err = NewImporter(s, &countingEmbedder{dims: 4}, "m1", nil).Import(context.Background(), "c.json", questionsJSON(t, sample()[1]))
	assert.ErrorContains(t, err, "embedding has 4 dimensions, corpus has 3")
}

func TestImportRejectsInvalidQuestions(t *testing.T) {
	s := newStore(t)
	bad := sample()
	bad[1].Marks = 0
	emb := &countingEmbedder{dims: 2}

	_, err := NewImporter(s, emb, "m", nil).Import(context.Background(), "bad.json", questionsJSON(t, bad...))
	assert.ErrorContains(t, err, "question 2 of bad.json: marks must be positive")
	assert.Equal(t, model.KindInvalidRequest, model.KindOf(err))
	assert.Empty(t, emb.texts, "nothing is embedded before the file checks out")

	hash, err := s.GetImportedFileHash("bad.json")
	require.NoError(t, err)
	assert.Empty(t, hash)
}

func TestImportEmbeddingFailure(t *testing.T) {
	s := newStore(t)
	down := errors.New("connection refused")
	_, err := NewImporter(s, &countingEmbedder{err: down}, "m", nil).Import(context.Background(), "a.json", questionsJSON(t, sample()...))
	assert.ErrorIs(t, err, down)
	assert.Equal(t, model.KindGenerationUnreachable, model.KindOf(err))

	hash, err := s.GetImportedFileHash("a.json")
	require.NoError(t, err)
	assert.Empty(t, hash, "failed imports can be retried")
}

func TestImportFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "questions.json")
	require.NoError(t, os.WriteFile(path, questionsJSON(t, sample()...), 0o644))

	res, err := NewImporter(newStore(t), &countingEmbedder{dims: 2}, "m", nil).ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, path, res.Source)
	assert.Equal(t, 2, res.Imported)

	_, err = NewImporter(newStore(t), &countingEmbedder{dims: 2}, "m", nil).ImportFile(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.QuestionImport)
		want   string
	}{
		{"valid", func(*model.QuestionImport) {}, ""},
		{"no subject", func(q *model.QuestionImport) { q.Subject = " " }, "subject and grade are required"},
		{"no text", func(q *model.QuestionImport) { q.TextEN = "" }, "question has no text"},
		{"bad type", func(q *model.QuestionImport) { q.QuestionType = "essay" }, `unknown question type "essay"`},
		{"negative marks", func(q *model.QuestionImport) { q.Marks = -1 }, "marks must be positive, got -1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := sample()[0]
			tt.mutate(&q)
			err := Check(q)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.want)
		})
	}
}
