package store

import (
	"database/sql"
	"strconv"
	"time"
)

// CorpusInfo describes how the stored embeddings were produced. Query vectors must
// come from the same model to be comparable.
type CorpusInfo struct {
	EmbeddingModel string
	Dimensions     int
}

// SetMetadata upserts a key-value pair in the corpus_metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO corpus_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM corpus_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetCorpusInfo records the embedding model and dimensions of the corpus.
func (s *Store) SetCorpusInfo(info CorpusInfo) error {
	if err := s.SetMetadata("embedding_model", info.EmbeddingModel); err != nil {
		return err
	}
	return s.SetMetadata("embedding_dimensions", strconv.Itoa(info.Dimensions))
}

// GetCorpusInfo reads the corpus embedding settings. Zero values mean nothing was
// imported yet.
func (s *Store) GetCorpusInfo() (CorpusInfo, error) {
	var info CorpusInfo
	var err error
	if info.EmbeddingModel, err = s.GetMetadata("embedding_model"); err != nil {
		return info, err
	}
	dims, err := s.GetMetadata("embedding_dimensions")
	if err != nil {
		return info, err
	}
	if dims != "" {
		if info.Dimensions, err = strconv.Atoi(dims); err != nil {
			return info, err
		}
	}
	return info, nil
}

// GetImportedFileHash returns the content hash recorded for an imported file, or
// an empty string if the file was never imported.
func (s *Store) GetImportedFileHash(path string) (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT hash FROM imported_files WHERE path = ?`, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash records the content hash of an imported file.
func (s *Store) SetImportedFileHash(path, hash string) error {
	_, err := s.db.Exec(
		`INSERT INTO imported_files (path, hash, imported_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = ?, imported_at = ?`,
		path, hash, time.Now(), hash, time.Now(),
	)
	return err
}
