// Package cache memoizes query embeddings in Redis so repeated paper requests for the
// same subject do not pay for the embedding call again.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pavelanni/cbsepaper/internal/model"
)

// DefaultTTL is how long a cached embedding lives.
const DefaultTTL = 7 * 24 * time.Hour

// Embedder computes a query embedding.
type Embedder interface {
	Embed(ctx context.Context, text string, lang model.Language) ([]float32, error)
}

// Store is the subset of the Redis client the cache uses. *goredis.Client
// satisfies it.
type Store interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
}

// EmbeddingCache is an Embedder that consults Redis before calling the wrapped one.
// Cache failures are logged and bypassed.
type EmbeddingCache struct {
	rdb    Store
	next   Embedder
	model  string
	ttl    time.Duration
	logger *slog.Logger
}

// Connect opens a Redis client for addr and checks it answers.
func Connect(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// New wraps next. modelName is part of the key so switching embedding models never
// returns stale vectors.
func New(rdb Store, next Embedder, modelName string, ttl time.Duration, logger *slog.Logger) *EmbeddingCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EmbeddingCache{rdb: rdb, next: next, model: modelName, ttl: ttl, logger: logger}
}

// Embed returns the cached vector for (text, lang) or computes and stores it.
func (c *EmbeddingCache) Embed(ctx context.Context, text string, lang model.Language) ([]float32, error) {
	key := Key(c.model, lang, text)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		vec, decErr := decode(raw)
		if decErr == nil {
			c.logger.Debug("embedding cache hit", "key", key)
			return vec, nil
		}
		c.logger.Warn("corrupt cached embedding", "key", key, "error", decErr)
	case errors.Is(err, goredis.Nil):
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		c.logger.Warn("embedding cache read failed", "key", key, "error", err)
	}

	vec, err := c.next.Embed(ctx, text, lang)
	if err != nil {
		return nil, err
	}

	if err := c.rdb.Set(ctx, key, encode(vec), c.ttl).Err(); err != nil {
		c.logger.Warn("embedding cache write failed", "key", key, "error", err)
	}
	return vec, nil
}

// Key builds the cache key for an embedding.
func Key(modelName string, lang model.Language, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("papergen:emb:%s:%s:%s", modelName, lang, hex.EncodeToString(sum[:]))
}

func encode(v []float32) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, v)
	return buf.Bytes()
}

func decode(b []byte) ([]float32, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding length %d", len(b))
	}
	v := make([]float32, len(b)/4)
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return v, nil
}
