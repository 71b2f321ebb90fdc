package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tutortoise/blast-classifier-service/config"
	"github.com/Tutortoise/blast-classifier-service/models"
)

// ResultCache stores predictions by image digest. Get returns nil, nil on a miss.
type ResultCache interface {
	Get(ctx context.Context, digest string) (*models.Prediction, error)
	Set(ctx context.Context, digest string, prediction *models.Prediction) error
}

type RedisCache struct {
	client    *redis.Client
	ttl       time.Duration
	namespace string
}

// NewRedisCache keys entries under namespace so results from a different model
// artifact are never served.
func NewRedisCache(cfg *config.CacheConfig, namespace string) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisCache{
		client:    client,
		ttl:       cfg.TTL,
		namespace: namespace,
	}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) key(digest string) string {
	return "classify:" + c.namespace + ":" + digest
}

func (c *RedisCache) Get(ctx context.Context, digest string) (*models.Prediction, error) {
	data, err := c.client.Get(ctx, c.key(digest)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var prediction models.Prediction
	if err := json.Unmarshal(data, &prediction); err != nil {
		return nil, err
	}
	return &prediction, nil
}

func (c *RedisCache) Set(ctx context.Context, digest string, prediction *models.Prediction) error {
	data, err := json.Marshal(prediction)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(digest), data, c.ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func imageDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
