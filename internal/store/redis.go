package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukerupert/stamptour/internal/reward"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "stamptour:submissions"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// RedisSubmissionStore keeps the ledger as a Redis list of JSON records so
// several server instances can share one ledger.
type RedisSubmissionStore struct {
	client *redis.Client
	key    string
}

// NewRedisSubmissionStore connects and pings Redis.
func NewRedisSubmissionStore(cfg RedisConfig) (*RedisSubmissionStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisSubmissionStoreWithClient(client, cfg.Key), nil
}

// NewRedisSubmissionStoreWithClient wraps an existing client.
func NewRedisSubmissionStoreWithClient(client *redis.Client, key string) *RedisSubmissionStore {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisSubmissionStore{client: client, key: key}
}

func (s *RedisSubmissionStore) AppendSubmission(ctx context.Context, sub reward.Submission) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.SubmittedAt = sub.SubmittedAt.UTC()

	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	if err := s.client.RPush(ctx, s.key, data).Err(); err != nil {
		return fmt.Errorf("append submission: %w", err)
	}
	return nil
}

func (s *RedisSubmissionStore) ListSubmissions(ctx context.Context) ([]reward.Submission, error) {
	items, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}

	subs := make([]reward.Submission, 0, len(items))
	for _, item := range items {
		var sub reward.Submission
		if err := json.Unmarshal([]byte(item), &sub); err != nil {
			return nil, fmt.Errorf("decode submission: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s *RedisSubmissionStore) ClearAll(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clear submissions: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisSubmissionStore) Close() error {
	return s.client.Close()
}
