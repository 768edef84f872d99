package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// MarkerStore keeps ephemeral sent markers for the delivery ledger's
// fast-path duplicate check. Markers expire; absence never implies
// "not sent".
type MarkerStore struct {
	client *goredis.Client
}

func NewMarkerStore(client *goredis.Client) (*MarkerStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &MarkerStore{client: client}, nil
}

func (s *MarkerStore) Exists(ctx context.Context, key string) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("marker store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	_, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read marker: %w", err)
	}
	return true, nil
}

func (s *MarkerStore) Put(ctx context.Context, key string, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("marker store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to write marker: %w", err)
	}
	return nil
}
