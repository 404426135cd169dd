package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 16

type redisStore struct {
	rdb       redis.UniversalClient
	namespace string
}

func NewRedisStore(rdb redis.UniversalClient, namespace string) *redisStore {
	ns := strings.TrimSuffix(namespace, ":")
	if ns != "" {
		ns += ":"
	}
	return &redisStore{rdb: rdb, namespace: ns}
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, s.namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.Set(ctx, s.namespace+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.namespace+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	match := s.namespace + prefix + "*"

	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", match, err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, s.namespace))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.Strings(keys)
	return keys, nil
}

func (s *redisStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	fullKey := s.namespace + key

	txf := func(tx *redis.Tx) error {
		old, err := tx.Get(ctx, fullKey).Bytes()
		if errors.Is(err, redis.Nil) {
			old = nil
		} else if err != nil {
			return err
		}

		next, err := fn(old)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, fullKey)
				return nil
			}
			pipe.Set(ctx, fullKey, next, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, fullKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			slog.Debug("redis update conflict, retrying",
				slog.String("key", key),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		return fmt.Errorf("redis update %s: %w", key, err)
	}

	return fmt.Errorf("redis update %s: too many conflicting writers", key)
}
