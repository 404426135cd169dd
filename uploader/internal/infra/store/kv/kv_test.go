package kv

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return map[string]Store{
		"local": local,
		"redis": NewRedisStore(rdb, "framesync"),
	}
}

func TestStoreGetSetDelete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Get(ctx, "submission:a")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "submission:a", []byte(`{"id":"a"}`)))
			got, err := s.Get(ctx, "submission:a")
			require.NoError(t, err)
			assert.JSONEq(t, `{"id":"a"}`, string(got))

			require.NoError(t, s.Delete(ctx, "submission:a"))
			_, err = s.Get(ctx, "submission:a")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Delete(ctx, "submission:missing"))
		})
	}
}

func TestStoreKeysFiltersByPrefix(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, k := range []string{"submission:b", "submission:a", "resume:a", "submission:with/slash"} {
				require.NoError(t, s.Set(ctx, k, []byte("{}")))
			}

			keys, err := s.Keys(ctx, "submission:")
			require.NoError(t, err)
			assert.Equal(t, []string{"submission:a", "submission:b", "submission:with/slash"}, keys)
		})
	}
}

func TestStoreUpdate(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := s.Update(ctx, "resume:x", func(old []byte) ([]byte, error) {
				assert.Nil(t, old)
				return []byte("1"), nil
			})
			require.NoError(t, err)

			err = s.Update(ctx, "resume:x", func(old []byte) ([]byte, error) {
				assert.Equal(t, "1", string(old))
				return nil, nil
			})
			require.NoError(t, err)
			_, err = s.Get(ctx, "resume:x")
			require.ErrorIs(t, err, ErrNotFound)

			boom := errors.New("boom")
			err = s.Update(ctx, "resume:x", func([]byte) ([]byte, error) { return nil, boom })
			require.ErrorIs(t, err, boom)
		})
	}
}

func TestStoreUpdateIsAtomicUnderConcurrency(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const writers = 8

			var wg sync.WaitGroup
			for range writers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := s.Update(ctx, "counter", func(old []byte) ([]byte, error) {
						n := 0
						if old != nil {
							n, _ = strconv.Atoi(string(old))
						}
						return []byte(strconv.Itoa(n + 1)), nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			got, err := s.Get(ctx, "counter")
			require.NoError(t, err)
			assert.Equal(t, strconv.Itoa(writers), string(got))
		})
	}
}
