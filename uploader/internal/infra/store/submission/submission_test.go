package submissionstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you-humble/framesync/uploader/internal/domain"
	"github.com/you-humble/framesync/uploader/internal/infra/store/kv"
)

func newRedisBacked(t *testing.T) *store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(kv.NewRedisStore(rdb, "test"))
}

func TestCreateAndGet(t *testing.T) {
	s := newRedisBacked(t)
	ctx := context.Background()

	created, err := s.Create(ctx, domain.Submission{ID: "sub-1", Title: "Pilot"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, created.Status)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := s.Submission(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "Pilot", got.Title)

	_, err = s.Create(ctx, domain.Submission{ID: "sub-1"})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = s.Submission(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateValidatesTransitions(t *testing.T) {
	s := newRedisBacked(t)
	ctx := context.Background()

	_, err := s.Create(ctx, domain.Submission{ID: "sub-1", Status: domain.StatusProcessed})
	require.NoError(t, err)

	updated, err := s.Update(ctx, "sub-1", func(sub *domain.Submission) error {
		sub.Status = domain.StatusUploading
		sub.UploadProgress = 10
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUploading, updated.Status)
	assert.Equal(t, 10, updated.UploadProgress)

	_, err = s.Update(ctx, "sub-1", func(sub *domain.Submission) error {
		sub.Status = domain.StatusProcessed
		return nil
	})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := s.Submission(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUploading, got.Status, "rejected update must not be written")

	_, err = s.Update(ctx, "missing", func(*domain.Submission) error { return nil })
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestList(t *testing.T) {
	s := newRedisBacked(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a"} {
		_, err := s.Create(ctx, domain.Submission{ID: id})
		require.NoError(t, err)
	}

	subs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "a", subs[0].ID)
	assert.Equal(t, "b", subs[1].ID)

	require.NoError(t, s.Delete(ctx, "a"))
	subs, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}
