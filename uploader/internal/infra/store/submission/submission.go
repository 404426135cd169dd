package submissionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/you-humble/framesync/uploader/internal/domain"
	"github.com/you-humble/framesync/uploader/internal/infra/store/kv"
)

const keyPrefix = "submission:"

type store struct {
	kv  kv.Store
	now func() time.Time
}

func New(kvs kv.Store) *store {
	return &store{kv: kvs, now: time.Now}
}

func (s *store) Create(ctx context.Context, sub domain.Submission) (domain.Submission, error) {
	if strings.TrimSpace(sub.ID) == "" {
		return domain.Submission{}, fmt.Errorf("create submission: empty id")
	}
	if sub.Status == "" {
		sub.Status = domain.StatusCreated
	}
	now := s.now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	err := s.kv.Update(ctx, key(sub.ID), func(old []byte) ([]byte, error) {
		if old != nil {
			return nil, domain.ErrAlreadyExists
		}
		return json.Marshal(sub)
	})
	if err != nil {
		return domain.Submission{}, fmt.Errorf("create submission %s: %w", sub.ID, err)
	}

	return sub, nil
}

func (s *store) Submission(ctx context.Context, id string) (domain.Submission, error) {
	data, err := s.kv.Get(ctx, key(id))
	if errors.Is(err, kv.ErrNotFound) {
		return domain.Submission{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Submission{}, fmt.Errorf("get submission %s: %w", id, err)
	}

	var sub domain.Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		return domain.Submission{}, fmt.Errorf("decode submission %s: %w", id, err)
	}
	return sub, nil
}

func (s *store) List(ctx context.Context) ([]domain.Submission, error) {
	keys, err := s.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}

	subs := make([]domain.Submission, 0, len(keys))
	for _, k := range keys {
		sub, err := s.Submission(ctx, strings.TrimPrefix(k, keyPrefix))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			slog.Warn("skip unreadable submission",
				slog.String("key", k),
				slog.String("error", err.Error()),
			)
			continue
		}
		subs = append(subs, sub)
	}

	return subs, nil
}

// Update applies fn to the stored submission atomically and rejects status
// changes that are not allowed by domain.CanTransition.
func (s *store) Update(ctx context.Context, id string, fn func(*domain.Submission) error) (domain.Submission, error) {
	var result domain.Submission

	err := s.kv.Update(ctx, key(id), func(old []byte) ([]byte, error) {
		if old == nil {
			return nil, domain.ErrNotFound
		}

		var sub domain.Submission
		if err := json.Unmarshal(old, &sub); err != nil {
			return nil, fmt.Errorf("decode submission: %w", err)
		}
		prev := sub.Status

		if err := fn(&sub); err != nil {
			return nil, err
		}
		if !domain.CanTransition(prev, sub.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, prev, sub.Status)
		}
		sub.ID = id
		sub.UpdatedAt = s.now().UTC()

		result = sub
		return json.Marshal(sub)
	})
	if err != nil {
		return domain.Submission{}, fmt.Errorf("update submission %s: %w", id, err)
	}

	return result, nil
}

func (s *store) Delete(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, key(id)); err != nil {
		return fmt.Errorf("delete submission %s: %w", id, err)
	}
	return nil
}

func key(id string) string {
	return keyPrefix + id
}
