package resumestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/you-humble/framesync/uploader/internal/domain"
	"github.com/you-humble/framesync/uploader/internal/infra/store/kv"
)

// Patch is merged into the stored state by Persist. Nil fields are left
// untouched; FileRecords entries are merged key by key.
type Patch struct {
	CompletedFiles []string
	FileRecords    map[string]string
	FileSizes      map[string]int64
	TotalBytes     *int64
	TotalFiles     *int
	UploadedBytes  *int64
	IdentityID     *string
	LastError      *string
	Meta           *domain.SubmissionMeta
}

type store struct {
	kv  kv.Store
	now func() time.Time
}

func New(kvs kv.Store) *store {
	return &store{kv: kvs, now: time.Now}
}

func (s *store) Load(ctx context.Context, id string) (*domain.ResumeState, error) {
	data, err := s.kv.Get(ctx, key(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load resume state %s: %w", id, err)
	}

	st, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode resume state %s: %w", id, err)
	}
	if st.ProcessingID == "" {
		st.ProcessingID = id
	}
	Normalize(st)
	return st, nil
}

func (s *store) Persist(ctx context.Context, id string, p Patch) (*domain.ResumeState, error) {
	var result *domain.ResumeState

	err := s.kv.Update(ctx, key(id), func(old []byte) ([]byte, error) {
		st := &domain.ResumeState{ProcessingID: id}
		if old != nil {
			decoded, err := decode(old)
			if err != nil {
				return nil, fmt.Errorf("decode resume state: %w", err)
			}
			st = decoded
		}

		st.ProcessingID = id
		apply(st, p)
		Normalize(st)
		st.UpdatedAt = s.now().UTC()

		data, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("encode resume state: %w", err)
		}
		result = st
		return data, nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist resume state %s: %w", id, err)
	}

	return result, nil
}

func (s *store) Clear(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, key(id)); err != nil {
		return fmt.Errorf("clear resume state %s: %w", id, err)
	}
	return nil
}

func apply(st *domain.ResumeState, p Patch) {
	if p.FileSizes != nil {
		st.FileSizes = make(map[string]int64, len(p.FileSizes))
		for k, v := range p.FileSizes {
			st.FileSizes[k] = v
		}
	}
	if p.CompletedFiles != nil {
		st.CompletedFiles = append([]string(nil), p.CompletedFiles...)
	}
	if len(p.FileRecords) > 0 {
		if st.FileRecords == nil {
			st.FileRecords = make(map[string]string, len(p.FileRecords))
		}
		for k, v := range p.FileRecords {
			st.FileRecords[k] = v
		}
	}
	if p.TotalBytes != nil {
		st.TotalBytes = *p.TotalBytes
	}
	if p.TotalFiles != nil {
		st.TotalFiles = *p.TotalFiles
	}
	if p.UploadedBytes != nil {
		st.UploadedBytes = *p.UploadedBytes
	}
	if p.IdentityID != nil {
		st.IdentityID = *p.IdentityID
	}
	if p.LastError != nil {
		st.LastError = *p.LastError
	}
	if p.Meta != nil {
		st.Meta = *p.Meta
	}
}

func key(id string) string {
	return "resume:" + id
}
