package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	miocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/you-humble/framesync/uploader/internal/domain"
)

// minioProvider hands out identities backed by a MinIO credentials chain. The
// object store client shares creds, so expiring them here makes the client
// fetch a new session token on its next request.
type minioProvider struct {
	creds      *miocreds.Credentials
	identityID string
}

// NewMinIOProvider derives a stable identity id from the long-lived access key
// unless one is configured explicitly.
func NewMinIOProvider(creds *miocreds.Credentials, accessKeyID, identityID string) (*minioProvider, error) {
	if creds == nil {
		return nil, fmt.Errorf("nil credentials")
	}
	if identityID == "" {
		if accessKeyID == "" {
			return nil, fmt.Errorf("cannot derive identity: empty access key")
		}
		sum := sha256.Sum256([]byte(accessKeyID))
		identityID = hex.EncodeToString(sum[:8])
	}
	return &minioProvider{creds: creds, identityID: identityID}, nil
}

func (p *minioProvider) Current(ctx context.Context) (domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return domain.Identity{}, err
	}

	v, err := p.creds.Get()
	if err != nil {
		return domain.Identity{}, fmt.Errorf("get credentials: %w", err)
	}
	if v.AccessKeyID == "" {
		return domain.Identity{}, fmt.Errorf("credentials have no access key")
	}

	return domain.Identity{ID: p.identityID}, nil
}

func (p *minioProvider) ForceRefresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.creds.Expire()
	if _, err := p.creds.Get(); err != nil {
		return fmt.Errorf("refresh credentials: %w", err)
	}
	return nil
}
