package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/you-humble/framesync/uploader/internal/domain"
)

// protectedPrefix scopes objects to the uploading identity: readable by
// others, writable only by the owner.
const protectedPrefix = "protected"

var expiredCodes = map[string]struct{}{
	"ExpiredToken":          {},
	"InvalidToken":          {},
	"TokenRefreshRequired":  {},
	"InvalidAccessKeyId":    {},
	"InvalidClientTokenId":  {},
	"RequestExpired":        {},
	"SignatureDoesNotMatch": {},
}

type minioStore struct {
	db     *minio.Client
	bucket string
}

func NewMinIOStore(client *minio.Client, bucket string) *minioStore {
	return &minioStore{db: client, bucket: bucket}
}

func (s *minioStore) Put(
	ctx context.Context,
	identityID string,
	key string,
	reader io.Reader,
	size int64,
	contentType string,
) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	objectName, err := ObjectName(identityID, key)
	if err != nil {
		return err
	}

	_, err = s.db.PutObject(ctx, s.bucket, objectName, reader, objectSize(size), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return classify(fmt.Errorf("put object %s: %w", objectName, err))
	}

	return nil
}

// objectSize maps an unknown (negative) size to -1, which makes minio-go
// stream the object. Empty files keep size 0.
func objectSize(size int64) int64 {
	if size < 0 {
		return -1
	}
	return size
}

// ObjectName places key under the identity's protected prefix.
func ObjectName(identityID, key string) (string, error) {
	if strings.TrimSpace(identityID) == "" {
		return "", fmt.Errorf("empty identity")
	}
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key")
	}

	clean := path.Clean(key)
	if strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid key: %s", key)
	}

	clean = strings.TrimLeft(clean, "/")

	return protectedPrefix + "/" + identityID + "/" + clean, nil
}

// StorageKey is the key a submission file is recorded under remotely.
func StorageKey(mediaID, relPath string) string {
	return mediaID + "/" + strings.TrimLeft(relPath, "/")
}

func classify(err error) error {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return err
	}
	if _, ok := expiredCodes[resp.Code]; ok || resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %w", domain.ErrCredentialsExpired, err)
	}
	return err
}
