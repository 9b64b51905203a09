package featurestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
)

// ExportArchiver keeps a copy of every generated feature export in the
// object store, next to the run reports.
type ExportArchiver struct {
	client *minio.Client
	bucket string
}

func NewExportArchiver(client *minio.Client, bucket string) *ExportArchiver {
	return &ExportArchiver{client: client, bucket: bucket}
}

// Archive stores one export body under exports/<filename>, returning
// the object key and the content sha256.
func (a *ExportArchiver) Archive(ctx context.Context, filename string, contentType string, body []byte) (string, string, error) {
	sum := sha256.Sum256(body)
	contentSHA256 := hex.EncodeToString(sum[:])

	key := "exports/" + filename
	putCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := a.client.PutObject(
		putCtx,
		a.bucket,
		key,
		bytes.NewReader(body),
		int64(len(body)),
		minio.PutObjectOptions{
			ContentType:  contentType,
			UserMetadata: map[string]string{"Content-Sha256": contentSHA256},
		},
	)
	if err != nil {
		return "", "", fmt.Errorf("put export: %w", err)
	}
	return key, contentSHA256, nil
}
