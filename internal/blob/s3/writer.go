package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

// Writer implements domain.BlobWriter through the transfer manager, which
// sends small bodies as one PutObject.
type Writer struct {
	client   *Client
	uploader *manager.Uploader
}

// NewWriter creates a Writer for the client's bucket.
func NewWriter(c *Client) *Writer {
	return &Writer{
		client: c,
		uploader: manager.NewUploader(c.s3, func(u *manager.Uploader) {
			u.PartSize = manager.MinUploadPartSize
		}),
	}
}

// Put uploads data under the client's prefix.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	key := w.client.objectKey(path)
	_, err := w.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.client.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", key, err)
	}
	return nil
}

var _ domain.BlobWriter = (*Writer)(nil)
