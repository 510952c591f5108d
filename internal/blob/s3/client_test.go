package s3blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "settlements/2026/01/x.json", (&Client{}).objectKey("/settlements/2026/01/x.json"))
	assert.Equal(t, "prod/settlements/x.json", (&Client{prefix: "prod"}).objectKey("settlements/x.json"))
}

func TestWithScheme(t *testing.T) {
	assert.Equal(t, "http://minio:9000", withScheme("minio:9000", false))
	assert.Equal(t, "https://minio:9000", withScheme("minio:9000", true))
	assert.Equal(t, "http://localhost:9000", withScheme("http://localhost:9000", true))
}

func TestNew_RequiresBucketAndRegion(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{Region: "us-east-1"})
	require.ErrorContains(t, err, "bucket")
	_, err = New(context.Background(), ClientConfig{Bucket: "b"})
	require.ErrorContains(t, err, "region")
}
