package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
)

// Bucket is the subset of *oss.Bucket used by OSSStore
type Bucket interface {
	PutObject(objectKey string, reader io.Reader, options ...oss.Option) error
	GetObject(objectKey string, options ...oss.Option) (io.ReadCloser, error)
	IsObjectExist(objectKey string, options ...oss.Option) (bool, error)
	ListObjectsV2(options ...oss.Option) (oss.ListObjectsResultV2, error)
	DeleteObject(objectKey string, options ...oss.Option) error
}

var _ Bucket = (*oss.Bucket)(nil)

// OSSStore keeps objects in an Aliyun OSS bucket
type OSSStore struct {
	bucket Bucket
}

// NewOSSStore connects to the bucket
func NewOSSStore(endpoint, bucketName, accessKeyID, accessKeySecret string) (*OSSStore, error) {
	client, err := oss.New(endpoint, accessKeyID, accessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create OSS client: %w", err)
	}
	bucket, err := client.Bucket(bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket: %w", err)
	}
	return NewOSSStoreWithBucket(bucket), nil
}

// NewOSSStoreWithBucket wraps an existing bucket handle
func NewOSSStoreWithBucket(bucket Bucket) *OSSStore {
	return &OSSStore{bucket: bucket}
}

// Put uploads the object with its content type and user metadata
func (s *OSSStore) Put(ctx context.Context, p string, data []byte, contentType string, metadata map[string]string) error {
	key, err := cleanPath(p)
	if err != nil {
		return err
	}

	options := []oss.Option{oss.ContentType(contentType)}
	for k, v := range metadata {
		options = append(options, oss.Meta(k, v))
	}

	if err := s.bucket.PutObject(key, bytes.NewReader(data), options...); err != nil {
		return fmt.Errorf("failed to upload %s: %w", p, err)
	}
	return nil
}

// Get downloads the object
func (s *OSSStore) Get(ctx context.Context, p string) ([]byte, error) {
	key, err := cleanPath(p)
	if err != nil {
		return nil, err
	}

	body, err := s.bucket.GetObject(key)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to download %s: %w", p, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}

// Exists checks the object's existence
func (s *OSSStore) Exists(ctx context.Context, p string) (bool, error) {
	key, err := cleanPath(p)
	if err != nil {
		return false, err
	}
	exists, err := s.bucket.IsObjectExist(key)
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", p, err)
	}
	return exists, nil
}

// List pages through every key with the prefix
func (s *OSSStore) List(ctx context.Context, prefix string) ([]string, error) {
	var (
		out   []string
		token string
	)
	for {
		options := []oss.Option{oss.Prefix(prefix), oss.MaxKeys(1000)}
		if token != "" {
			options = append(options, oss.ContinuationToken(token))
		}

		res, err := s.bucket.ListObjectsV2(options...)
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
		}
		for _, obj := range res.Objects {
			out = append(out, obj.Key)
		}

		if !res.IsTruncated || res.NextContinuationToken == "" {
			return out, nil
		}
		token = res.NextContinuationToken
	}
}

// Delete removes the object
func (s *OSSStore) Delete(ctx context.Context, p string) error {
	key, err := cleanPath(p)
	if err != nil {
		return err
	}
	if err := s.bucket.DeleteObject(key); err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("failed to delete %s: %w", p, err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	var svcErr oss.ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.StatusCode == http.StatusNotFound || svcErr.Code == "NoSuchKey"
	}
	return false
}
