package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// S3Store implements ObjectStore on an S3-compatible bucket. Objects are
// keyed "<tenant_id>/<document_id>/<filename>" so tenant and document
// deletion reduce to prefix listings.
type S3Store struct {
	client *s3.Client
	bucket string
}

// S3Option configures the S3 store.
type S3Option func(*s3.Options)

// WithEndpoint points the client at an S3-compatible endpoint such as MinIO.
func WithEndpoint(endpoint string) S3Option {
	return func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	}
}

// NewS3Store creates an S3-backed object store using ambient AWS credentials.
func NewS3Store(ctx context.Context, bucket, region string, opts ...S3Option) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		for _, opt := range opts {
			opt(o)
		}
	})
	return &S3Store{client: client, bucket: bucket}, nil
}

// Put stores the object and returns its storage path.
func (s *S3Store) Put(ctx context.Context, tenantID, documentID uuid.UUID, filename string, body io.Reader, size int64, contentType string) (string, error) {
	key := path.Join(tenantID.String(), documentID.String(), path.Base(filename))

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return key, nil
}

// Get opens the object for reading.
func (s *S3Store) Get(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(storagePath),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get object %s: %w", storagePath, err)
	}
	return out.Body, nil
}

// Delete removes a single object.
func (s *S3Store) Delete(ctx context.Context, storagePath string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(storagePath),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", storagePath, err)
	}
	return nil
}

// DeleteByDocument removes all objects under a document's prefix.
func (s *S3Store) DeleteByDocument(ctx context.Context, tenantID, documentID uuid.UUID) error {
	return s.deletePrefix(ctx, path.Join(tenantID.String(), documentID.String())+"/")
}

// DeleteByTenant removes all objects under a tenant's prefix.
func (s *S3Store) DeleteByTenant(ctx context.Context, tenantID uuid.UUID) error {
	return s.deletePrefix(ctx, tenantID.String()+"/")
}

func (s *S3Store) deletePrefix(ctx context.Context, prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]types.ObjectIdentifier, len(page.Contents))
		for i, obj := range page.Contents {
			objects[i] = types.ObjectIdentifier{Key: obj.Key}
		}
		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects under %s: %w", prefix, err)
		}
	}
	return nil
}

// Ensure interface is satisfied
var _ ObjectStore = (*S3Store)(nil)
