package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"dbvault/internal/config"
	apperrors "dbvault/internal/errors"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Storage stores objects in an S3 or S3-compatible bucket. Uploads go
// through s3manager so large dumps are sent as multipart uploads; object
// metadata travels with the upload and becomes visible atomically with it.
type S3Storage struct {
	client   s3iface.S3API
	uploader *s3manager.Uploader
	bucket   string
}

// NewS3Storage creates an S3Storage from configuration
func NewS3Storage(cfg config.S3Config) (*S3Storage, error) {
	awsConfig := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.ForcePathStyle),
	}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "failed to create AWS session", err)
	}
	return NewS3StorageWithClient(s3.New(sess), cfg.Bucket), nil
}

// NewS3StorageWithClient wraps an existing S3 client
func NewS3StorageWithClient(client s3iface.S3API, bucket string) *S3Storage {
	return &S3Storage{
		client: client,
		uploader: s3manager.NewUploaderWithClient(client, func(u *s3manager.Uploader) {
			u.PartSize = 16 * 1024 * 1024
			u.Concurrency = 4
		}),
		bucket: bucket,
	}
}

// Provider implements ObjectStore
func (s *S3Storage) Provider() string { return "s3" }

// Put implements ObjectStore. The SDK's PutObjectInput has no If-None-Match,
// so S3 cannot refuse a taken key: two writers racing on one key both
// succeed and the last upload wins.
func (s *S3Storage) Put(ctx context.Context, key string, r io.Reader, size int64, metadata map[string]string) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String("application/octet-stream"),
		Metadata:    aws.StringMap(metadata),
	})
	if err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// Get implements ObjectStore
func (s *S3Storage) Get(ctx context.Context, key string, w io.Writer) (int64, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, s.wrapError(key, "download", err)
	}
	defer out.Body.Close()

	return io.Copy(w, out.Body)
}

// Stat implements ObjectStore
func (s *S3Storage) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.wrapError(key, "stat", err)
	}
	return &ObjectInfo{
		Key:      key,
		Size:     aws.Int64Value(out.ContentLength),
		Modified: aws.TimeValue(out.LastModified),
		Metadata: normalizeMetadata(aws.StringValueMap(out.Metadata)),
	}, nil
}

// List implements ObjectStore. ListObjectsV2 does not return user
// metadata, so the returned ObjectInfos carry a nil Metadata map.
func (s *S3Storage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:      aws.StringValue(obj.Key),
				Size:     aws.Int64Value(obj.Size),
				Modified: aws.TimeValue(obj.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list s3://%s/%s: %w", s.bucket, prefix, err)
	}
	return objects, nil
}

// Delete implements ObjectStore
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s.wrapError(key, "delete", err)
	}
	return nil
}

// HealthCheck implements ObjectStore
func (s *S3Storage) HealthCheck(ctx context.Context) error {
	if _, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("S3 bucket %s is not accessible: %w", s.bucket, err)
	}
	return nil
}

func (s *S3Storage) wrapError(key, op string, err error) error {
	if isS3NotFound(err) {
		return apperrors.NewNotFoundError(fmt.Sprintf("object s3://%s/%s", s.bucket, key), err)
	}
	return fmt.Errorf("failed to %s s3://%s/%s: %w", op, s.bucket, key, err)
}

func isS3NotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
