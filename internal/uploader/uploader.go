// Package uploader synchronizes local archives to an S3 bucket.
package uploader

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/savaki/chatbot-deployer/internal/errors"
	"github.com/savaki/gox/slicex"
)

// maxDeleteBatch is the S3 limit for keys in a single DeleteObjects call
const maxDeleteBatch = 1000

// S3API abstracts the S3 operations used by the uploader for testing
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Object is a local file destined for an S3 key
type Object struct {
	Key  string // Destination key
	Path string // Local file path
}

// Uploader removes previous archive revisions and uploads new ones
type Uploader struct {
	client S3API
}

// New creates a new Uploader
func New(client S3API) *Uploader {
	return &Uploader{client: client}
}

// ObjectKey derives the S3 key for an archive name under an optional key prefix
func ObjectKey(keyPrefix, name string) string {
	keyPrefix = strings.Trim(keyPrefix, "/")
	if keyPrefix == "" {
		return name
	}
	return path.Join(keyPrefix, name)
}

// DeleteByPrefix removes every object whose key starts with prefix. This is a
// broad match: for prefix "lambda_package" it removes lambda_package-v1.zip as
// well as lambda_packageX.zip. Matching nothing is not an error.
func (u *Uploader) DeleteByPrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	logger := zerolog.Ctx(ctx)

	if prefix == "" {
		return nil, fmt.Errorf("%w: refusing to delete with an empty prefix in bucket %s", errors.ErrRemoteDelete, bucket)
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(u.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: list s3://%s/%s*: %v", errors.ErrRemoteDelete, bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	if len(keys) == 0 {
		logger.Info().Str("bucket", bucket).Str("prefix", prefix).Msg("No previous archives matched prefix")
		return nil, nil
	}

	if err := u.DeleteKeys(ctx, bucket, keys...); err != nil {
		return nil, err
	}
	return keys, nil
}

// DeleteKeys removes exactly the given keys. Empty keys are ignored and keys
// that do not exist are not an error.
func (u *Uploader) DeleteKeys(ctx context.Context, bucket string, keys ...string) error {
	logger := zerolog.Ctx(ctx)

	var filtered []string
	for _, key := range keys {
		if key != "" {
			filtered = append(filtered, key)
		}
	}

	for start := 0; start < len(filtered); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(filtered))
		batch := filtered[start:end]

		result, err := u.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{
				Objects: slicex.Map(batch, toObjectIdentifier),
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("%w: bucket %s: %v", errors.ErrRemoteDelete, bucket, err)
		}
		if len(result.Errors) > 0 {
			first := result.Errors[0]
			return fmt.Errorf("%w: bucket %s: key %s: %s: %s",
				errors.ErrRemoteDelete, bucket, aws.ToString(first.Key), aws.ToString(first.Code), aws.ToString(first.Message))
		}

		for _, key := range batch {
			logger.Info().Str("bucket", bucket).Str("key", key).Msg("Deleted previous archive")
		}
	}

	return nil
}

// Upload copies each object to the bucket in order. The first failure aborts
// the remaining uploads.
func (u *Uploader) Upload(ctx context.Context, bucket string, objects ...Object) error {
	for _, obj := range objects {
		if err := u.upload(ctx, bucket, obj); err != nil {
			return fmt.Errorf("%w: s3://%s/%s: %v", errors.ErrRemoteUpload, bucket, obj.Key, err)
		}
	}
	return nil
}

func (u *Uploader) upload(ctx context.Context, bucket string, obj Object) (err error) {
	logger := zerolog.Ctx(ctx)

	defer func(begin time.Time) {
		logger.Info().
			Interface("error", err).
			Str("bucket", bucket).
			Str("key", obj.Key).
			Str("path", obj.Path).
			Dur("duration", time.Since(begin)).
			Msg("Uploaded archive")
	}(time.Now())

	f, err := os.Open(obj.Path)
	if err != nil {
		return err
	}
	//goland:noinspection GoUnhandledErrorResult
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(obj.Key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/zip"),
	})
	return err
}

func toObjectIdentifier(key string) types.ObjectIdentifier {
	return types.ObjectIdentifier{Key: aws.String(key)}
}
