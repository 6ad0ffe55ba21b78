package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const sseAlgorithm = "AES256"

type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetBucketVersioning(ctx context.Context, in *s3.GetBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error)
	GetBucketLocation(ctx context.Context, in *s3.GetBucketLocationInput, optFns ...func(*s3.Options)) (*s3.GetBucketLocationOutput, error)
}

type S3Store struct {
	api    s3API
	bucket string
	key    string
	keyMD5 string
}

func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if err := validator.New().Struct(opts); err != nil {
		return nil, errors.Wrap(err, "invalid s3 storage settings")
	}
	if opts.SignatureVersion != "" && opts.SignatureVersion != "s3v4" {
		return nil, errors.Newf("unsupported s3 signature version %q", opts.SignatureVersion)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
	)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(opts.EndpointURL)
		o.UsePathStyle = true
	})
	return newS3Store(ctx, client, opts)
}

func newS3Store(ctx context.Context, api s3API, opts S3Options) (*S3Store, error) {
	raw, err := base64.StdEncoding.DecodeString(opts.SSECustomerKey)
	if err != nil {
		return nil, errors.Wrap(err, "decode sse customer key")
	}
	if len(raw) != 32 {
		return nil, errors.Newf("sse customer key must be 32 bytes, got %d", len(raw))
	}
	sum := md5.Sum(raw)

	s := &S3Store{
		api:    api,
		bucket: opts.Bucket,
		key:    opts.SSECustomerKey,
		keyMD5: base64.StdEncoding.EncodeToString(sum[:]),
	}
	if err := s.check(ctx, opts.Region); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *S3Store) check(ctx context.Context, region string) error {
	loc, err := s.api.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return errors.Wrapf(err, "get location of bucket %s", s.bucket)
	}
	actual := string(loc.LocationConstraint)
	if actual == "" {
		actual = "us-east-1"
	}
	if actual != region {
		return errors.Newf("bucket %s is in region %s, configured region is %s", s.bucket, actual, region)
	}

	v, err := s.api.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return errors.Wrapf(err, "get versioning of bucket %s", s.bucket)
	}
	if v.Status != types.BucketVersioningStatusEnabled {
		return errors.Newf("bucket %s must have versioning enabled, status is %q", s.bucket, v.Status)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		SSECustomerAlgorithm: aws.String(sseAlgorithm),
		SSECustomerKey:       aws.String(s.key),
		SSECustomerKeyMD5:    aws.String(s.keyMD5),
		ChecksumMode:         types.ChecksumModeEnabled,
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "get s3://%s/%s", s.bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read s3://%s/%s", s.bucket, key)
	}
	return data, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String(contentType),
		ContentEncoding:      aws.String("utf-8"),
		ContentLanguage:      aws.String("en"),
		ACL:                  types.ObjectCannedACLPrivate,
		ChecksumAlgorithm:    types.ChecksumAlgorithmSha256,
		SSECustomerAlgorithm: aws.String(sseAlgorithm),
		SSECustomerKey:       aws.String(s.key),
		SSECustomerKeyMD5:    aws.String(s.keyMD5),
	})
	if err != nil {
		return errors.Wrapf(err, "put s3://%s/%s", s.bucket, key)
	}
	zap.L().Named("storage").Debug("stored object", zap.String("bucket", s.bucket), zap.String("key", key))
	return nil
}
