// Package mirror holds remote tiers for the market data cache.
package mirror

import (
	"bytes"
	"context"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
)

type S3Config struct {
	Bucket       string
	Region       string
	Prefix       string
	UsePathStyle bool
}

// ObjectAPI is the subset of the S3 client used by S3Mirror.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3Mirror struct {
	client ObjectAPI
	bucket string
	prefix string
}

// NewS3Mirror builds a client from the default credential chain.
func NewS3Mirror(ctx context.Context, cfg S3Config) (*S3Mirror, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "loading aws configuration")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3MirrorWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func NewS3MirrorWithClient(client ObjectAPI, bucket, prefix string) *S3Mirror {
	return &S3Mirror{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (m *S3Mirror) Push(ctx context.Context, key string, data []byte) error {
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.objectKey(key)),
		Body:   bytes.NewReader(data),
	})
	return errors.Wrapf(err, "putting s3://%s/%s", m.bucket, m.objectKey(key))
}

func (m *S3Mirror) Pull(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.objectKey(key)),
	})
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "getting s3://%s/%s", m.bucket, m.objectKey(key))
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	return data, true, nil
}

func (m *S3Mirror) objectKey(key string) string {
	return path.Join(m.prefix, filepath.ToSlash(key))
}
