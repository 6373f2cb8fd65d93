package wal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archiver uploads rotated WAL segments to a bucket/prefix, so
// rotated WAL history survives local disk loss. It is purely additive
// to Rotate's on-disk semantics.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver builds an S3Archiver using the default AWS credential
// chain (env vars, shared config, container/instance roles), matching
// the teacher's aws-sdk-go-v2 bootstrap pattern.
func NewS3Archiver(ctx context.Context, bucket, prefix, region string) (*S3Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("wal: load aws config: %w", err)
	}
	return &S3Archiver{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

// Archive uploads the file at path under bucket/prefix/<basename>-<unixnano>.
func (a *S3Archiver) Archive(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("wal archive: open %s: %w", path, err)
	}
	defer f.Close()

	key := filepath.ToSlash(filepath.Join(a.prefix, fmt.Sprintf("%s-%d", filepath.Base(path), time.Now().UnixNano())))
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("wal archive: put %s: %w", key, err)
	}
	return nil
}
