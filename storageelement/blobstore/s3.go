// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures an s3-compatible backend.
type S3Config struct {
	Endpoint  string `help:"s3 endpoint url, empty for aws" default:""`
	Region    string `help:"s3 region" default:"us-east-1"`
	Bucket    string `help:"bucket name" default:""`
	AccessKey string `help:"access key id" default:""`
	SecretKey string `help:"secret access key" default:""`
	AppFolder string `help:"key prefix for this element" default:"stratum"`

	TotalBytes int64 `help:"capacity quota reported for this bucket" default:"1099511627776"`

	ForcePathStyle bool `help:"use path style addressing, needed by most s3-compatible stores" default:"on"`
}

// S3 is an s3-compatible blob store. All keys live under the configured
// app folder.
type S3 struct {
	client *s3.Client
	config S3Config
}

var _ Backend = (*S3)(nil)

// NewS3 opens the backend and drops a .keep placeholder under the app
// folder so the prefix is always listable.
func NewS3(ctx context.Context, config S3Config) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(config.Region),
	}
	if config.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, "")))
	}
	awscfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	client := s3.NewFromConfig(awscfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
		o.UsePathStyle = config.ForcePathStyle
	})

	store := &S3{client: client, config: config}

	if _, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(config.Bucket),
		Key:    aws.String(store.key(".keep")),
		Body:   bytes.NewReader([]byte{}),
	}); err != nil {
		return nil, Error.New("placeholder write failed: %v", err)
	}

	return store, nil
}

// Name implements Backend.
func (store *S3) Name() string { return "s3" }

func (store *S3) key(path string) string {
	return strings.TrimSuffix(store.config.AppFolder, "/") + "/" + strings.TrimPrefix(path, "/")
}

// WriteFile implements Backend. The payload is buffered so the sha-256
// checksum can travel with the PUT as object metadata.
func (store *S3) WriteFile(ctx context.Context, path string, data io.Reader, expectedSize int64) (int64, error) {
	var buf bytes.Buffer
	hasher := sha256.New()
	written, err := io.CopyBuffer(&buf, io.TeeReader(data, hasher), make([]byte, ChunkSize))
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if expectedSize >= 0 && written != expectedSize {
		return 0, Error.New("expected %d bytes, got %d", expectedSize, written)
	}

	_, err = store.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:         aws.String(store.config.Bucket),
		Key:            aws.String(store.key(path)),
		Body:           bytes.NewReader(buf.Bytes()),
		ChecksumSHA256: aws.String(base64.StdEncoding.EncodeToString(hasher.Sum(nil))),
	})
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return written, nil
}

// ReadFile implements Backend.
func (store *S3) ReadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := store.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(store.config.Bucket),
		Key:    aws.String(store.key(path)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound.New("%s", path)
		}
		return nil, Error.Wrap(err)
	}
	return out.Body, nil
}

// DeleteFile implements Backend. S3 deletes are idempotent, so a missing
// object is detected with a head first.
func (store *S3) DeleteFile(ctx context.Context, path string) error {
	if exists, err := store.FileExists(ctx, path); err != nil {
		return err
	} else if !exists {
		return ErrNotFound.New("%s", path)
	}
	_, err := store.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(store.config.Bucket),
		Key:    aws.String(store.key(path)),
	})
	return Error.Wrap(err)
}

// FileExists implements Backend.
func (store *S3) FileExists(ctx context.Context, path string) (bool, error) {
	_, err := store.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(store.config.Bucket),
		Key:    aws.String(store.key(path)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, Error.Wrap(err)
	}
	return true, nil
}

// FileSize implements Backend.
func (store *S3) FileSize(ctx context.Context, path string) (int64, error) {
	out, err := store.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(store.config.Bucket),
		Key:    aws.String(store.key(path)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return 0, ErrNotFound.New("%s", path)
		}
		return 0, Error.Wrap(err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// WriteAttrFile implements Backend. S3 PUT replaces the object atomically.
func (store *S3) WriteAttrFile(ctx context.Context, path string, data []byte) error {
	_, err := store.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(store.config.Bucket),
		Key:         aws.String(store.key(path)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return Error.Wrap(err)
}

// ReadAttrFile implements Backend.
func (store *S3) ReadAttrFile(ctx context.Context, path string) ([]byte, error) {
	body, err := store.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(body)
	return data, Error.Wrap(err)
}

// DeleteAttrFile implements Backend.
func (store *S3) DeleteAttrFile(ctx context.Context, path string) error {
	return store.DeleteFile(ctx, path)
}

// ListAttrFiles implements Backend.
func (store *S3) ListAttrFiles(ctx context.Context, prefix string) ([]string, error) {
	var paths []string

	paginator := s3.NewListObjectsV2Paginator(store.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(store.config.Bucket),
		Prefix: aws.String(store.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		for _, object := range page.Contents {
			key := aws.ToString(object.Key)
			if !strings.HasSuffix(key, ".attr.json") {
				continue
			}
			paths = append(paths, strings.TrimPrefix(key, strings.TrimSuffix(store.config.AppFolder, "/")+"/"))
		}
	}
	return paths, nil
}

// SpaceInfo implements Backend against the configured quota; used space
// is the sum of object sizes under the app folder.
func (store *S3) SpaceInfo(ctx context.Context) (SpaceInfo, error) {
	var used int64

	paginator := s3.NewListObjectsV2Paginator(store.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(store.config.Bucket),
		Prefix: aws.String(strings.TrimSuffix(store.config.AppFolder, "/") + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return SpaceInfo{}, Error.Wrap(err)
		}
		for _, object := range page.Contents {
			used += aws.ToInt64(object.Size)
		}
	}

	total := store.config.TotalBytes
	available := total - used
	if available < 0 {
		available = 0
		used = total
	}
	return SpaceInfo{Total: total, Used: used, Available: available}, nil
}

// HealthCheck implements Backend: head the bucket, then list the prefix.
func (store *S3) HealthCheck(ctx context.Context) error {
	if _, err := store.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(store.config.Bucket),
	}); err != nil {
		return Error.New("head bucket: %v", err)
	}
	_, err := store.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(store.config.Bucket),
		Prefix:  aws.String(strings.TrimSuffix(store.config.AppFolder, "/") + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return Error.New("list prefix: %v", err)
	}
	return nil
}

// Close implements Backend.
func (store *S3) Close() error { return nil }

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
