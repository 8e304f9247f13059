// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sapcc/go-bits/osext"

	"github.com/strawhub/strawhub/internal/strawhub"
)

func init() {
	strawhub.RegisterStorageDriver("s3", func(_ strawhub.Configuration) (strawhub.StorageDriver, error) {
		return newStorageDriver()
	})
}

// StorageDriver (driver name "s3") is a strawhub.StorageDriver that stores
// blobs in an S3-compatible object store.
type StorageDriver struct {
	client *s3.Client
	bucket string
}

func newStorageDriver() (*StorageDriver, error) {
	endpoint := osext.MustGetenv("STRAWHUB_S3_ENDPOINT")
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(osext.GetenvOrDefault("STRAWHUB_S3_REGION", "us-east-1")),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			osext.MustGetenv("STRAWHUB_S3_ACCESS_KEY"),
			osext.MustGetenv("STRAWHUB_S3_SECRET_KEY"),
			"",
		)),
	)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		// most non-AWS object stores only support path-style addressing
		o.UsePathStyle = true
	})

	return &StorageDriver{
		client: client,
		bucket: osext.MustGetenv("STRAWHUB_S3_BUCKET"),
	}, nil
}

// ReadBlob implements the strawhub.StorageDriver interface.
func (d *StorageDriver) ReadBlob(ctx context.Context, storageID string) ([]byte, error) {
	output, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(storageID),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, strawhub.ErrBlobNotFound
		}
		return nil, err
	}
	defer output.Body.Close()
	return io.ReadAll(output.Body)
}

// WriteBlob implements the strawhub.StorageDriver interface.
func (d *StorageDriver) WriteBlob(ctx context.Context, storageID string, contents []byte) error {
	size := int64(len(contents))
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(storageID),
		Body:          bytes.NewReader(contents),
		ContentLength: &size,
	})
	return err
}

// DeleteBlob implements the strawhub.StorageDriver interface.
func (d *StorageDriver) DeleteBlob(ctx context.Context, storageID string) error {
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(storageID),
	})
	return err
}
