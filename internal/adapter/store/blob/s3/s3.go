// Package s3 implements the overflow blob store on an S3-compatible object
// store (AWS S3, MinIO).
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/evalgrid/evalgrid/internal/domain"
)

// Client is a domain.BlobStore backed by one bucket.
type Client struct {
	api    *s3.Client
	bucket string
}

// New builds a Client from the ambient AWS configuration. A non-empty
// endpoint points at an S3-compatible store such as MinIO and switches to
// path-style addressing.
func New(ctx context.Context, endpoint, bucket string) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=s3.new: %w", err)
	}
	api := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &Client{api: api, bucket: bucket}, nil
}

// Put stores data under key.
func (c *Client) Put(ctx domain.Context, key string, data []byte) error {
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("op=s3.put key=%s: %w", key, err)
	}
	return nil
}

// Get returns the object stored under key.
func (c *Client) Get(ctx domain.Context, key string) ([]byte, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("op=s3.get key=%s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("op=s3.get key=%s: %w", key, err)
	}
	return b, nil
}
