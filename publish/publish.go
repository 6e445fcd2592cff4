// Package publish uploads finished stimulus pools to S3-compatible storage
// so every rig in the lab runs the same images.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/stevecastle/haploscope/pool"
)

// ObjectPutter is the part of the S3 client the publisher uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config selects the bucket and how to reach it.
type Config struct {
	Bucket          string `json:"bucket" env:"BUCKET"`
	Region          string `json:"region" env:"REGION"`
	Endpoint        string `json:"endpoint" env:"ENDPOINT"` // empty for AWS, set for MinIO
	Prefix          string `json:"prefix" env:"PREFIX"`
	AccessKeyID     string `json:"accessKeyId" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `json:"secretAccessKey" env:"SECRET_ACCESS_KEY"`
	PathStyle       bool   `json:"pathStyle" env:"PATH_STYLE"`
	Concurrency     int    `json:"concurrency" env:"CONCURRENCY"`
}

// DefaultMaxTries bounds attempts per object.
const DefaultMaxTries = 4

// Publisher uploads pools to one bucket. Failed uploads are retried with
// exponential backoff unless the service rejected the request itself.
type Publisher struct {
	client      ObjectPutter
	bucket      string
	concurrency int
	MaxTries    uint
	Logger      *slog.Logger
	Progress    func(done, total int, key string)

	newBackOff func() backoff.BackOff
}

// New builds a Publisher backed by an S3 client. Static keys override the
// default credential chain when both are set.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("publish: bucket is required")
	}
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return NewWithClient(client, cfg.Bucket, cfg.Concurrency), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client ObjectPutter, bucket string, concurrency int) *Publisher {
	return &Publisher{
		client:      client,
		bucket:      bucket,
		concurrency: max(concurrency, 1),
		MaxTries:    DefaultMaxTries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			return b
		},
	}
}

// Result summarizes one publish.
type Result struct {
	Bucket   string   `json:"bucket"`
	Prefix   string   `json:"prefix"`
	Keys     []string `json:"keys"`
	Uploaded int      `json:"uploaded"`
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".csv":
		return "text/csv"
	}
	return "application/octet-stream"
}

// objectKey joins prefix and name with forward slashes.
func objectKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// PublishPool uploads every image the manifest in dir names, then the
// manifest itself, under prefix. Readers that wait for the manifest never
// see a partial pool.
func (p *Publisher) PublishPool(ctx context.Context, dir, prefix string) (*Result, error) {
	entries, err := pool.ReadManifest(filepath.Join(dir, pool.ManifestName))
	if err != nil {
		return nil, err
	}
	var images []string
	for _, e := range entries {
		images = append(images, e.LeftFile, e.RightFile)
	}
	total := len(images) + 1

	log := p.logger()
	log.Info("publishing pool", "dir", dir, "bucket", p.bucket, "prefix", prefix, "objects", total)

	var done atomic.Int64
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.concurrency)
	for _, name := range images {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			if err := p.upload(egCtx, dir, prefix, name); err != nil {
				return err
			}
			n := int(done.Add(1))
			if p.Progress != nil {
				p.Progress(n, total, objectKey(prefix, name))
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := p.upload(ctx, dir, prefix, pool.ManifestName); err != nil {
		return nil, err
	}
	if p.Progress != nil {
		p.Progress(total, total, objectKey(prefix, pool.ManifestName))
	}

	keys := make([]string, 0, total)
	for _, name := range images {
		keys = append(keys, objectKey(prefix, name))
	}
	keys = append(keys, objectKey(prefix, pool.ManifestName))
	log.Info("pool published", "bucket", p.bucket, "prefix", prefix, "objects", total)
	return &Result{Bucket: p.bucket, Prefix: prefix, Keys: keys, Uploaded: total}, nil
}

func (p *Publisher) upload(ctx context.Context, dir, prefix, name string) error {
	key := objectKey(prefix, name)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.put(ctx, dir, name, key)
	},
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(max(p.MaxTries, 1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			p.logger().Warn("upload failed, retrying", "key", key, "wait", wait, "error", err)
		}),
	)
	return err
}

func (p *Publisher) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// put sends one object. Local file errors and client faults are permanent.
func (p *Publisher) put(ctx context.Context, dir, name, key string) error {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return backoff.Permanent(err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return backoff.Permanent(err)
	}

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType(name)),
	})
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		err = fmt.Errorf("put %s: %s: %s: %w", key, apiErr.ErrorCode(), apiErr.ErrorMessage(), err)
		if apiErr.ErrorFault() == smithy.FaultClient {
			return backoff.Permanent(err)
		}
		return err
	}
	return fmt.Errorf("put %s: %w", key, err)
}
