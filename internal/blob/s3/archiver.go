// Package s3blob archives portfolio snapshots to S3 or an S3-compatible store.
package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/holdings/internal/domain"
)

// ClientConfig locates the bucket. Endpoint is empty for AWS itself.
type ClientConfig struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	ForcePathStyle bool
}

type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Archiver implements domain.SnapshotArchiver. Objects are JSON documents
// under <prefix>/<account>/<yyyy>/<mm>/<dd>/.
type Archiver struct {
	l      *zap.Logger
	api    objectAPI
	bucket string
	prefix string
}

// New builds an S3 client from cfg.
func New(ctx context.Context, l *zap.Logger, cfg ClientConfig) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("snapshot archive bucket is required")
	}
	if cfg.Region == "" {
		return nil, errors.New("snapshot archive region is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := normaliseEndpoint(cfg.Endpoint, cfg.UseSSL)
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(endpoint) })
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	return newArchiver(l, s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Prefix), nil
}

func newArchiver(l *zap.Logger, api objectAPI, bucket, prefix string) *Archiver {
	if l == nil {
		l = zap.NewNop()
	}
	if prefix == "" {
		prefix = "snapshots"
	}
	return &Archiver{l: l, api: api, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (a *Archiver) objectKey(s domain.PortfolioSnapshot) string {
	at := s.AsOf.UTC()
	name := fmt.Sprintf("%s-%s.json", at.Format("20060102T150405.000000000Z"), uuid.NewString())
	return path.Join(a.prefix, url.PathEscape(s.Account), at.Format("2006"), at.Format("01"), at.Format("02"), name)
}

// Archive uploads the snapshot and returns its object key.
func (a *Archiver) Archive(ctx context.Context, s domain.PortfolioSnapshot) (string, error) {
	if s.Account == "" {
		return "", errors.Wrap(domain.ErrInvalidEvent, "snapshot without account")
	}
	body, err := json.Marshal(s)
	if err != nil {
		return "", errors.Wrap(err, "marshal snapshot")
	}

	key := a.objectKey(s)
	if _, err := a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return "", errors.Wrapf(err, "put snapshot %s", key)
	}
	a.l.Info("snapshot archived", zap.String("account", s.Account), zap.String("key", key),
		zap.String("total", s.TotalValue.String()))
	return key, nil
}

// Fetch downloads an archived snapshot.
func (a *Archiver) Fetch(ctx context.Context, key string) (domain.PortfolioSnapshot, error) {
	var s domain.PortfolioSnapshot
	out, err := a.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(a.bucket), Key: aws.String(key)})
	if err != nil {
		return s, errors.Wrapf(err, "get snapshot %s", key)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return s, errors.Wrapf(err, "read snapshot %s", key)
	}
	if err := json.Unmarshal(body, &s); err != nil {
		return s, errors.Wrapf(err, "decode snapshot %s", key)
	}
	return s, nil
}

// normaliseEndpoint adds a scheme to a bare host.
func normaliseEndpoint(endpoint string, useSSL bool) string {
	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" {
		return endpoint
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return scheme + "://" + endpoint
}

var _ domain.SnapshotArchiver = (*Archiver)(nil)
