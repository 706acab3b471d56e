// Package s3_target provides an upload-target provider backed by an
// S3-compatible object store: each proof image gets a presigned PUT URL and
// the object path the backend will reference.
package s3_target

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/getlockinnn/proven-sync/pkg/proof"
)

type Opts struct {
	// Endpoint is host:port of the S3-compatible store. Cannot be empty.
	Endpoint string `yaml:"endpoint"`

	// Bucket holds proof images. Cannot be empty.
	Bucket string `yaml:"bucket"`

	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`

	// KeyPrefix prefixes object keys, e.g. "proofs/".
	KeyPrefix string `yaml:"key_prefix"`

	// URLExpiry is the presigned URL lifetime. Default 15m.
	URLExpiry time.Duration `yaml:"url_expiry"`

	// TimeNow is the clock. Defaults to time.Now.
	TimeNow func() time.Time `yaml:"-"`
}

func (opts *Opts) Init() error {
	if len(opts.Endpoint) == 0 {
		return errors.New("empty s3 endpoint")
	}
	if len(opts.Bucket) == 0 {
		return errors.New("empty s3 bucket")
	}
	if opts.URLExpiry <= 0 {
		opts.URLExpiry = time.Minute * 15
	}
	if opts.TimeNow == nil {
		opts.TimeNow = time.Now
	}
	return nil
}

type Provider struct {
	opts   Opts
	client *minio.Client
}

func NewProvider(opts Opts) (*Provider, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init s3 client, %w", err)
	}
	return &Provider{opts: opts, client: client}, nil
}

func (p *Provider) UploadTarget(ctx context.Context, resourceID, contentType string) (proof.Target, error) {
	key := fmt.Sprintf("%s%s/%d%s", p.opts.KeyPrefix, resourceID,
		p.opts.TimeNow().UnixMilli(), extFor(contentType))

	u, err := p.client.PresignedPutObject(ctx, p.opts.Bucket, key, p.opts.URLExpiry)
	if err != nil {
		return proof.Target{}, fmt.Errorf("failed to presign upload, %w", err)
	}
	return proof.Target{
		UploadURL:     u.String(),
		ResultingPath: "/" + p.opts.Bucket + "/" + key,
	}, nil
}

func extFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/heic":
		return ".heic"
	default:
		return ".jpg"
	}
}

var _ proof.TargetProvider = (*Provider)(nil)
