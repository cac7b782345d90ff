package archive

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

type (
	UploadConfig struct {
		Endpoint  string
		AccessKey string
		SecretKey string
		Bucket    string
		Region    string
		UseSSL    bool
	}

	// Uploader copies archives into an S3 compatible bucket.
	Uploader struct {
		client *minio.Client
		bucket string
		region string
	}
)

func (c UploadConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("s3 endpoint is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("s3 bucket is required")
	}
	return nil
}

func NewUploader(cfg UploadConfig) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create s3 client: %w", err)
	}
	return &Uploader{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// Upload stores file under key, creating the bucket when it does not exist.
// An empty key uses the file name.
func (u *Uploader) Upload(ctx context.Context, file, key string) error {
	if key == "" {
		key = filepath.Base(file)
	}

	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("unable to check bucket %s: %w", u.bucket, err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{Region: u.region}); err != nil {
			return fmt.Errorf("unable to create bucket %s: %w", u.bucket, err)
		}
	}

	info, err := u.client.FPutObject(ctx, u.bucket, key, file, minio.PutObjectOptions{ContentType: "application/zip"})
	if err != nil {
		return fmt.Errorf("unable to upload %s to %s/%s: %w", file, u.bucket, key, err)
	}
	zerolog.Ctx(ctx).Info().Str("bucket", u.bucket).Str("key", key).Int64("size", info.Size).Msg("archive uploaded")
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
