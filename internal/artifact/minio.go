package artifact

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/3cpo-dev/nanorun/internal/config"
)

// MinIOPublisher uploads reports to an S3-compatible bucket.
type MinIOPublisher struct {
	client *minio.Client
	cfg    config.MinIOConfig
}

// NewMinIOPublisher validates cfg and builds the client. No request is made
// until Publish.
func NewMinIOPublisher(cfg config.MinIOConfig) (*MinIOPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("minio config: %w", err)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinIOPublisher{client: client, cfg: cfg}, nil
}

func (p *MinIOPublisher) Name() string { return "minio" }

// Publish creates the bucket if needed and uploads localPath under the prefix.
func (p *MinIOPublisher) Publish(ctx context.Context, localPath string) (string, error) {
	if err := ensureBucket(ctx, p.client, p.cfg.Bucket, p.cfg.Region); err != nil {
		return "", fmt.Errorf("ensure bucket %s: %w", p.cfg.Bucket, err)
	}
	key := objectKey(p.cfg.Prefix, filepath.Base(localPath))
	info, err := p.client.FPutObject(ctx, p.cfg.Bucket, key, localPath, minio.PutObjectOptions{
		ContentType: "text/markdown; charset=utf-8",
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", info.Bucket, info.Key), nil
}

func objectKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
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
		ExpectContinueTimeout: 1 * time.Second,
	}
}
