// Package archive stores terminal execution snapshots in S3-compatible
// object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/rendis/playbook/pkg/schema"
)

// DefaultPutTimeout bounds a single snapshot upload.
const DefaultPutTimeout = 15 * time.Second

// Config locates the archive bucket.
type Config struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	UseSSL    bool   `json:"use_ssl"`
}

// Enabled reports whether an endpoint was configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

// Validate checks that every field needed to reach the bucket is set.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// ObjectPutter is the subset of *minio.Client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioArchiver writes one JSON object per terminal execution.
type MinioArchiver struct {
	client  ObjectPutter
	bucket  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewMinioArchiver wraps an existing client.
func NewMinioArchiver(client ObjectPutter, bucket string, logger *slog.Logger) *MinioArchiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &MinioArchiver{client: client, bucket: bucket, timeout: DefaultPutTimeout, logger: logger}
}

// Open dials the configured endpoint, creates the bucket when missing and
// returns an archiver bound to it.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*MinioArchiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "archive config: "+err.Error())
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("archive client: %w", err)
	}
	if err := ensureBucket(ctx, client, cfg.Bucket, region); err != nil {
		return nil, fmt.Errorf("ensure archive bucket %q: %w", cfg.Bucket, err)
	}
	return NewMinioArchiver(client, cfg.Bucket, logger), nil
}

// ObjectKey is the key a snapshot is stored under.
func ObjectKey(exec *schema.Execution) string {
	return "executions/" + exec.PlaybookID + "/" + exec.ID + ".json"
}

// Archive uploads the snapshot. Non-terminal executions are rejected.
func (a *MinioArchiver) Archive(ctx context.Context, exec *schema.Execution) error {
	if exec == nil || exec.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution id is required")
	}
	if !exec.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "execution %q is %s, not terminal", exec.ID, exec.Status)
	}

	body, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution %q: %w", exec.ID, err)
	}

	key := ObjectKey(exec)
	putCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	_, err = a.client.PutObject(putCtx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"playbook-version": fmt.Sprint(exec.PlaybookVersion),
			"status":           string(exec.Status),
		},
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", a.bucket, key, err)
	}

	a.logger.DebugContext(ctx, "execution archived",
		slog.String("execution_id", exec.ID),
		slog.String("key", key),
		slog.Int("bytes", len(body)))
	return nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
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
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
