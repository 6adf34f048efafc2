package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/pkg/schema"
)

type putCall struct {
	bucket string
	key    string
	body   []byte
	opts   minio.PutObjectOptions
}

type fakePutter struct {
	calls []putCall
	err   error
}

func (f *fakePutter) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	if _, ok := ctx.Deadline(); !ok {
		return minio.UploadInfo{}, errors.New("upload without deadline")
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if int64(len(body)) != size {
		return minio.UploadInfo{}, errors.New("size mismatch")
	}
	f.calls = append(f.calls, putCall{bucket: bucket, key: key, body: body, opts: opts})
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func terminalExecution() *schema.Execution {
	done := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	return &schema.Execution{
		ID:              "exec-1",
		PlaybookID:      "renewal",
		PlaybookVersion: 3,
		CustomerID:      "cust-9",
		Status:          schema.ExecutionStatusCompleted,
		Results: map[string]*schema.StepResult{
			"notify": {Status: schema.StepStatusCompleted, CompletedAt: done},
		},
		CompletedSteps: []string{"notify"},
		CompletedAt:    &done,
	}
}

func TestArchive_WritesSnapshot(t *testing.T) {
	putter := &fakePutter{}
	a := NewMinioArchiver(putter, "snapshots", logging.Discard())

	exec := terminalExecution()
	require.NoError(t, a.Archive(context.Background(), exec))

	require.Len(t, putter.calls, 1)
	call := putter.calls[0]
	assert.Equal(t, "snapshots", call.bucket)
	assert.Equal(t, "executions/renewal/exec-1.json", call.key)
	assert.Equal(t, "application/json", call.opts.ContentType)
	assert.Equal(t, "3", call.opts.UserMetadata["playbook-version"])
	assert.Equal(t, "completed", call.opts.UserMetadata["status"])

	var got schema.Execution
	require.NoError(t, json.Unmarshal(call.body, &got))
	assert.Equal(t, exec.ID, got.ID)
	assert.Equal(t, exec.CompletedSteps, got.CompletedSteps)
	assert.Equal(t, schema.StepStatusCompleted, got.Results["notify"].Status)
}

func TestArchive_RejectsRunningExecution(t *testing.T) {
	putter := &fakePutter{}
	a := NewMinioArchiver(putter, "snapshots", logging.Discard())

	exec := terminalExecution()
	exec.Status = schema.ExecutionStatusRunning
	err := a.Archive(context.Background(), exec)

	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
	assert.Empty(t, putter.calls)
}

func TestArchive_RequiresID(t *testing.T) {
	a := NewMinioArchiver(&fakePutter{}, "snapshots", logging.Discard())

	assert.True(t, schema.HasCode(a.Archive(context.Background(), nil), schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(a.Archive(context.Background(), &schema.Execution{}), schema.ErrCodeValidation))
}

func TestArchive_PutFailure(t *testing.T) {
	a := NewMinioArchiver(&fakePutter{err: errors.New("connection refused")}, "snapshots", logging.Discard())

	err := a.Archive(context.Background(), terminalExecution())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snapshots/executions/renewal/exec-1.json")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestConfigValidate(t *testing.T) {
	valid := Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "snapshots"}
	require.NoError(t, valid.Validate())
	assert.True(t, valid.Enabled())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no endpoint", func(c *Config) { c.Endpoint = "" }},
		{"scheme in endpoint", func(c *Config) { c.Endpoint = "http://localhost:9000" }},
		{"no access key", func(c *Config) { c.AccessKey = "" }},
		{"no secret key", func(c *Config) { c.SecretKey = " " }},
		{"no bucket", func(c *Config) { c.Bucket = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.False(t, Config{}.Enabled())
}

func TestOpen_InvalidConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{Endpoint: "localhost:9000"}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
