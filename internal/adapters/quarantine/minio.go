package quarantine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/mikey/phishguard/internal/core"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinioConfig holds the S3-compatible backend settings
type MinioConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// MinioStore keeps the filesystem layout as object keys in a bucket
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewMinioStore connects and makes sure the bucket exists
func NewMinioStore(ctx context.Context, cfg MinioConfig, logger *zap.Logger) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("Created quarantine bucket", zap.String("bucket", cfg.Bucket))
	}

	return &MinioStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

func (s *MinioStore) key(id int64, parts ...string) string {
	return path.Join(append([]string{s.prefix, caseKey(id)}, parts...)...)
}

// Store uploads the original and attachments, then the manifest
func (s *MinioStore) Store(ctx context.Context, snap *core.QuarantineSnapshot) (string, error) {
	m := newManifest(snap)

	if err := s.put(ctx, s.key(snap.CaseID, originalName), snap.Raw, "message/rfc822"); err != nil {
		return "", err
	}
	for i, a := range snap.Attachments {
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := s.put(ctx, s.key(snap.CaseID, attachDir, m.Attachments[i].StoredName), a.Data, contentType); err != nil {
			return "", err
		}
	}

	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("%w: failed to encode manifest: %v", core.ErrStorage, err)
	}
	if err := s.put(ctx, s.key(snap.CaseID, manifestName), data, "application/json"); err != nil {
		return "", err
	}

	s.logger.Debug("Message quarantined",
		zap.Int64("case_id", snap.CaseID),
		zap.String("bucket", s.bucket),
		zap.String("digest", m.Digest))

	return m.Digest, nil
}

// Load downloads and verifies the snapshot of a case
func (s *MinioStore) Load(ctx context.Context, id int64) (*core.QuarantineSnapshot, error) {
	data, err := s.get(ctx, s.key(id, manifestName))
	if err != nil {
		return nil, err
	}
	m, err := decodeManifest(data)
	if err != nil {
		return nil, err
	}

	raw, err := s.get(ctx, s.key(id, originalName))
	if err != nil {
		return nil, err
	}

	attachments := make(map[string][]byte, len(m.Attachments))
	for _, a := range m.Attachments {
		payload, err := s.get(ctx, s.key(id, attachDir, a.StoredName))
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		attachments[a.StoredName] = payload
	}

	return m.snapshot(raw, attachments)
}

func (s *MinioStore) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType, SendContentMd5: true})
	if err != nil {
		return fmt.Errorf("%w: failed to put %s: %v", core.ErrStorage, key, err)
	}
	return nil
}

func (s *MinioStore) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyGetError(key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyGetError(key, err)
	}
	return data, nil
}

func classifyGetError(key string, err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && (resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey") {
		return fmt.Errorf("object %s: %w", key, core.ErrNotFound)
	}
	return fmt.Errorf("%w: failed to get %s: %v", core.ErrStorage, key, err)
}
