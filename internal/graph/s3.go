package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kyleking/sqlcontext/internal/errors"
)

// S3Config locates the snapshot object
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	Key             string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// objectClient is the subset of the S3 API the snapshot store needs
type objectClient interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// errObjectNotFound is returned by objectClient.Get for a missing key
var errObjectNotFound = fmt.Errorf("object not found")

// S3SnapshotStore keeps the snapshot as a single object. A PutObject
// replaces the whole object, so readers see either the old or the new graph.
type S3SnapshotStore struct {
	client objectClient
	bucket string
	key    string
}

// NewS3SnapshotStore connects to an S3 compatible endpoint
func NewS3SnapshotStore(cfg S3Config) (*S3SnapshotStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.NewConfigError("s3 bucket is required", "graph.bucket")
	}

	endpoint, secure, err := parseEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTypeConfig, "invalid s3 endpoint")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	return newS3SnapshotStore(&minioClient{client: client}, cfg.Bucket, cfg.Key)
}

func newS3SnapshotStore(client objectClient, bucket, key string) (*S3SnapshotStore, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if key == "" {
		key = "graph/relations.json"
	}

	cleaned := path.Clean(key)
	if cleaned == "." || strings.HasPrefix(cleaned, "../") {
		return nil, fmt.Errorf("invalid snapshot key: %q", key)
	}

	return &S3SnapshotStore{client: client, bucket: strings.TrimSpace(bucket), key: cleaned}, nil
}

// Load downloads and decodes the snapshot object
func (s *S3SnapshotStore) Load(ctx context.Context) (*Snapshot, error) {
	body, err := s.client.Get(ctx, s.bucket, s.key)
	if errors.Is(err, errObjectNotFound) {
		return &Snapshot{Version: SnapshotVersion}, nil
	}

	if err != nil {
		return nil, errors.NewUpstreamError(err, "s3 graph snapshot")
	}
	defer body.Close()

	var snap Snapshot
	if err := json.NewDecoder(body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode graph snapshot s3://%s/%s: %w", s.bucket, s.key, err)
	}

	return &snap, nil
}

// Save uploads the snapshot, replacing the previous object
func (s *S3SnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal graph snapshot: %w", err)
	}

	if err := s.client.Put(ctx, s.bucket, s.key, bytes.NewReader(data), int64(len(data))); err != nil {
		return errors.NewUpstreamError(err, "s3 graph snapshot")
	}

	return nil
}

func parseEndpoint(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("endpoint is required")
	}

	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		parsed, err := url.Parse(raw)
		if err != nil {
			return "", false, fmt.Errorf("parse endpoint URL: %w", err)
		}

		if parsed.Host == "" {
			return "", false, fmt.Errorf("endpoint host is required")
		}

		return parsed.Host, parsed.Scheme == "https", nil
	}

	return raw, useSSL, nil
}

type minioClient struct {
	client *minio.Client
}

func (m *minioClient) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	_, err := m.client.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{
		ContentType: "application/json",
	})

	return mapMinioErr(err)
}

func (m *minioClient) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapMinioErr(err)
	}

	// GetObject is lazy; Stat surfaces a missing key
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, mapMinioErr(err)
	}

	return obj, nil
}

func mapMinioErr(err error) error {
	if err == nil {
		return nil
	}

	var response minio.ErrorResponse
	if errors.As(err, &response) {
		switch response.Code {
		case "NoSuchKey", "NotFound":
			return errObjectNotFound
		}
	}

	return err
}
