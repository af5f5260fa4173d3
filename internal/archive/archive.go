// Package archive writes purge run reports to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Prefix    string
}

// ObjectPutter is the subset of the minio client the archive needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader *bytes.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type minioPutter struct {
	client *minio.Client
}

func (p minioPutter) PutObject(ctx context.Context, bucketName, objectName string, reader *bytes.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return p.client.PutObject(ctx, bucketName, objectName, reader, objectSize, opts)
}

type Store struct {
	putter ObjectPutter
	bucket string
	prefix string
}

func New(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("archive: endpoint, bucket, access key and secret key are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: create client: %w", err)
	}
	return NewWithPutter(minioPutter{client: client}, cfg.Bucket, cfg.Prefix), nil
}

func NewWithPutter(putter ObjectPutter, bucket, prefix string) *Store {
	if prefix == "" {
		prefix = "purge-reports"
	}
	return &Store{putter: putter, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key builds the object key for name under the store prefix. Names that try
// to leave the prefix are rejected.
func (s *Store) Key(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("archive: empty object name")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, "\\") {
		return "", fmt.Errorf("archive: invalid object name %q", name)
	}
	return path.Join(s.prefix, strings.TrimLeft(name, "/")), nil
}

// PutJSON stores v as a JSON object and returns its key.
func (s *Store) PutJSON(ctx context.Context, name string, v any) (string, error) {
	key, err := s.Key(name)
	if err != nil {
		return "", err
	}
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("archive: encode %s: %w", key, err)
	}
	_, err = s.putter.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}
	return key, nil
}
