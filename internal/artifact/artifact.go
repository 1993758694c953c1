// Package artifact stores processed images.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store is the artifact collaborator used by the pipeline and by job deletion.
type Store interface {
	Put(ctx context.Context, data []byte, name, owner string) (string, error)
	Delete(ctx context.Context, name, owner string) error
}

// Name is the artifact name of a job's final image.
func Name(jobID string) string {
	return jobID + ".png"
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
	// PublicURL overrides the base of returned object URLs, e.g. a CDN.
	PublicURL string
}

type MinioStore struct {
	client *minio.Client
	bucket string
	base   *url.URL
}

func NewMinio(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	base := cfg.PublicURL
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + cfg.Endpoint
	}
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse public url: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, base: u}, nil
}

func (m *MinioStore) Put(ctx context.Context, data []byte, name, owner string) (string, error) {
	key, err := objectKey(name, owner)
	if err != nil {
		return "", err
	}
	_, err = m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType(name),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	u := *m.base
	u.Path = path.Join(u.Path, m.bucket, key)
	return u.String(), nil
}

func (m *MinioStore) Delete(ctx context.Context, name, owner string) error {
	key, err := objectKey(name, owner)
	if err != nil {
		return err
	}
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func objectKey(name, owner string) (string, error) {
	if owner == "" || name == "" {
		return "", errors.New("artifact name and owner are required")
	}
	if strings.Contains(name, "..") || strings.Contains(owner, "/") {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return owner + "/" + name, nil
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
