// Package blob stores contribution assets in a MinIO bucket and hands back
// stable public URLs for them.
package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

type Store struct {
	client         *minio.Client
	bucket         string
	publicEndpoint string
	useSSL         bool
}

func New(endpoint, publicEndpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	if publicEndpoint == "" {
		publicEndpoint = endpoint
	}
	publicEndpoint = strings.TrimSuffix(strings.TrimSpace(publicEndpoint), "/")

	s := &Store{
		client:         client,
		bucket:         bucket,
		publicEndpoint: publicEndpoint,
		useSSL:         useSSL,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}

	log.Info().Str("endpoint", endpoint).Str("bucket", bucket).Msg("blob store ready")
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	// Assets are served directly from the bucket, so it must be public read.
	policy := fmt.Sprintf(`{"Version": "2012-10-17","Statement": [{"Action": ["s3:GetObject"],"Effect": "Allow","Principal": {"AWS": ["*"]},"Resource": ["arn:aws:s3:::%s/*"],"Sid": ""}]}`, s.bucket)
	if err := s.client.SetBucketPolicy(ctx, s.bucket, policy); err != nil {
		return fmt.Errorf("set bucket policy %s: %w", s.bucket, err)
	}
	return nil
}

// Put uploads an object and returns its public URL.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return s.URL(key), nil
}

// Delete removes the object behind a public URL. Unknown URLs are not an
// error; the asset is simply gone already.
func (s *Store) Delete(ctx context.Context, assetURL string) error {
	key := s.keyFromURL(assetURL)
	if key == "" {
		return nil
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

func (s *Store) URL(key string) string {
	if strings.Contains(s.publicEndpoint, "://") {
		return fmt.Sprintf("%s/%s/%s", s.publicEndpoint, s.bucket, key)
	}
	scheme := "http"
	if s.useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.publicEndpoint, s.bucket, key)
}

func (s *Store) keyFromURL(assetURL string) string {
	u, err := url.Parse(assetURL)
	if err != nil {
		return ""
	}
	path := strings.TrimPrefix(u.Path, "/")
	prefix := s.bucket + "/"
	if strings.HasPrefix(path, prefix) {
		return strings.TrimPrefix(path, prefix)
	}
	return ""
}

func (s *Store) Health(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("blob health: %w", err)
	}
	if !exists {
		return fmt.Errorf("blob health: bucket %s missing", s.bucket)
	}
	return nil
}

// ContributionKey builds the object key for one asset of a contribution row.
// Assets live under category/slug/rowID so a project's files stay together.
func ContributionKey(category, slug, rowID, asset string) string {
	return fmt.Sprintf("%s/%s/%s/%s", category, slug, rowID, asset)
}

// DossierKey names an uploaded PDF. Names are random so two dossiers with
// the same title never collide.
func DossierKey(projectSlug string) string {
	return fmt.Sprintf("dossiers/%s/%s.pdf", projectSlug, uuid.New().String())
}
