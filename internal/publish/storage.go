// Package publish uploads run artifacts to S3-compatible object storage.
package publish

import (
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// Storage stores highlight reels and reports under <run id>/ in one bucket.
type Storage struct {
	client *miniogo.Client
	bucket string
	logger *zap.Logger
}

// Object is the location of an uploaded file.
type Object struct {
	Bucket string
	Key    string
	Size   int64
}

func (o Object) String() string { return fmt.Sprintf("s3://%s/%s", o.Bucket, o.Key) }

func NewStorage(cfg StorageConfig, logger *zap.Logger) (*Storage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Storage{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
		s.logger.Info("bucket created", zap.String("bucket", s.bucket))
	}
	return nil
}

// Upload copies the local file at localPath to <runID>/<base name>.
func (s *Storage) Upload(ctx context.Context, runID, localPath string) (Object, error) {
	key := ObjectKey(runID, localPath)
	info, err := s.client.FPutObject(ctx, s.bucket, key, localPath, miniogo.PutObjectOptions{
		ContentType: contentType(localPath),
	})
	if err != nil {
		return Object{}, fmt.Errorf("upload %s: %w", filepath.Base(localPath), err)
	}
	s.logger.Info("artifact uploaded",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.Int64("size", info.Size),
	)
	return Object{Bucket: s.bucket, Key: key, Size: info.Size}, nil
}

// ObjectKey is the storage key for a file produced by run runID.
func ObjectKey(runID, localPath string) string {
	return path.Join(runID, filepath.Base(localPath))
}

func contentType(p string) string {
	switch ext := filepath.Ext(p); ext {
	case ".mp4":
		return "video/mp4"
	case ".json":
		return "application/json"
	default:
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
		return "application/octet-stream"
	}
}
