package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// User metadata keys. MinIO returns them canonicalised without the
// X-Amz-Meta- prefix.
const (
	metaFileName   = "File-Name"
	metaPatientID  = "Patient-Id"
	metaHospitalID = "Hospital-Id"
)

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOBlobStore stores documents in an S3-compatible bucket.
type MinIOBlobStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOBlobStore connects to the endpoint and creates the bucket if it
// does not exist yet.
func NewMinIOBlobStore(ctx context.Context, cfg MinIOConfig) (*MinIOBlobStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &MinIOBlobStore{client: client, bucket: cfg.Bucket}, nil
}

// Upload streams content to the bucket while hashing it. The hash is returned
// to the caller but not kept on the object. Size is taken from
// meta.Size when known, otherwise the upload is streamed with unknown length.
func (s *MinIOBlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	if meta.FileName == "" {
		return nil, ErrMissingFileName
	}
	if meta.Size > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	meta.CreatedAt = time.Now().UTC()
	meta.ID = objectKey(meta.PatientID, meta.CreatedAt)

	size := meta.Size
	if size <= 0 {
		size = -1
	}

	hasher := sha256.New()
	info, err := s.client.PutObject(ctx, s.bucket, meta.ID, io.TeeReader(content, hasher), size, minio.PutObjectOptions{
		ContentType: meta.ContentType,
		UserMetadata: map[string]string{
			metaFileName:   meta.FileName,
			metaPatientID:  meta.PatientID,
			metaHospitalID: meta.HospitalID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}

	meta.Size = info.Size
	meta.Hash = hex.EncodeToString(hasher.Sum(nil))
	return &meta, nil
}

func (s *MinIOBlobStore) Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	meta, err := s.GetMetadata(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, mapMinIOError(err)
	}
	return obj, meta, nil
}

func (s *MinIOBlobStore) GetMetadata(ctx context.Context, id string) (*BlobMetadata, error) {
	info, err := s.client.StatObject(ctx, s.bucket, id, minio.StatObjectOptions{})
	if err != nil {
		return nil, mapMinIOError(err)
	}
	return metadataFromObject(id, info), nil
}

func (s *MinIOBlobStore) Delete(ctx context.Context, id string) error {
	if _, err := s.GetMetadata(ctx, id); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, id, minio.RemoveObjectOptions{}); err != nil {
		return mapMinIOError(err)
	}
	return nil
}

func metadataFromObject(id string, info minio.ObjectInfo) *BlobMetadata {
	return &BlobMetadata{
		ID:          id,
		ContentType: info.ContentType,
		Size:        info.Size,
		CreatedAt:   info.LastModified.UTC(),
		FileName:    info.UserMetadata[metaFileName],
		PatientID:   info.UserMetadata[metaPatientID],
		HospitalID:  info.UserMetadata[metaHospitalID],
	}
}

func mapMinIOError(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
		return fmt.Errorf("%w: %s", ErrBlobNotFound, resp.Key)
	}
	return fmt.Errorf("minio: %w", err)
}
