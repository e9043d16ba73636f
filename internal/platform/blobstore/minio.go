package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Object user-metadata keys. MinIO returns them title-cased.
const (
	metaPatientID = "Patient-Id"
	metaCategory  = "Category"
	metaHash      = "Sha256"
	metaCreatedBy = "Created-By"
)

// MinioConfig holds connection settings for an S3-compatible store.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioBlobStore is a BlobStore backed by a MinIO/S3 bucket. Objects are
// keyed "<patient>/<key>" so patient listings are a prefix scan.
type MinioBlobStore struct {
	client *minio.Client
	bucket string
}

// NewMinioBlobStore connects to the endpoint and creates the bucket if it
// does not exist.
func NewMinioBlobStore(ctx context.Context, cfg MinioConfig) (*MinioBlobStore, error) {
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
	return &MinioBlobStore{client: client, bucket: cfg.Bucket}, nil
}

// Upload stores content as an object under "<patient>/<key>".
func (s *MinioBlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	data, err := readValidated(&meta, content)
	if err != nil {
		return nil, err
	}
	meta.Key = objectName(meta.PatientID, meta.Key)
	meta.CreatedAt = time.Now().UTC()

	userMeta := map[string]string{
		metaPatientID: meta.PatientID,
		metaCategory:  meta.Category,
		metaHash:      meta.Hash,
		metaCreatedBy: meta.CreatedBy,
	}
	_, err = s.client.PutObject(ctx, s.bucket, meta.Key, bytes.NewReader(data), meta.Size,
		minio.PutObjectOptions{
			ContentType:  meta.ContentType,
			UserMetadata: userMeta,
			UserTags:     meta.Tags,
		})
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", meta.Key, err)
	}
	return &meta, nil
}

// Download streams an object. key is the full object name.
func (s *MinioBlobStore) Download(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	meta, err := s.GetMetadata(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return obj, meta, nil
}

// GetMetadata returns object metadata. key is the full object name.
func (s *MinioBlobStore) GetMetadata(ctx context.Context, key string) (*BlobMetadata, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("stat object %s: %w", key, err)
	}
	return metadataFromInfo(info), nil
}

// ListByPatient lists a patient's objects by prefix.
func (s *MinioBlobStore) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*BlobMetadata, int, error) {
	var items []*BlobMetadata
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:       patientID + "/",
		Recursive:    true,
		WithMetadata: true,
	}) {
		if info.Err != nil {
			return nil, 0, fmt.Errorf("list objects for %s: %w", patientID, info.Err)
		}
		items = append(items, metadataFromInfo(info))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return page(items, limit, offset), len(items), nil
}

func metadataFromInfo(info minio.ObjectInfo) *BlobMetadata {
	m := &BlobMetadata{
		Key:         info.Key,
		ContentType: info.ContentType,
		Size:        info.Size,
		CreatedAt:   info.LastModified,
		Tags:        info.UserTags,
	}
	for k, v := range info.UserMetadata {
		switch strings.TrimPrefix(k, "X-Amz-Meta-") {
		case metaPatientID:
			m.PatientID = v
		case metaCategory:
			m.Category = v
		case metaHash:
			m.Hash = v
		case metaCreatedBy:
			m.CreatedBy = v
		}
	}
	return m
}
