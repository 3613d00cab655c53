// Package attachments stores comment attachments in S3-compatible object
// storage and hands out presigned download links.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"civicplan/api/internal/store"
	"civicplan/api/internal/util"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	DefaultMaxSize   = 10 << 20
	DefaultLinkTTL   = 15 * time.Minute
	maxFileNameRunes = 120
)

var (
	ErrTooLarge    = errors.New("attachment too large")
	ErrInvalidName = errors.New("attachment name required")
	ErrInvalidKey  = errors.New("invalid attachment key")
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// objectClient is the part of *minio.Client the store uses.
type objectClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

type Store struct {
	client  objectClient
	bucket  string
	maxSize int64
	linkTTL time.Duration
}

// New connects to the object store described by cfg.
func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return newStore(client, cfg.Bucket), nil
}

func newStore(client objectClient, bucket string) *Store {
	return &Store{client: client, bucket: bucket, maxSize: DefaultMaxSize, linkTTL: DefaultLinkTTL}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
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
	return nil
}

type Upload struct {
	ResourceType store.ResourceType
	ResourceID   string
	Name         string
	ContentType  string
	Size         int64
	Body         io.Reader
}

// Put stores an upload under resourceType/resourceID/id/name and returns the
// attachment record to embed in a comment. The record's URL is the object key.
func (s *Store) Put(ctx context.Context, up Upload) (store.Attachment, error) {
	name := sanitizeName(up.Name)
	if name == "" {
		return store.Attachment{}, ErrInvalidName
	}
	if up.Size <= 0 || up.Size > s.maxSize {
		return store.Attachment{}, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, up.Size, s.maxSize)
	}
	contentType := up.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	id := util.NewID("att")
	key := path.Join(string(up.ResourceType), up.ResourceID, id, name)
	info, err := s.client.PutObject(ctx, s.bucket, key, io.LimitReader(up.Body, up.Size), up.Size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return store.Attachment{}, fmt.Errorf("upload %s: %w", key, err)
	}
	return store.Attachment{
		ID:          id,
		Name:        name,
		URL:         key,
		ContentType: contentType,
		Size:        info.Size,
	}, nil
}

// PresignedURL returns a time-limited download link for key.
func (s *Store) PresignedURL(ctx context.Context, key string) (string, error) {
	if !validKey(key) {
		return "", ErrInvalidKey
	}
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	link, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.linkTTL, params)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return link.String(), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if !validKey(key) {
		return ErrInvalidKey
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	name = strings.Trim(unsafeNameChars.ReplaceAllString(name, "-"), "-.")
	return util.Truncate(name, maxFileNameRunes)
}

// validKey accepts keys produced by Put: four clean segments.
func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key {
		return false
	}
	parts := strings.Split(key, "/")
	if len(parts) != 4 {
		return false
	}
	for _, part := range parts {
		if part == "" || part == ".." {
			return false
		}
	}
	return store.ResourceType(parts[0]).Valid()
}
