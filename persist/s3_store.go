package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"southwinds.dev/secevents/internal/misc"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements the Store interface using MinIO as the backend.
// Object structure:
//
//	bucketName/
//	└── [keyPrefix/]
//	    ├── profiles.yaml
//	    └── checkpoints.yaml
//
// Sharing a bucket lets several operators (or CI runners) resume the same
// cursors. Writes are whole-object PUTs, guarded by If-Match on the ETag when
// an expected version is supplied.
type S3Store struct {
	// client is the MinIO client used to interact with the MinIO server.
	client *minio.Client

	// bucketName is the name of the bucket holding the documents.
	bucketName string

	// keyPrefix is an optional prefix for the keys in the bucket, allowing for namespace separation
	// if multiple installations use the same bucket.
	keyPrefix string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string `json:"endpoint"`          // host:port of the S3 service
	AccessKeyID     string `json:"access_key_id"`     // Access Key ID
	SecretAccessKey string `json:"secret_access_key"` // Secret Access Key
	Bucket          string `json:"bucket"`            // bucket to use
	KeyPrefix       string `json:"prefix"`            // prefix for keys stored in the bucket
	UseSSL          bool   `json:"use_ssl"`           // Whether to use SSL for the connection
	Region          string `json:"region"`            // region of the bucket
}

// NewS3Store initializes a new S3Store using the provided configuration. It
// connects to the server and makes sure the bucket exists.
func NewS3Store(config S3Config) (*S3Store, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket is required for s3 store")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig initializes a new S3Store from the given StoreConfig.
func NewS3StoreFromConfig(config StoreConfig) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for MinIO: %s", config.Type)
	}

	// Parse the config map into S3Config
	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config)
}

func (s3s *S3Store) Load(name string) (*VersionedData, error) {
	if err := validateDocumentName(name); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, s3s.objectName(name), minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load %s: %w", name, err)
	}
	defer object.Close()

	// GetObject is lazy; a missing key only surfaces on first read
	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	objectInfo, err := object.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get %s info: %w", name, err)
	}

	// Parse timestamp from metadata, fallback to LastModified
	var timestamp time.Time
	if updatedAt, exists := objectInfo.UserMetadata["Updated-At"]; exists {
		if parsedTime, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			timestamp = parsedTime
		}
	}
	if timestamp.IsZero() {
		timestamp = objectInfo.LastModified
	}

	return &VersionedData{
		Data:      data,
		Version:   s3s.cleanETag(objectInfo.ETag),
		Timestamp: timestamp,
	}, nil
}

func (s3s *S3Store) Save(name string, data []byte, expectedVersion string) (string, error) {
	if err := validateDocumentName(name); err != nil {
		return "", err
	}
	if data == nil {
		return "", fmt.Errorf("document %s cannot be nil", name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	putOptions := minio.PutObjectOptions{
		ContentType: "application/yaml",
		UserMetadata: map[string]string{
			"Updated-At": time.Now().UTC().Format(time.RFC3339),
		},
	}

	if expectedVersion != "" {
		currentVersion, err := s3s.getObjectVersion(ctx, s3s.objectName(name))
		if err != nil {
			return "", fmt.Errorf("failed to verify current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				Document:        name,
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
			}
		}
		// If-Match closes the window between the check above and the PUT
		putOptions.SetMatchETag(expectedVersion)
	}

	uploadInfo, err := s3s.client.PutObject(ctx, s3s.bucketName, s3s.objectName(name),
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if s3s.isPreconditionFailedError(err) {
			return "", ConcurrencyError{
				Document:        name,
				ExpectedVersion: expectedVersion,
				ActualVersion:   "unknown",
			}
		}
		return "", fmt.Errorf("failed to save %s: %w", name, err)
	}

	return s3s.cleanETag(uploadInfo.ETag), nil
}

func (s3s *S3Store) Delete(name string) error {
	if err := validateDocumentName(name); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	err := s3s.client.RemoveObject(ctx, s3s.bucketName, s3s.objectName(name), minio.RemoveObjectOptions{})
	if err != nil && !s3s.isNotFoundError(err) {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

func (s3s *S3Store) Exists(name string) (bool, error) {
	if err := validateDocumentName(name); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, s3s.objectName(name), minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check %s existence: %w", name, err)
	}

	return true, nil
}

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

// objectName joins the key prefix and the document name
func (s3s *S3Store) objectName(name string) string {
	var parts []string

	if s3s.keyPrefix != "" {
		cleanPrefix := strings.Trim(s3s.keyPrefix, "/")
		if cleanPrefix != "" {
			parts = append(parts, cleanPrefix)
		}
	}
	parts = append(parts, name)

	return strings.Join(parts, "/")
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	objInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return "", nil // Object doesn't exist, version is empty
		}
		return "", err
	}
	return s3s.cleanETag(objInfo.ETag), nil
}

func (s3s *S3Store) cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func (s3s *S3Store) isPreconditionFailedError(err error) bool {
	return minio.ToErrorResponse(err).Code == "PreconditionFailed"
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return misc.IsNotFoundError(err)
}
