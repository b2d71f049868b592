package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Snapshot keeps the directory snapshot as a single object in an
// S3-compatible bucket.
type S3Snapshot struct {
	client *minio.Client
	bucket string
	key    string
}

func NewS3Snapshot(endpoint, accessKey, secretKey, bucket, key string, useSSL bool) (*S3Snapshot, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return &S3Snapshot{
		client: client,
		bucket: bucket,
		key:    key,
	}, nil
}

func (s *S3Snapshot) Load(ctx context.Context) (*State, error) {
	object, err := s.client.GetObject(ctx, s.bucket, s.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot from S3: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &state, nil
}

func (s *S3Snapshot) Save(ctx context.Context, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot to S3: %w", err)
	}
	return nil
}
