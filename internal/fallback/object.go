package fallback

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/autopeer-io/fleetsync/internal/fleet"
	"github.com/autopeer-io/fleetsync/pkg/options"
)

// ObjectSource reads a snapshot document from an S3 compatible bucket.
type ObjectSource struct {
	client *minio.Client
	bucket string
	key    string
}

func NewObjectSource(opts *options.S3Options) (*ObjectSource, error) {
	minioOpts := &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	}
	if opts.InsecureSkipVerify {
		minioOpts.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	client, err := minio.New(opts.Endpoint, minioOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &ObjectSource{client: client, bucket: opts.BucketName, key: opts.ObjectKey}, nil
}

func (s *ObjectSource) Name() string { return "s3://" + s.bucket + "/" + s.key }

func (s *ObjectSource) Load(ctx context.Context) (fleet.Snapshot, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key, minio.GetObjectOptions{})
	if err != nil {
		return fleet.Snapshot{}, fmt.Errorf("failed to get object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return fleet.Snapshot{}, fmt.Errorf("failed to read object: %w", err)
	}
	return Decode(data)
}
