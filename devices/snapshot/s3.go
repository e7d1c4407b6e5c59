package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/perimeter-tech/devicegate/core/logger"
)

// S3Configuration contains the configuration for the S3 snapshot store
type S3Configuration struct {
	AWSBucketName string
	AWSRegion     string
	AccessID      string
	AccessKey     string
	// KeyName is the object key of the snapshot. Defaults to
	// "devicegate/snapshot.json".
	KeyName string
}

// S3 stores the snapshot as a single object in an S3 bucket.
type S3 struct {
	config aws.Config
	bucket string
	key    string
}

// NewS3 returns a new S3 store
func NewS3(s3Config S3Configuration) (*S3, error) {
	if s3Config.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}
	key := s3Config.KeyName
	if key == "" {
		key = "devicegate/snapshot.json"
	}

	cfg, err := config.LoadDefaultConfig(
		context.TODO(),
		config.WithRegion(s3Config.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(s3Config.AccessID, s3Config.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("snapshot S3 driver enabled")
	return &S3{config: cfg, bucket: s3Config.AWSBucketName, key: key}, nil
}

// Load downloads the snapshot object.
func (s *S3) Load(ctx context.Context) ([]byte, error) {
	client := s3.NewFromConfig(s.config)
	downloader := manager.NewDownloader(client)

	buf := manager.NewWriteAtBuffer([]byte{})
	_, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save uploads the snapshot object.
func (s *S3) Save(ctx context.Context, data []byte) error {
	client := s3.NewFromConfig(s.config)
	uploader := manager.NewUploader(client)

	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Body:   bytes.NewReader(data),
	})
	return err
}
