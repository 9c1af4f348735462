package services

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/Dalcio/pixelforge/config"
)

const outputPrefix = "processed/"

type S3Service struct {
	bucket    string
	acl       string
	publicURL string
	client    s3iface.S3API
	uploader  *s3manager.Uploader
}

func NewS3Service(cfg *config.Config) (*S3Service, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.S3Region),
	}
	if cfg.AWSS3AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(
			cfg.AWSS3AccessKey,
			cfg.AWSS3SecretKey,
			"",
		)
	}

	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
	}

	if cfg.S3UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	client := s3.New(sess)
	return &S3Service{
		bucket:    cfg.S3Bucket,
		acl:       cfg.S3ACL,
		publicURL: publicBaseURL(cfg),
		client:    client,
		uploader:  s3manager.NewUploaderWithClient(client),
	}, nil
}

// ObjectKey is the storage path of a job's output. It depends only on the
// job id, so a retried upload overwrites the previous object.
func ObjectKey(jobID string) string {
	return outputPrefix + jobID + OutputExtension
}

func (s *S3Service) Upload(ctx context.Context, jobID string, data []byte) (string, error) {
	key := ObjectKey(jobID)
	input := &s3manager.UploadInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(OutputContentType),
		CacheControl: aws.String("public, max-age=31536000"),
	}
	if s.acl != "" {
		input.ACL = aws.String(s.acl)
	}

	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	return s.URL(key), nil
}

func (s *S3Service) Delete(ctx context.Context, jobID string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ObjectKey(jobID)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}
	return nil
}

// URL returns the public address of an object key.
func (s *S3Service) URL(key string) string {
	return s.publicURL + "/" + key
}

func publicBaseURL(cfg *config.Config) string {
	if cfg.S3PublicURL != "" {
		return strings.TrimRight(cfg.S3PublicURL, "/")
	}
	if cfg.S3Endpoint != "" {
		endpoint := strings.TrimRight(cfg.S3Endpoint, "/")
		if cfg.S3UsePathStyle {
			return endpoint + "/" + cfg.S3Bucket
		}
		if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
			u.Host = cfg.S3Bucket + "." + u.Host
			return u.String()
		}
		return endpoint + "/" + cfg.S3Bucket
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.S3Bucket, cfg.S3Region)
}
