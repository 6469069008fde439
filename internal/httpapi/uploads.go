package httpapi

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// UploadSigner hands out short-lived upload URLs for original photos.
type UploadSigner interface {
	PresignedPutURL(ctx context.Context) (key string, url string, err error)
}

// S3Signer presigns PUT URLs against an S3-compatible object store.
type S3Signer struct {
	cfg Config
}

// NewS3Signer wires a signer from the API configuration.
func NewS3Signer(cfg Config) *S3Signer {
	return &S3Signer{cfg: cfg}
}

func (signer *S3Signer) presignClient(ctx context.Context) (*s3.PresignClient, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(signer.cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			signer.cfg.S3AccessKey,
			signer.cfg.S3SecretKey,
			"",
		)))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(options *s3.Options) {
		if signer.cfg.S3Endpoint != "" {
			options.BaseEndpoint = aws.String(signer.cfg.S3Endpoint)
		}
	})
	return s3.NewPresignClient(client), nil
}

func uploadStorageKey(now time.Time) string {
	utc := now.UTC()
	return fmt.Sprintf("uploads/%d/%02d/%02d/%s", utc.Year(), utc.Month(), utc.Day(), uuid.NewString())
}

// PresignedPutURL returns a fresh object key and a PUT URL valid long enough
// for a browser upload.
func (signer *S3Signer) PresignedPutURL(ctx context.Context) (string, string, error) {
	presignClient, err := signer.presignClient(ctx)
	if err != nil {
		return "", "", err
	}
	bucket := signer.cfg.S3Bucket
	key := uploadStorageKey(time.Now())

	request, err := presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, s3.WithPresignExpires(uploadURLTTL))
	if err != nil {
		return "", "", err
	}
	return key, request.URL, nil
}
