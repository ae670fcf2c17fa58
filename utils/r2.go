// utils/r2.go
package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// R2Archive stores forensic evidence payloads (auto-ban evidence JSON) in an
// R2 bucket so investigations survive DB retention policies.
type R2Archive struct {
	client *s3.Client
	bucket string
}

// InitR2 builds the archive from environment config. Returns (nil, nil) when
// the bucket is not configured: archival is optional.
func InitR2() (*R2Archive, error) {
	bucket := os.Getenv("R2_BUCKET_NAME")
	if bucket == "" {
		log.Println("⚠️  R2_BUCKET_NAME not set — evidence archival disabled")
		return nil, nil
	}
	accountID := os.Getenv("CLOUDFLARE_ACCOUNT_ID")
	accessKeyID := os.Getenv("R2_ACCESS_KEY_ID")
	accessKeySecret := os.Getenv("R2_ACCESS_KEY_SECRET")

	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID, accessKeySecret, "",
		)),
		config.WithEndpointResolver(aws.EndpointResolverFunc(
			func(service, region string) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL: fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID),
				}, nil
			}),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	return &R2Archive{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// ArchiveEvidence marshals the payload and uploads it under key.
func (a *R2Archive) ArchiveEvidence(ctx context.Context, key string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode evidence: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload evidence to R2: %w", err)
	}
	return nil
}
