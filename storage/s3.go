package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"ppcwatch/config"
	"ppcwatch/models"
)

// Archiver writes raw snapshot payloads to S3-compatible object storage so
// the database can be rebuilt or re-parsed later.
type Archiver struct {
	client *s3.Client
	bucket string
}

func NewArchiver(ctx context.Context, cfg config.ArchiveConfig) (*Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return &Archiver{client: client, bucket: cfg.Bucket}, nil
}

// ArchiveSnapshot uploads the raw payload under a key derived from the
// snapshot identity. Re-archiving the same snapshot overwrites the same key,
// so the operation stays idempotent.
func (a *Archiver) ArchiveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	key := SnapshotKey(snap)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(snap.Raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// SnapshotKey is stable for a given snapshot identity.
func SnapshotKey(snap *models.Snapshot) string {
	return fmt.Sprintf("snapshots/%s/%s/%s/%s.json",
		snap.TargetID, snap.Source, snap.Device,
		snap.CapturedAt.UTC().Format("2006-01-02T15-04-05Z"))
}
