// Package storage uploads finished attachments to object storage.
package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Uploader pushes staged files to an S3 bucket and removes the staging
// copy afterwards, success or not. Disk under the staging prefix is the
// scarce resource; the retry lane re-fetches content when needed.
type Uploader struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
	log      zerolog.Logger
}

// NewUploader builds an Uploader from the ambient AWS configuration.
// Set endpoint to target an S3-compatible store; leave it empty for AWS.
func NewUploader(ctx context.Context, bucket, prefix, endpoint string, log zerolog.Logger) (*Uploader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &Uploader{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
		log:      log.With().Str("component", "storage").Logger(),
	}, nil
}

// RemotePath builds the object key for a file downloaded now: the
// configured prefix plus an hour-granular date layout and the filename.
func (u *Uploader) RemotePath(filename string, at time.Time) string {
	return u.prefix + "/" + at.Format("2006/01/02/15") + "/" + filename
}

// Upload streams localPath to key and deletes the local file regardless
// of outcome.
func (u *Uploader) Upload(ctx context.Context, localPath, key string) error {
	defer func() {
		if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
			u.log.Warn().Err(err).Str("path", localPath).Msg("staging file cleanup failed")
		}
	}()

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("storage: open staging file: %w", err)
	}
	defer f.Close()

	_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("storage: upload %s: %w", key, err)
	}
	return nil
}
