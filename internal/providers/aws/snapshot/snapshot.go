// Package snapshot uploads a gzip-compressed JSON document of the findings
// observed during a run to S3.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/pankaj-dahiya-devops/hubsync/internal/models"
)

// PutObjectAPI is the subset of S3 used by the uploader.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Document is the snapshot body.
type Document struct {
	GeneratedAt time.Time           `json:"generated_at"`
	Run         *models.RunMetadata `json:"run"`
	Findings    []models.Finding    `json:"findings"`
}

// Uploader writes one object per run under Prefix in Bucket.
type Uploader struct {
	client PutObjectAPI
	bucket string
	prefix string
	logger zerolog.Logger
	now    func() time.Time
}

// NewUploader returns an Uploader backed by an S3 client built from cfg.
func NewUploader(cfg aws.Config, bucket, prefix string, logger zerolog.Logger) *Uploader {
	return NewUploaderWithClient(s3.NewFromConfig(cfg), bucket, prefix, logger)
}

// NewUploaderWithClient returns an Uploader using client. Pass a fake in tests.
func NewUploaderWithClient(client PutObjectAPI, bucket, prefix string, logger zerolog.Logger) *Uploader {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Uploader{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With().Str("component", "snapshot").Logger(),
		now:    time.Now,
	}
}

// Key returns the object key for a run that started at t.
func (u *Uploader) Key(t time.Time) string {
	return u.prefix + "findings_" + t.UTC().Format("20060102_150405") + ".json.gz"
}

// Write implements engine.SnapshotWriter.
func (u *Uploader) Write(ctx context.Context, run *models.RunMetadata, observed []models.Finding) error {
	if observed == nil {
		observed = []models.Finding{}
	}
	body, err := encode(Document{GeneratedAt: u.now().UTC(), Run: run, Findings: observed})
	if err != nil {
		return fmt.Errorf("encode snapshot for run %s: %w", run.ID, err)
	}

	key := u.Key(run.StartedAt)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentLength:   aws.Int64(int64(len(body))),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
		Metadata: map[string]string{
			"run-id":     run.ID,
			"run-status": string(run.Status),
		},
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", u.bucket, key, err)
	}

	u.logger.Info().Str("run_id", run.ID).Str("bucket", u.bucket).Str("key", key).
		Int("findings", len(observed)).Int("bytes", len(body)).Msg("run snapshot uploaded")
	return nil
}

func encode(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if err := json.NewEncoder(zw).Encode(doc); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
