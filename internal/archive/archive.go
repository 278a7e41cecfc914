// Package archive snapshots raw provider payloads to S3 so ingestion bugs
// can be replayed against the original upstream data. Archival is best
// effort: failures are logged and never surface into the poll cycle.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/relayhq/inbox-ingest/internal/config"
	"github.com/relayhq/inbox-ingest/internal/domain"
	"github.com/relayhq/inbox-ingest/internal/pkg/logger"
)

const putTimeout = 10 * time.Second

// s3Putter is the slice of the S3 client the archiver uses.
type s3Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes gzip-compressed JSON snapshots of raw payloads.
type S3Archiver struct {
	client s3Putter
	bucket string
	prefix string
}

// New creates an S3Archiver, or nil when archival is not configured.
func New(ctx context.Context, cfg config.ArchiveConfig) (*S3Archiver, error) {
	if !cfg.Enabled || cfg.S3Bucket == "" {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	logger.Info("payload archive enabled", "bucket", cfg.S3Bucket, "prefix", cfg.S3Prefix)
	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.S3Bucket,
		prefix: cfg.S3Prefix,
	}, nil
}

// Archive stores one raw payload under <prefix><provider>/<itemID>.json.gz.
func (a *S3Archiver) Archive(ctx context.Context, p domain.Provider, itemID string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warn("archive marshal failed", "item_id", itemID, "error", err.Error())
		return
	}
	compressed, err := gzipCompress(data)
	if err != nil {
		logger.Warn("archive compress failed", "item_id", itemID, "error", err.Error())
		return
	}

	key := fmt.Sprintf("%s%s/%s.json.gz", a.prefix, p, itemID)

	putCtx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()
	_, err = a.client.PutObject(putCtx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(compressed),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		logger.Warn("archive upload failed", "key", key, "error", err.Error())
	}
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
