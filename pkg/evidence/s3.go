package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/idscp2go/idscp2go/internal/logger"
)

// S3Config parameterizes the S3-backed archive.
type S3Config struct {
	// Bucket receives the records.
	Bucket string

	// Region overrides the ambient AWS configuration's region when set.
	Region string

	// Prefix is prepended to every object key, e.g. "evidence/".
	Prefix string
}

// S3 archives each record as one JSON object, keyed by connection, role,
// and completion timestamp.
type S3 struct {
	client *s3.Client
	cfg    S3Config
}

// NewS3 builds an S3 archive using the ambient AWS credential chain.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("evidence: s3 archive requires a bucket")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("evidence: load aws config: %w", err)
	}

	return &S3{client: s3.NewFromConfig(awsCfg), cfg: cfg}, nil
}

// Store uploads one record. Transient failures are retried once; the
// caller treats any error as log-and-continue.
func (a *S3) Store(ctx context.Context, rec Record) error {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("evidence: marshal record: %w", err)
	}

	key := fmt.Sprintf("%s%s/%s-%d.json", a.cfg.Prefix, rec.ConnectionID, rec.Role, rec.CompletedAt.UnixNano())

	err = a.put(ctx, key, data)
	if err != nil && isTransient(err) {
		logger.Debug("evidence: retrying s3 upload", "key", key, "error", err)
		err = a.put(ctx, key, data)
	}
	if err != nil {
		return fmt.Errorf("evidence: upload record: %w", err)
	}
	return nil
}

func (a *S3) put(ctx context.Context, key string, data []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}

// isTransient classifies errors worth one retry: network timeouts, not
// context cancellation.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
