package defstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mentatlab/dagflow/pkg/types"
)

// S3Config configures the cold-store archive bucket.
type S3Config struct {
	// Endpoint is an optional MinIO-style endpoint; leave empty for AWS S3.
	Endpoint string
	Bucket   string
	Region   string

	AccessKeyID     string
	SecretAccessKey string

	UseSSL     bool
	PathPrefix string
}

// S3Archiver decorates a Store with write-through archival of definitions
// and terminal records to S3-compatible cold storage. Reads are served from
// the wrapped hot-path Store; the archive exists for durability and offline
// analysis, not as the read path.
type S3Archiver struct {
	Store
	client     *s3.Client
	bucket     string
	pathPrefix string
}

// NewS3Archiver wraps hot with an S3 archive described by cfg.
func NewS3Archiver(ctx context.Context, hot Store, cfg *S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	return &S3Archiver{Store: hot, client: client, bucket: cfg.Bucket, pathPrefix: cfg.PathPrefix}, nil
}

func (a *S3Archiver) fullKey(parts ...string) string {
	key := strings.Join(parts, "/")
	if a.pathPrefix == "" {
		return key
	}
	return a.pathPrefix + "/" + key
}

func (a *S3Archiver) putJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode archive object: %w", err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(b),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(b))),
	})
	if err != nil {
		return fmt.Errorf("archive put object: %w", err)
	}
	return nil
}

// SaveDAG writes through to the hot store, then archives the immutable
// definition to cold storage keyed by workflow id.
func (a *S3Archiver) SaveDAG(ctx context.Context, def types.DAGDefinition) error {
	if err := a.Store.SaveDAG(ctx, def); err != nil {
		return err
	}
	return a.putJSON(ctx, a.fullKey("definitions", def.WorkflowID+".json"), def)
}

// RecordTerminal writes through to the hot store, then archives the
// terminal record to cold storage keyed by execution id.
func (a *S3Archiver) RecordTerminal(ctx context.Context, record types.TerminalRecord) error {
	if err := a.Store.RecordTerminal(ctx, record); err != nil {
		return err
	}
	return a.putJSON(ctx, a.fullKey("terminal", record.ExecutionID+".json"), record)
}

var _ Store = (*S3Archiver)(nil)
