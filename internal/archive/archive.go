// Package archive keeps the final snapshot of every closed bet.
//
// Closing a bet deletes its record; the archive is the only place the
// resolved bet remains. Archiving happens after the close commits and a
// failure is logged by the caller, never rolled back.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/optn/house-engine/internal/model"
)

// Record is one archived bet together with the market it was placed on.
type Record struct {
	Bet      model.Bet `json:"bet"`
	HouseID  string    `json:"house_id"`
	ClosedAt int64     `json:"closed_at"`
}

// Archiver stores closed-bet records.
type Archiver interface {
	Archive(ctx context.Context, rec Record) error
}

// Key is the object key of a record: bets/{house}/{market}/{bet}.json.
func Key(rec Record) string {
	return fmt.Sprintf("bets/%s/%s/%s.json", rec.HouseID, rec.Bet.MarketID, rec.Bet.ID)
}

// S3Config holds the connection settings of an S3-compatible bucket.
type S3Config struct {
	// Endpoint is the S3-compatible endpoint URL. Leave empty for AWS S3.
	Endpoint string
	Region   string
	Bucket   string

	AccessKey string
	SecretKey string

	// ForcePathStyle puts the bucket in the path (MinIO, R2 and friends).
	ForcePathStyle bool
}

// S3Archiver writes each record as one JSON object.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3 creates an S3Archiver. Static credentials are used when an access
// key is given, otherwise the default AWS credential chain applies.
func NewS3(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("archive: region is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := normaliseEndpoint(cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
	}, nil
}

// Archive uploads rec as a single PutObject.
func (a *S3Archiver) Archive(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: encode bet %s: %w", rec.Bet.ID, err)
	}
	key := Key(rec)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: put object %s: %w", key, err)
	}
	return nil
}

// Health checks that the bucket is reachable.
func (a *S3Archiver) Health(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	if err != nil {
		return fmt.Errorf("archive: head bucket %s: %w", a.bucket, err)
	}
	return nil
}

// normaliseEndpoint prepends https:// when endpoint has no scheme.
func normaliseEndpoint(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Scheme != "" {
		return endpoint
	}
	return "https://" + endpoint
}

// Memory keeps records in process. Used in tests and when no bucket is
// configured.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) Archive(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[Key(rec)] = rec
	return nil
}

// Get returns the record stored under key.
func (m *Memory) Get(key string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	return rec, ok
}

// Len is the number of records stored.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

var (
	_ Archiver = (*S3Archiver)(nil)
	_ Archiver = (*Memory)(nil)
)
