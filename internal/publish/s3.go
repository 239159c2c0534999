package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/ignite/inbox-intel/internal/domain"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/pkg/retry"
)

// S3Config configures the S3 publisher.
type S3Config struct {
	Bucket  string `yaml:"bucket"`
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"`
	Prefix  string `yaml:"prefix"`
	// CDNDomain, when set, yields permanent public URLs instead of
	// presigned ones.
	CDNDomain     string        `yaml:"cdn_domain"`
	PresignExpiry time.Duration `yaml:"presign_expiry"`
	CacheControl  string        `yaml:"cache_control"`
	Timeout       time.Duration `yaml:"timeout"`
}

func (c S3Config) withDefaults() S3Config {
	if c.Prefix == "" {
		c.Prefix = "renders"
	}
	if c.PresignExpiry <= 0 {
		c.PresignExpiry = 7 * 24 * time.Hour
	}
	if c.CacheControl == "" {
		c.CacheControl = "public, max-age=31536000"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type getPresigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Publisher uploads artifacts with PutObject.
type S3Publisher struct {
	client  objectPutter
	presign getPresigner
	cfg     S3Config
	policy  retry.Policy
	now     func() time.Time
}

// NewS3Publisher loads the default AWS credential chain for cfg.Region,
// optionally from a named shared profile.
func NewS3Publisher(ctx context.Context, cfg S3Config, policy retry.Policy) (*S3Publisher, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 publisher: bucket is required")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return newS3Publisher(client, s3.NewPresignClient(client), cfg, policy), nil
}

func newS3Publisher(client objectPutter, presign getPresigner, cfg S3Config, policy retry.Policy) *S3Publisher {
	if policy.Name == "" {
		policy.Name = "s3.put"
	}
	return &S3Publisher{
		client:  client,
		presign: presign,
		cfg:     cfg.withDefaults(),
		policy:  policy,
		now:     time.Now,
	}
}

// Publish uploads art and returns its URL. Failures wrap ErrPublish.
func (p *S3Publisher) Publish(ctx context.Context, art domain.RenderArtifact, messageID string) (domain.ImageReference, error) {
	data, err := art.Bytes()
	if err != nil {
		return domain.ImageReference{}, fmt.Errorf("%w: read artifact: %v", ErrPublish, err)
	}

	now := p.now()
	key := objectKey(p.cfg.Prefix, now, messageID, art.ContentType)

	err = retry.Do(ctx, p.policy, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
		_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:       aws.String(p.cfg.Bucket),
			Key:          aws.String(key),
			Body:         bytes.NewReader(data),
			ContentType:  aws.String(art.ContentType),
			CacheControl: aws.String(p.cfg.CacheControl),
		})
		return classify(err)
	})
	if err != nil {
		return domain.ImageReference{}, fmt.Errorf("%w: put s3://%s/%s: %v", ErrPublish, p.cfg.Bucket, key, err)
	}

	ref, err := p.reference(ctx, key, now)
	if err != nil {
		return domain.ImageReference{}, fmt.Errorf("%w: %v", ErrPublish, err)
	}
	logger.Debug("publish: uploaded", "message_id", messageID, "key", key, "bytes", len(data))
	return ref, nil
}

func (p *S3Publisher) reference(ctx context.Context, key string, now time.Time) (domain.ImageReference, error) {
	if p.cfg.CDNDomain != "" {
		return domain.ImageReference{URL: fmt.Sprintf("https://%s/%s", p.cfg.CDNDomain, key), Key: key}, nil
	}
	req, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.cfg.PresignExpiry))
	if err != nil {
		return domain.ImageReference{}, fmt.Errorf("presign %s: %w", key, err)
	}
	expires := now.Add(p.cfg.PresignExpiry).UTC()
	return domain.ImageReference{URL: req.URL, Key: key, ExpiresAt: &expires}, nil
}

// classify marks configuration errors as permanent so they are not retried.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "NoSuchBucket", "InvalidBucketName",
			"InvalidAccessKeyId", "SignatureDoesNotMatch":
			return retry.Permanent(err)
		}
	}
	return err
}
