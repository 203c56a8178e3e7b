package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"shortsDownloader/worker/pipeline"
)

const DefaultURLTTL = 24 * time.Hour

// S3 error codes after which retrying the same request is pointless.
var permanentCodes = map[string]bool{
	"AccessDenied":          true,
	"NoSuchBucket":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"EntityTooLarge":        true,
	"InvalidBucketName":     true,
}

type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

type presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type Options struct {
	Bucket       string
	Region       string
	Endpoint     string
	UsePathStyle bool
	URLTTL       time.Duration
	Prefixes     []string
}

// Object is a published artifact as seen by listing.
type Object struct {
	Key       string
	CreatedAt time.Time
	Size      int64
}

// S3 publishes artifacts to a bucket and hands out presigned download URLs.
type S3 struct {
	client   s3API
	presign  presigner
	bucket   string
	ttl      time.Duration
	prefixes []string
	logger   *zap.Logger
}

func NewS3(ctx context.Context, opts Options, logger *zap.Logger) (*S3, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	return newS3(client, s3.NewPresignClient(client), opts, logger), nil
}

func newS3(client s3API, p presigner, opts Options, logger *zap.Logger) *S3 {
	ttl := opts.URLTTL
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	prefixes := opts.Prefixes
	if len(prefixes) == 0 {
		prefixes = []string{"shorts/", "posters/"}
	}
	return &S3{
		client:   client,
		presign:  p,
		bucket:   opts.Bucket,
		ttl:      ttl,
		prefixes: prefixes,
		logger:   logger,
	}
}

// Lookup reports whether key exists and, if so, returns a fresh signed URL.
func (s *S3) Lookup(ctx context.Context, key string) (string, bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) || apiCode(err) == "NotFound" || apiCode(err) == "NoSuchKey" {
			return "", false, nil
		}
		return "", false, classify("head object", err)
	}

	u, err := s.sign(ctx, key)
	if err != nil {
		return "", false, err
	}
	return u, true, nil
}

func (s *S3) Publish(ctx context.Context, key string, file pipeline.PublishFile) (string, error) {
	f, err := os.Open(file.Path)
	if err != nil {
		return "", pipeline.Transient("publish", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return "", pipeline.Transient("publish", err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(stat.Size()),
	}
	if file.ContentType != "" {
		input.ContentType = aws.String(file.ContentType)
	}
	if file.DownloadName != "" {
		input.ContentDisposition = aws.String(ContentDisposition(file.DownloadName))
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", classify("put object", err)
	}

	s.logger.Info("Artifact published",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.Int64("size", stat.Size()),
	)
	return s.sign(ctx, key)
}

func (s *S3) sign(ctx context.Context, key string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", pipeline.Transient("presign", err)
	}
	return req.URL, nil
}

// ListArtifacts returns every object under the published prefixes.
func (s *S3) ListArtifacts(ctx context.Context) ([]Object, error) {
	var out []Object
	for _, prefix := range s.prefixes {
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return out, fmt.Errorf("list %s: %w", prefix, err)
			}
			for _, obj := range page.Contents {
				o := Object{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}
				if obj.LastModified != nil {
					o.CreatedAt = *obj.LastModified
				}
				out = append(out, o)
			}
		}
	}
	return out, nil
}

func (s *S3) DeleteArtifact(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err
}

func apiCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func classify(op string, err error) error {
	if permanentCodes[apiCode(err)] {
		return pipeline.Permanent(op, err)
	}
	return pipeline.Transient(op, err)
}

// ContentDisposition builds an attachment header from a video title. The
// plain filename is restricted to safe ASCII; the full name is kept in
// filename*.
func ContentDisposition(name string) string {
	safe := sanitizeFilename(name)
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, safe, url.PathEscape(name))
}

func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == ' ' || r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	safe := strings.TrimSpace(b.String())
	if len(safe) > 100 {
		safe = safe[:100]
	}
	if safe == "" || strings.Trim(safe, "._ ") == "" {
		return "video.mp4"
	}
	return safe
}
