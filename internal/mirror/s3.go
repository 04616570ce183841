package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	docexport "github.com/porticus-lab/go-doc-export"
)

// putObjectAPI is the part of the S3 client the mirror uses.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config selects the bucket and endpoint of an [S3] mirror.
type S3Config struct {
	Bucket string
	Prefix string
	// Region defaults to the credential chain's region, then us-east-1.
	Region string
	// Endpoint is set for S3-compatible stores such as MinIO.
	Endpoint string
	// PathStyle addresses the bucket in the path rather than the host.
	PathStyle bool
	Attempts  int
	Backoff   time.Duration
	Logger    *slog.Logger
}

// S3 mirrors files into an S3 bucket.
type S3 struct {
	client putObjectAPI
	cfg    S3Config
}

var _ docexport.Mirror = (*S3)(nil)

// NewS3 creates a mirror using the default AWS credential chain.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("mirror: bucket must be provided")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("mirror: loading AWS config: %w", err)
	}
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	} else if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return newS3(s3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

func newS3(client putObjectAPI, cfg S3Config) *S3 {
	if cfg.Attempts == 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &S3{client: client, cfg: cfg}
}

// Name returns the s3:// URL of the bucket.
func (m *S3) Name() string { return "s3://" + m.cfg.Bucket }

// Put uploads localPath as key, replacing any existing object.
func (m *S3) Put(ctx context.Context, key, localPath string) error {
	object := objectKey(m.cfg.Prefix, key)
	return upload(ctx, m.cfg.Logger, m.Name()+"/"+object, m.cfg.Attempts, m.cfg.Backoff, func(ctx context.Context) error {
		f, err := os.Open(localPath)
		if err != nil {
			return permanent(fmt.Errorf("could not open local file %s: %w", localPath, err))
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return permanent(err)
		}
		_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(m.cfg.Bucket),
			Key:           aws.String(object),
			Body:          f,
			ContentLength: aws.Int64(info.Size()),
			ContentType:   aws.String(pdfContentType),
		})
		if err != nil {
			return fmt.Errorf("s3 PutObject: %w", err)
		}
		return nil
	})
}
