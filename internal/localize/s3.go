package localize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/me/gowdl/internal/config"
	"github.com/me/gowdl/pkg/value"
)

// S3Stager downloads s3://bucket/key locations. Directory locations are
// treated as key prefixes.
type S3Stager struct {
	client     *s3.Client
	downloader *manager.Downloader
}

// NewS3Stager wraps an existing client.
func NewS3Stager(client *s3.Client) *S3Stager {
	return &S3Stager{client: client, downloader: manager.NewDownloader(client)}
}

// S3StagerFromConfig builds a client from the default AWS credential chain
// with the region and endpoint overrides of cfg.
func S3StagerFromConfig(ctx context.Context, cfg config.S3Config) (*S3Stager, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return NewS3Stager(client), nil
}

func splitS3(location string) (bucket, key string, err error) {
	_, p := value.ParseLocation(location)
	bucket, key, ok := strings.Cut(p, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", permanent(fmt.Errorf("s3 stager: malformed location %q", location))
	}
	return bucket, key, nil
}

func (s *S3Stager) StageIn(ctx context.Context, kind value.Kind, location, dest string) error {
	bucket, key, err := splitS3(location)
	if err != nil {
		return err
	}
	if kind == value.KindDirectory {
		return s.stagePrefix(ctx, bucket, strings.TrimSuffix(key, "/")+"/", dest)
	}
	return s.stageObject(ctx, bucket, key, dest)
}

func (s *S3Stager) stageObject(ctx context.Context, bucket, key, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("s3 stager: mkdir: %w", err)
	}
	tmpPath := dest + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	_, err = s.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("s3 get s3://%s/%s: %w", bucket, key, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (s *S3Stager) stagePrefix(ctx context.Context, bucket, prefix, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("s3 stager: mkdir: %w", err)
	}
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3 list s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(key, prefix)
			if rel == "" || strings.HasSuffix(rel, "/") {
				continue
			}
			if strings.Contains("/"+rel+"/", "/../") {
				return permanent(fmt.Errorf("s3 stager: unsafe key %q", key))
			}
			if err := s.stageObject(ctx, bucket, key, filepath.Join(dest, filepath.FromSlash(rel))); err != nil {
				return err
			}
		}
	}
	return nil
}
