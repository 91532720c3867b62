package transfer

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

	"github.com/me/gowe-launcher/pkg/cwl"
	"github.com/me/gowe-launcher/pkg/model"
)

// S3Config contains S3 transfer settings. Credentials come from the
// standard AWS chain (environment, shared config, instance role).
type S3Config struct {
	Region string

	// Endpoint overrides the service endpoint (MinIO, LocalStack).
	Endpoint string

	UsePathStyle bool
}

// S3Transferer stages and uploads s3://bucket/key references.
// A Directory reference is treated as a key prefix.
type S3Transferer struct {
	client     *s3.Client
	downloader *manager.Downloader
	uploader   *manager.Uploader
}

// NewS3Transferer loads the AWS configuration and builds the S3 client.
func NewS3Transferer(ctx context.Context, cfg S3Config) (*S3Transferer, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 transferer: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Transferer{
		client:     client,
		downloader: manager.NewDownloader(client),
		uploader:   manager.NewUploader(client),
	}, nil
}

// Stage downloads an object, or every object under a prefix for directories.
func (t *S3Transferer) Stage(ctx context.Context, info *model.FileStageInfo) error {
	bucket, key, err := splitS3Ref(info.RemoteRef)
	if err != nil {
		return err
	}
	if !info.IsDirectory {
		return t.download(ctx, bucket, key, info.LocalPath)
	}

	prefix := strings.TrimSuffix(key, "/") + "/"
	if key == "" {
		prefix = ""
	}
	pages := s3.NewListObjectsV2Paginator(t.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3 transferer: list %s: %w", cwl.BuildLocation(cwl.SchemeS3, bucket+"/"+prefix), err)
		}
		for _, obj := range page.Contents {
			objKey := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(objKey, prefix)
			if rel == "" || strings.HasSuffix(rel, "/") {
				continue
			}
			dst := filepath.Join(info.LocalPath, filepath.FromSlash(rel))
			if err := t.download(ctx, bucket, objKey, dst); err != nil {
				return err
			}
		}
	}
	return os.MkdirAll(info.LocalPath, 0o755)
}

// Upload puts a file, or every file of a directory under the destination prefix.
func (t *S3Transferer) Upload(ctx context.Context, source string, dest *model.FileStageInfo) error {
	bucket, key, err := splitS3Ref(dest.RemoteRef)
	if err != nil {
		return err
	}
	st, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("s3 transferer: %w", err)
	}
	if !st.IsDir() {
		return t.upload(ctx, source, bucket, key)
	}
	return walkFiles(source, func(rel, abs string) error {
		return t.upload(ctx, abs, bucket, cwl.JoinRef(key, rel))
	})
}

func (t *S3Transferer) download(ctx context.Context, bucket, key, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("s3 transferer: mkdir: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("s3 transferer: create %s: %w", dst, err)
	}
	_, err = t.downloader.Download(ctx, out, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if closeErr := out.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
		return fmt.Errorf("s3 transferer: get s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func (t *S3Transferer) upload(ctx context.Context, src, bucket, key string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("s3 transferer: %w", err)
	}
	defer f.Close()

	_, err = t.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("s3 transferer: put s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// splitS3Ref splits "s3://bucket/some/key" into ("bucket", "some/key").
func splitS3Ref(ref string) (bucket, key string, err error) {
	scheme, p := cwl.ParseLocationScheme(ref)
	if scheme != cwl.SchemeS3 {
		return "", "", fmt.Errorf("s3 transferer: unsupported scheme %q", scheme)
	}
	bucket, key, _ = strings.Cut(p, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("s3 transferer: no bucket in %q", ref)
	}
	return bucket, key, nil
}
