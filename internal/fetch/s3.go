package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/shhossain/zip-browser/internal/errs"
	"github.com/shhossain/zip-browser/internal/logging"
	"github.com/shhossain/zip-browser/internal/metrics"
	"github.com/shhossain/zip-browser/internal/source"
	"github.com/shhossain/zip-browser/pkg/retry"
)

// s3API is the slice of the S3 client the fetcher uses.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// s3Client lazily builds the S3 client from the configured settings.
func (f *Fetcher) s3Client(ctx context.Context) (s3API, error) {
	f.s3once.Do(func() {
		cfg := f.opts.S3
		var loadOpts []func(*awsconfig.LoadOptions) error
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
		if cfg.AccessKey != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
			))
		}

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			f.s3err = fmt.Errorf("load aws config: %w", err)
			return
		}

		f.s3cli = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true // MinIO and friends
			}
		})
	})
	return f.s3cli, f.s3err
}

// fetchS3 performs one conditional GetObject attempt for an s3://bucket/key
// location.
func (f *Fetcher) fetchS3(ctx context.Context, src *source.Source, u *url.URL) (string, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", errs.ForSource(src.ID, src.Location, errs.ErrInvalidSource)
	}

	cli, err := f.s3Client(ctx)
	if err != nil {
		return "", err
	}

	dest := f.CachedPath(src.ID)
	cond := f.loadConditional(src.ID)

	in := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if cond.ETag != "" && fileExists(dest) {
		in.IfNoneMatch = aws.String(cond.ETag)
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	out, err := cli.GetObject(ctx, in)
	if err != nil {
		var re *awshttp.ResponseError
		if errors.As(err, &re) {
			switch {
			case re.HTTPStatusCode() == http.StatusNotModified:
				logging.Debug("cached s3 archive still fresh", zap.String("source", src.ID))
				return dest, nil
			case re.HTTPStatusCode() >= 500:
				return "", retry.Transient(err)
			default:
				return "", err
			}
		}
		// No HTTP response at all: connection-level failure.
		return "", retry.Transient(err)
	}
	defer out.Body.Close()

	written, err := f.writeAtomic(dest, out.Body)
	if err != nil {
		return "", retry.Transient(err)
	}
	if out.ETag != nil {
		f.saveConditional(src.ID, conditional{ETag: aws.ToString(out.ETag)})
	}
	metrics.RecordDownload(written, true)
	logging.Info("downloaded s3 archive",
		zap.String("source", src.ID),
		zap.String("bucket", bucket),
		zap.String("key", key),
		zap.Int64("bytes", written))
	return dest, nil
}
