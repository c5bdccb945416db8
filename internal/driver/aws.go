package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	fserr "github.com/bleepstore/bleepfs/internal/errors"
)

// S3API defines the subset of the AWS S3 client interface that the
// S3-compatible driver uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config carries what the S3-compatible driver needs to reach its bucket.
type S3Config struct {
	Bucket string
	Region string
	// Endpoint overrides the AWS endpoint for S3-compatible services.
	Endpoint     string
	UsePathStyle bool
	// AccessKeyID and SecretAccessKey select static credentials; empty means
	// the default AWS credential chain.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Driver implements Driver on one S3 bucket.
type S3Driver struct {
	// Bucket is the S3 bucket name.
	Bucket string
	// Region is the AWS region of the bucket.
	Region string
	client S3API
}

// NewS3Driver creates an S3Driver using the AWS SDK's default config loader,
// with optional static credentials, custom endpoint, and path-style
// addressing, and verifies the bucket is reachable.
func NewS3Driver(ctx context.Context, cfg S3Config) (*S3Driver, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	d := NewS3DriverWithClient(cfg.Bucket, cfg.Region, client)
	if err := d.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access S3 bucket %q: %w", cfg.Bucket, err)
	}

	slog.Info("S3 driver initialized", "bucket", cfg.Bucket, "region", cfg.Region, "endpoint", cfg.Endpoint)
	return d, nil
}

// NewS3DriverWithClient creates an S3Driver with a pre-configured S3 client.
// This is primarily used for testing with mock clients.
func NewS3DriverWithClient(bucket, region string, client S3API) *S3Driver {
	return &S3Driver{
		Bucket: bucket,
		Region: region,
		client: client,
	}
}

// Kind reports KindS3Compatible.
func (d *S3Driver) Kind() Kind { return KindS3Compatible }

// PutObject uploads the object in a single request. The body is buffered so
// the SDK can compute the payload checksum.
func (d *S3Driver) PutObject(ctx context.Context, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("reading object data: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return ObjectInfo{}, fmt.Errorf("object data is %d bytes, expected %d", len(data), size)
	}

	in := &s3.PutObjectInput{
		Bucket:        aws.String(d.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := d.client.PutObject(ctx, in); err != nil {
		return ObjectInfo{}, classifyS3Error(err, key, "uploading to S3")
	}

	// S3 does not echo Last-Modified on PUT; read it back.
	return d.StatObject(ctx, key)
}

// GetObject streams the object. The caller closes the returned reader.
func (d *S3Driver) GetObject(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	resp, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, ObjectInfo{}, classifyS3Error(err, key, "getting object from S3")
	}
	info := ObjectInfo{
		Key:         key,
		Size:        aws.ToInt64(resp.ContentLength),
		ContentType: aws.ToString(resp.ContentType),
		Modified:    aws.ToTime(resp.LastModified),
		ETag:        aws.ToString(resp.ETag),
	}
	info.Created = info.Modified
	return resp.Body, info, nil
}

// StatObject issues a HEAD request for the object.
func (d *S3Driver) StatObject(ctx context.Context, key string) (ObjectInfo, error) {
	resp, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, classifyS3Error(err, key, "checking object in S3")
	}
	info := ObjectInfo{
		Key:         key,
		Size:        aws.ToInt64(resp.ContentLength),
		ContentType: aws.ToString(resp.ContentType),
		Modified:    aws.ToTime(resp.LastModified),
		ETag:        aws.ToString(resp.ETag),
	}
	info.Created = info.Modified
	return info, nil
}

// ObjectExists issues a HEAD request and treats not-found as false.
func (d *S3Driver) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := d.StatObject(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fserr.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// ListObjects pages through ListObjectsV2 for prefix. List responses carry
// no content type; callers infer it from the key when needed.
func (d *S3Driver) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	p := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.Bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Error(err, prefix, "listing S3 objects")
		}
		for _, obj := range page.Contents {
			mod := aws.ToTime(obj.LastModified)
			out = append(out, ObjectInfo{
				Key:      aws.ToString(obj.Key),
				Size:     aws.ToInt64(obj.Size),
				Created:  mod,
				Modified: mod,
				ETag:     aws.ToString(obj.ETag),
			})
		}
	}
	return out, nil
}

// DeleteObject removes the object. S3 deletes are idempotent.
func (d *S3Driver) DeleteObject(ctx context.Context, key string) error {
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = classifyS3Error(err, key, "deleting object from S3")
		if errors.Is(err, fserr.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// CopyObject copies server-side within the bucket.
func (d *S3Driver) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	_, err := d.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(d.Bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(d.Bucket, srcKey)),
	})
	if err != nil {
		return classifyS3Error(err, srcKey, "copying object in S3")
	}
	return nil
}

// HealthCheck verifies the bucket is reachable.
func (d *S3Driver) HealthCheck(ctx context.Context) error {
	_, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(d.Bucket),
	})
	if err != nil {
		return classifyS3Error(err, "", "checking S3 bucket")
	}
	return nil
}

// copySource builds the x-amz-copy-source value. This is the only place a
// key is URL-escaped; each segment is escaped once and slashes are kept.
func copySource(bucket, key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segs, "/")
}

// classifyS3Error maps an AWS SDK error onto a storage error kind.
func classifyS3Error(err error, key, op string) error {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fserr.ErrNotFound.WithPath(key).WithCause(err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket", "404":
			return fserr.ErrNotFound.WithPath(key).WithCause(err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled":
			return fserr.ErrInsufficientCredential.WithPath(key).WithCause(err)
		case "SlowDown", "RequestTimeout", "ServiceUnavailable", "InternalError", "Throttling", "ThrottlingException", "RequestLimitExceeded":
			return fserr.ErrBackendTransient.WithPath(key).WithCause(err)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return fserr.ErrBackendTransient.WithPath(key).WithCause(err)
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		switch status := respErr.HTTPStatusCode(); {
		case status == http.StatusNotFound:
			return fserr.ErrNotFound.WithPath(key).WithCause(err)
		case status == http.StatusForbidden:
			return fserr.ErrInsufficientCredential.WithPath(key).WithCause(err)
		case isTransientStatus(status):
			return fserr.ErrBackendTransient.WithPath(key).WithCause(err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fserr.ErrBackendTransient.WithPath(key).WithCause(err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Ensure S3Driver implements Driver at compile time.
var _ Driver = (*S3Driver)(nil)
