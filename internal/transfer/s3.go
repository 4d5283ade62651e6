package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	KindS3 = "s3"

	// DeleteObjects accepts at most this many keys per call.
	s3DeleteBatch = 1000
)

// S3API is the subset of the S3 client the backend calls.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Config locates the bucket.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint overrides the AWS endpoint for S3-compatible services.
	Endpoint  string
	PathStyle bool
}

// S3 stores artifacts in an object store bucket.
type S3 struct {
	client S3API
	bucket string
	prefix string
}

var _ Backend = (*S3)(nil)

// NewS3 loads AWS credentials the SDK's default way and builds a client.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return NewS3WithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3WithClient wraps an existing client.
func NewS3WithClient(client S3API, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (b *S3) Kind() string { return KindS3 }

func (b *S3) sessionPrefix(session string) string {
	return path.Join(b.prefix, session) + "/"
}

func (b *S3) key(session, name string) string {
	return b.sessionPrefix(session) + name
}

func (b *S3) Put(ctx context.Context, session, name string, r io.Reader) (Handle, error) {
	if err := validate(session, name); err != nil {
		return "", err
	}
	// The SDK needs a seekable body to sign the payload.
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.key(session, name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s/%s: %w", session, name, err)
	}
	return NewHandle(KindS3, session, name), nil
}

func (b *S3) Get(ctx context.Context, h Handle, w io.Writer) error {
	session, name, err := parseFor(KindS3, h)
	if err != nil {
		return err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(session, name)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		var nf *types.NotFound
		if errors.As(err, &nsk) || errors.As(err, &nf) {
			return fmt.Errorf("%w: %s", ErrNotFound, h)
		}
		return fmt.Errorf("failed to download %s: %w", h, err)
	}
	defer out.Body.Close()
	_, err = io.Copy(w, out.Body)
	return err
}

// keys lists every object key under a session.
func (b *S3) keys(ctx context.Context, session string) ([]string, error) {
	prefix := b.sessionPrefix(session)
	pages := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (b *S3) List(ctx context.Context, session string) ([]Handle, error) {
	if err := ValidateName(session); err != nil {
		return nil, err
	}
	keys, err := b.keys(ctx, session)
	if err != nil {
		return nil, err
	}
	prefix := b.sessionPrefix(session)
	handles := make([]Handle, 0, len(keys))
	for _, k := range keys {
		handles = append(handles, NewHandle(KindS3, session, strings.TrimPrefix(k, prefix)))
	}
	return handles, nil
}

func (b *S3) Cleanup(ctx context.Context, session string) error {
	if err := ValidateName(session); err != nil {
		return err
	}
	keys, err := b.keys(ctx, session)
	if err != nil {
		return err
	}

	for start := 0; start < len(keys); start += s3DeleteBatch {
		end := min(start+s3DeleteBatch, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects for %s: %w", session, err)
		}
	}
	return nil
}
