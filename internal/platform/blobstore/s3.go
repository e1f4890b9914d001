package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures an S3 or S3-compatible bucket.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // empty for AWS itself
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store keeps blobs in a bucket under the keys images/{name} and
// reports/{name}.
type S3Store struct {
	client *s3.Client
	bucket string
	now    func() time.Time
}

// NewS3Store builds an S3 client from cfg. Static credentials are used when
// given, otherwise the default AWS credential chain applies.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket name is required")
	}

	opts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awscfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...any) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					SigningRegion:     cfg.Region,
					HostnameImmutable: true,
				}, nil
			},
		)
		opts = append(opts, awscfg.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}

	cli := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	})

	return &S3Store{client: cli, bucket: cfg.Bucket, now: time.Now}, nil
}

func objectKey(kind Kind, name string) string {
	return kind.Dir() + "/" + name
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}

func (s *S3Store) Put(ctx context.Context, kind Kind, ext string, content io.Reader) (string, error) {
	name, err := NewName(kind, ext, s.now())
	if err != nil {
		return "", err
	}
	// PutObject needs a seekable body to compute the payload hash.
	data, err := io.ReadAll(content)
	if err != nil {
		return "", fmt.Errorf("s3 upload: reading content: %w", err)
	}
	key := objectKey(kind, name)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(ContentType(name)),
		ACL:           types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload %q: %w", key, err)
	}
	return name, nil
}

func (s *S3Store) Open(ctx context.Context, name string) (io.ReadCloser, *Info, error) {
	kind, err := ParseName(name)
	if err != nil {
		return nil, nil, ErrBlobNotFound
	}
	key := objectKey(kind, name)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("s3 get %q: %w", key, err)
	}
	info := &Info{
		Name:        name,
		Kind:        kind,
		ContentType: ContentType(name),
		Size:        aws.ToInt64(out.ContentLength),
		ModTime:     aws.ToTime(out.LastModified).UTC(),
	}
	return out.Body, info, nil
}

// Delete checks for the object first because DeleteObject succeeds on
// missing keys.
func (s *S3Store) Delete(ctx context.Context, name string) (bool, error) {
	kind, err := ParseName(name)
	if err != nil {
		return false, err
	}
	key := objectKey(kind, name)
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3 head %q: %w", key, err)
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, fmt.Errorf("s3 delete %q: %w", key, err)
	}
	return true, nil
}

func (s *S3Store) List(ctx context.Context, kind Kind) ([]Info, error) {
	if !kind.valid() {
		return nil, ErrInvalidKind
	}
	prefix := kind.Dir() + "/"
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var out []Info
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if k, err := ParseName(name); err != nil || k != kind {
				continue
			}
			out = append(out, Info{
				Name:        name,
				Kind:        kind,
				ContentType: ContentType(name),
				Size:        aws.ToInt64(obj.Size),
				ModTime:     aws.ToTime(obj.LastModified).UTC(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
