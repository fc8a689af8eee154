// Package s3 provides a core.ArtifactStore backed by AWS S3 or an S3
// compatible object store such as MinIO.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hupe1980/agentforge/artifact"
)

// API is the subset of the S3 client used by Store.
type API interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Options configures a Store.
type Options struct {
	// Prefix is prepended to every key: <prefix>/<scope>/<artifactID>.
	Prefix string

	// Region defaults to us-east-1.
	Region string

	// Endpoint selects an S3 compatible endpoint (e.g. http://minio:9000)
	// and enables path-style addressing. Leave empty for AWS S3.
	Endpoint string

	// Static credentials; when empty the default AWS credential chain is
	// used.
	AccessKeyID     string
	SecretAccessKey string

	// Client overrides the S3 client, e.g. in tests.
	Client API
}

// Store stores artifacts as objects in one bucket.
type Store struct {
	client API
	bucket string
	prefix string
}

// New creates a Store for bucket.
func New(ctx context.Context, bucket string, optFns ...func(o *Options)) (*Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	opts := Options{Region: "us-east-1"}

	for _, fn := range optFns {
		fn(&opts)
	}

	client := opts.Client
	if client == nil {
		c, err := newClient(ctx, opts)
		if err != nil {
			return nil, err
		}

		client = c
	}

	return &Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
	}, nil
}

func newClient(ctx context.Context, opts Options) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}

	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// scopePrefix returns the key prefix of all artifacts in scope, with a
// trailing slash.
func (s *Store) scopePrefix(scope string) string {
	if scope == "" {
		scope = "_"
	}

	return path.Join(s.prefix, scope) + "/"
}

func (s *Store) key(scope, artifactID string) string {
	return s.scopePrefix(scope) + artifactID
}

// Save uploads data as <prefix>/<scope>/<artifactID>.
func (s *Store) Save(ctx context.Context, scope, artifactID string, data []byte) error {
	if err := artifact.ValidateKey(artifactID); err != nil {
		return err
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(scope, artifactID)),
		Body:          strings.NewReader(string(data)),
		ContentType:   aws.String(contentType(artifactID)),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}

	return nil
}

// Get downloads an artifact. Missing objects yield artifact.ErrNotFound.
func (s *Store) Get(ctx context.Context, scope, artifactID string) ([]byte, error) {
	res, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(scope, artifactID)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, artifact.ErrNotFound
		}

		return nil, fmt.Errorf("get object: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}

	return data, nil
}

// List returns the sorted artifact ids stored in scope.
func (s *Store) List(ctx context.Context, scope string) ([]string, error) {
	prefix := s.scopePrefix(scope)

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	ids := []string{}

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}

		for _, obj := range page.Contents {
			ids = append(ids, strings.TrimPrefix(aws.ToString(obj.Key), prefix))
		}
	}

	slices.Sort(ids)

	return ids, nil
}

// Delete removes an artifact. S3 deletes are idempotent, so existence is
// checked first to report artifact.ErrNotFound.
func (s *Store) Delete(ctx context.Context, scope, artifactID string) error {
	key := aws.String(s.key(scope, artifactID))

	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: key}); err != nil {
		if isNotFound(err) {
			return artifact.ErrNotFound
		}

		return fmt.Errorf("head object: %w", err)
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: key}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}

	return nil
}

func isNotFound(err error) bool {
	var (
		noKey    *types.NoSuchKey
		notFound *types.NotFound
	)

	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

func contentType(artifactID string) string {
	switch path.Ext(artifactID) {
	case ".json":
		return "application/json"
	case ".txt", ".md":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
