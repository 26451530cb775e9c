package fileapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
)

const s3ClearConcurrency = 16

type S3Config struct {
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
}

// S3Driver keeps the sync target in an S3 bucket. Directories are key
// prefixes, so Mkdir is a no-op. Object mtimes come from LastModified, which
// S3 reports with one second resolution.
type S3Driver struct {
	client *s3.Client
	bucket string
}

func NewS3Driver(ctx context.Context, cfg S3Config) (*S3Driver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: 60 * time.Second,
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3DriverWithClient(client, cfg.Bucket), nil
}

func NewS3DriverWithClient(client *s3.Client, bucket string) *S3Driver {
	return &S3Driver{client: client, bucket: bucket}
}

func s3Key(p string) string {
	return strings.Trim(p, "/")
}

func s3Prefix(p string) string {
	if k := s3Key(p); k != "" {
		return k + "/"
	}
	return ""
}

func isS3NotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

func (d *S3Driver) Stat(ctx context.Context, p string) (*Stat, error) {
	key := s3Key(p)
	head, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &d.bucket,
		Key:    &key,
	})
	if err == nil {
		return &Stat{
			Path:        p,
			UpdatedTime: aws.ToTime(head.LastModified).UnixMilli(),
			Size:        aws.ToInt64(head.ContentLength),
		}, nil
	}
	if !isS3NotFound(err) {
		return nil, err
	}

	// no object, but it may still be a prefix
	prefix := s3Prefix(p)
	out, err := d.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  &d.bucket,
		Prefix:  &prefix,
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Contents) == 0 {
		return nil, nil
	}
	return &Stat{Path: p, IsDir: true}, nil
}

func (d *S3Driver) List(ctx context.Context, p string, opts ListOptions) (*ListResult, error) {
	prefix := s3Prefix(p)
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > DefaultPageSize {
		pageSize = DefaultPageSize
	}

	input := &s3.ListObjectsV2Input{
		Bucket:    &d.bucket,
		Prefix:    &prefix,
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int32(int32(pageSize)),
	}
	if opts.Context != "" {
		input.ContinuationToken = aws.String(opts.Context)
	}

	out, err := d.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, err
	}

	res := &ListResult{Items: make([]Stat, 0, len(out.Contents)+len(out.CommonPrefixes))}
	for _, cp := range out.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
		res.Items = append(res.Items, Stat{Path: name, IsDir: true})
	}
	for _, obj := range out.Contents {
		name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
		if name == "" {
			continue
		}
		res.Items = append(res.Items, Stat{
			Path:        name,
			UpdatedTime: aws.ToTime(obj.LastModified).UnixMilli(),
			Size:        aws.ToInt64(obj.Size),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		res.HasMore = true
		res.Context = aws.ToString(out.NextContinuationToken)
	}
	return res, nil
}

func (d *S3Driver) getObject(ctx context.Context, p string) (io.ReadCloser, error) {
	key := s3Key(p)
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &d.bucket,
		Key:    &key,
	})
	if isS3NotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (d *S3Driver) Get(ctx context.Context, p string) ([]byte, error) {
	body, err := d.getObject(ctx, p)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

func (d *S3Driver) GetToFile(ctx context.Context, p, localPath string) error {
	body, err := d.getObject(ctx, p)
	if err != nil {
		return err
	}
	defer body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (d *S3Driver) Put(ctx context.Context, p string, content []byte) error {
	return d.putObject(ctx, p, bytes.NewReader(content), int64(len(content)))
}

func (d *S3Driver) PutFromFile(ctx context.Context, p, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return d.putObject(ctx, p, f, info.Size())
}

func (d *S3Driver) putObject(ctx context.Context, p string, body io.Reader, size int64) error {
	key := s3Key(p)
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &d.bucket,
		Key:           &key,
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	return err
}

func (d *S3Driver) Delete(ctx context.Context, p string) error {
	key := s3Key(p)
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &d.bucket,
		Key:    &key,
	})
	if isS3NotFound(err) {
		return nil
	}
	return err
}

func (d *S3Driver) Mkdir(ctx context.Context, p string) error {
	return nil
}

func (d *S3Driver) Move(ctx context.Context, oldPath, newPath string) error {
	src, dst := s3Key(oldPath), s3Key(newPath)
	_, err := d.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     &d.bucket,
		CopySource: aws.String(fmt.Sprintf("%s/%s", d.bucket, src)),
		Key:        &dst,
	})
	if isS3NotFound(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, oldPath)
	}
	if err != nil {
		return err
	}
	return d.Delete(ctx, oldPath)
}

// ClearRoot deletes every object under the prefix, a bounded number at a time.
func (d *S3Driver) ClearRoot(ctx context.Context, p string) error {
	prefix := s3Prefix(p)
	paginator := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket: &d.bucket,
		Prefix: &prefix,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s3ClearConcurrency)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(gctx)
		if err != nil {
			_ = g.Wait()
			return err
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			g.Go(func() error {
				_, err := d.client.DeleteObject(gctx, &s3.DeleteObjectInput{
					Bucket: &d.bucket,
					Key:    &key,
				})
				return err
			})
		}
	}
	return g.Wait()
}

var _ Driver = (*S3Driver)(nil)
