package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var _ Assetstore = &S3Store{}

type S3Options struct {
	Addr      string `json:"addr,omitempty" description:"s3 endpoint url"`
	Region    string `json:"region,omitempty" description:"s3 region"`
	Bucket    string `json:"bucket,omitempty" description:"bucket blobs are stored in"`
	Prefix    string `json:"prefix,omitempty" description:"object key prefix"`
	AccessKey string `json:"accessKey,omitempty" description:"s3 access key"`
	SecretKey string `json:"secretKey,omitempty" description:"s3 secret key"`
}

func NewDefaultS3Options() *S3Options {
	return &S3Options{
		Region: "us-east-1",
		Bucket: "reprun",
		Prefix: "assetstore",
	}
}

type S3Store struct {
	options *S3Options
	cli     *s3.Client
}

func NewS3Store(ctx context.Context, opts *S3Options) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		),
		config.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{URL: opts.Addr}, nil
				},
			),
		),
	)
	if err != nil {
		return nil, err
	}
	cli := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.Region = opts.Region
		o.UsePathStyle = true
	})
	return &S3Store{options: opts, cli: cli}, nil
}

// Put spools the stream to a temp file so the size and digest are known
// before the upload starts.
func (s *S3Store) Put(ctx context.Context, r io.Reader) (string, int64, string, error) {
	tmp, err := os.CreateTemp("", "reprun-s3-*")
	if err != nil {
		return "", 0, "", err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		return "", 0, "", err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", 0, "", err
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	key := path.Join(s.options.Prefix, sum[:2], sum[2:4], sum)
	_, err = s.cli.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.options.Bucket),
		Key:           aws.String(key),
		Body:          tmp,
		ContentLength: size,
	})
	if err != nil {
		return "", 0, "", err
	}
	return key, size, sum, nil
}

func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := s.cli.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.options.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return result.Body, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.cli.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.options.Bucket),
		Key:    aws.String(key),
	})
	return err
}
