package objectbackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3 stores objects in a bucket via the AWS SDK, configured from a
// "s3://<bucket>?region=...&profile=...&endpoint=...&scheme=..." URL, the
// same query parameters an S3-compatible Nix binary cache substituter
// accepts.
type S3 struct {
	bucket   string
	client   *s3.S3
	uploader *s3manager.Uploader
}

// NewS3 constructs an S3 backend from u.
func NewS3(u *url.URL) (*S3, error) {
	q := u.Query()
	scheme := q.Get("scheme")
	var disableSSL bool
	switch scheme {
	case "http":
		disableSSL = true
	case "https", "":
		disableSSL = false
	default:
		return nil, fmt.Errorf("objectbackend: unsupported s3 scheme param %q", scheme)
	}

	creds := credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvProvider{},
		&credentials.SharedCredentialsProvider{},
	})

	cfg := aws.Config{
		Region:           aws.String(q.Get("region")),
		Credentials:      creds,
		DisableSSL:       aws.Bool(disableSSL),
		S3ForcePathStyle: aws.Bool(true),
	}
	if endpoint := q.Get("endpoint"); endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		Profile: q.Get("profile"),
		Config:  cfg,
	})
	if err != nil {
		return nil, err
	}

	client := s3.New(sess)
	return &S3{
		bucket:   u.Host,
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
	}, nil
}

func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isS3NotFound(err) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

func (s *S3) Put(ctx context.Context, key string, r io.Reader) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	return err
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isS3NotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *S3) Close() error { return nil }

func isS3NotFound(err error) bool {
	if err == nil {
		return false
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound" || strings.Contains(aerr.Code(), "NoSuchKey")
	}
	return false
}
