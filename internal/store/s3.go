package store

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmorgan81/pixelminer/internal/log"
	"github.com/samber/do"
)

type ObjectAPI interface {
	PutObject(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(context.Context, *s3.DeleteObjectInput, ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type Presigner interface {
	PresignGetObject(context.Context, *s3.GetObjectInput, ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Stager stages images as S3 objects. The public URL is either PublicURL/key
// (typically a CloudFront distribution in front of the bucket) or a presigned GET.
type S3Stager struct {
	Client      ObjectAPI
	Presigner   Presigner
	Invalidator Invalidator
	Bucket      string
	Prefix      string
	PublicURL   string
	Expires     time.Duration
}

func NewS3Stager(i *do.Injector) (Stager, error) {
	client := do.MustInvoke[*s3.Client](i)
	stager := &S3Stager{
		Client:    client,
		Presigner: s3.NewPresignClient(client),
		Bucket:    do.MustInvokeNamed[string](i, "staging_bucket"),
		Prefix:    do.MustInvokeNamed[string](i, "staging_prefix"),
		PublicURL: do.MustInvokeNamed[string](i, "staging_public_url"),
		Expires:   do.MustInvokeNamed[time.Duration](i, "staging_expires"),
	}
	if invalidator, err := do.Invoke[Invalidator](i); err == nil {
		stager.Invalidator = invalidator
	}
	return stager, nil
}

func (s *S3Stager) Stage(ctx context.Context, params UploadParams) (Staged, error) {
	key := s.Prefix + params.Name
	log := log.FromContextOrDiscard(ctx).WithGroup("s3").With("bucket", s.Bucket, "key", key)
	log.Info("staging image")

	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(params.ContentType),
		Body:        bytes.NewReader(params.Data),
		Metadata:    params.Metadata,
	})
	if err != nil {
		return Staged{}, &StagingError{Provider: "s3", Op: "upload", Err: err}
	}

	if s.PublicURL != "" {
		return Staged{URL: strings.TrimSuffix(s.PublicURL, "/") + "/" + key, ID: key}, nil
	}

	req, err := s.Presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.Expires))
	if err != nil {
		return Staged{}, &StagingError{Provider: "s3", Op: "presign", Err: err}
	}
	return Staged{URL: req.URL, ID: key}, nil
}

func (s *S3Stager) Unstage(ctx context.Context, key string) (bool, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("s3").With("bucket", s.Bucket, "key", key)
	log.Info("deleting staged image")

	_, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, &StagingError{Provider: "s3", Op: "delete", Err: err}
	}

	// Only URLs served through the distribution can be cached there.
	if s.Invalidator != nil && s.PublicURL != "" {
		if err := s.Invalidator.Invalidate(ctx, []string{"/" + key}); err != nil {
			return true, err
		}
	}
	return true, nil
}
