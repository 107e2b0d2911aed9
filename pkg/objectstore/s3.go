package objectstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

func staticCredentials(accessKey, secretKey string) *credentials.Credentials {
	return credentials.NewStaticCredentials(accessKey, secretKey, "")
}

// S3 is the production storage backend: an S3-compatible bucket reached
// through the real aws-sdk-go v1 client, the way the teacher's
// pkg/blobserver/s3 does (s3.New over a session, s3manager for
// multipart-safe upload). Presigned URLs come from the SDK's
// own Request.Presign, not a hand-rolled signer.
type S3 struct {
	bucket   string
	svc      *s3.S3
	uploader *s3manager.Uploader
}

// NewS3 builds a backend against bucket using static credentials and an
// optional custom endpoint (for S3-compatible providers such as R2),
// mirroring the config shape of pkg/blobserver/s3's NewFromConfig.
func NewS3(bucket, region, endpoint, accessKey, secretKey string) (*S3, error) {
	cfg := aws.NewConfig().WithRegion(region)
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint).WithS3ForcePathStyle(true)
	}
	if accessKey != "" {
		cfg = cfg.WithCredentials(staticCredentials(accessKey, secretKey))
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("objectstore: creating s3 session: %w", err)
	}
	svc := s3.New(sess)
	return &S3{
		bucket:   bucket,
		svc:      svc,
		uploader: s3manager.NewUploaderWithClient(svc),
	}, nil
}

func (s *S3) GenerateUploadURL(ctx context.Context, key, contentType string, size int64, expiry time.Duration) (string, map[string]string, error) {
	req, _ := s.svc.PutObjectRequest(&s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	req.SetContext(ctx)
	url, headers, err := req.PresignRequest(expiry)
	if err != nil {
		return "", nil, fmt.Errorf("objectstore: presigning upload: %w", err)
	}
	hdrs := make(map[string]string, len(headers))
	for k, v := range headers {
		if len(v) > 0 {
			hdrs[k] = v[0]
		}
	}
	return url, hdrs, nil
}

func (s *S3) GenerateDownloadURL(ctx context.Context, key string, expiry time.Duration, filename string) (string, error) {
	in := &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}
	if filename != "" {
		in.ResponseContentDisposition = aws.String(`attachment; filename="` + filename + `"`)
	}
	req, _ := s.svc.GetObjectRequest(in)
	req.SetContext(ctx)
	url, err := req.Presign(expiry)
	if err != nil {
		return "", fmt.Errorf("objectstore: presigning download: %w", err)
	}
	return url, nil
}

func (s *S3) HeadObject(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := s.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("objectstore: head_object: %w", err)
	}
	info := ObjectInfo{}
	if out.ContentLength != nil {
		info.SizeBytes = *out.ContentLength
	}
	if out.ETag != nil {
		info.ETag = trimQuotes(*out.ETag)
	}
	if out.ContentType != nil {
		info.ContentType = *out.ContentType
	}
	return info, nil
}

func (s *S3) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: get_object: %w", err)
	}
	return out.Body, nil
}

func (s *S3) PutObject(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	in := &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	out, err := s.uploader.UploadWithContext(ctx, in)
	if err != nil {
		return "", fmt.Errorf("objectstore: put_object: %w", err)
	}
	return trimQuotes(out.ETag), nil
}

func (s *S3) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	_, err := s.svc.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(s.bucket + "/" + srcKey),
		Key:        aws.String(dstKey),
	})
	if err != nil {
		return fmt.Errorf("objectstore: copy_object: %w", err)
	}
	return nil
}

func (s *S3) DeleteObject(ctx context.Context, key string) error {
	_, err := s.svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("objectstore: delete_object: %w", err)
	}
	return nil
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
