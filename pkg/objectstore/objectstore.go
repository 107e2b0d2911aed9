// Package objectstore defines the narrow storage interface the core
// depends on (spec §6) and two backends: a local-filesystem one for
// development, and an S3-compatible one grounded on the teacher's
// pkg/blobserver/s3 use of github.com/aws/aws-sdk-go (spec §1 names
// "the object-storage backend" as an external collaborator the core only
// consumes through this interface).
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"
)

// ObjectInfo is the result of a head_object call.
type ObjectInfo struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}

// Store is the interface every component downstream of an upload talks
// to: pkg/filedownload for signed download URLs, the file-finalize REST
// handler for the HEAD verification, pkg/imports for the post-archive
// re-upload.
type Store interface {
	// GenerateUploadURL returns a URL the client PUTs its bytes to
	// directly, valid for expiry (spec §5: "upload 10 min").
	GenerateUploadURL(ctx context.Context, key, contentType string, size int64, expiry time.Duration) (url string, headers map[string]string, err error)

	// GenerateDownloadURL returns a signed GET URL valid for expiry (spec
	// §5: "download 5 min (download-by-token) or 10 min (authenticated)").
	GenerateDownloadURL(ctx context.Context, key string, expiry time.Duration, filename string) (string, error)

	HeadObject(ctx context.Context, key string) (ObjectInfo, error)
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
	PutObject(ctx context.Context, key string, body io.Reader, contentType string) (etag string, err error)
	CopyObject(ctx context.Context, srcKey, dstKey string) error
	DeleteObject(ctx context.Context, key string) error
}

// SHA256ETag computes the ETag a backend reports when it is free to
// choose its own scheme (spec §6: "The ETag must be SHA-256 hex (64
// chars) when the backend has the freedom to choose").
func SHA256ETag(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
