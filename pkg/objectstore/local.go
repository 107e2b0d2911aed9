package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Local is the development storage backend: plain files under a root
// directory, with upload/download "signed" URLs implemented as HMAC-
// signed query parameters against a local serving path rather than a
// real object-storage presigned URL. Used when Config.StorageBackend is
// "local" (the default), so a fresh checkout runs without cloud
// credentials.
type Local struct {
	Root      string
	BaseURL   string // e.g. "http://localhost:8080/local-storage"
	SecretKey []byte
}

func NewLocal(root, baseURL string, secretKey []byte) *Local {
	return &Local{Root: root, BaseURL: strings.TrimRight(baseURL, "/"), SecretKey: secretKey}
}

func (l *Local) path(key string) string {
	return filepath.Join(l.Root, filepath.FromSlash(key))
}

func (l *Local) sign(key string, expiresAt int64) string {
	mac := hmac.New(sha256.New, l.SecretKey)
	fmt.Fprintf(mac, "%s:%d", key, expiresAt)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature carried by one of these signed URLs
// and rejects it once expiresAt has passed. cmd/collabd registers no
// route for the local serving path, so nothing in this repository calls
// it.
func (l *Local) VerifySignature(key string, expiresAt int64, sig string) bool {
	if time.Now().Unix() > expiresAt {
		return false
	}
	want := l.sign(key, expiresAt)
	return hmac.Equal([]byte(want), []byte(sig))
}

func (l *Local) signedURL(key string, expiry time.Duration, extra url.Values) string {
	expiresAt := time.Now().Add(expiry).Unix()
	v := extra
	if v == nil {
		v = url.Values{}
	}
	v.Set("key", key)
	v.Set("expires", strconv.FormatInt(expiresAt, 10))
	v.Set("sig", l.sign(key, expiresAt))
	return l.BaseURL + "?" + v.Encode()
}

func (l *Local) GenerateUploadURL(ctx context.Context, key, contentType string, size int64, expiry time.Duration) (string, map[string]string, error) {
	v := url.Values{}
	v.Set("method", "PUT")
	return l.signedURL(key, expiry, v), map[string]string{"Content-Type": contentType}, nil
}

func (l *Local) GenerateDownloadURL(ctx context.Context, key string, expiry time.Duration, filename string) (string, error) {
	v := url.Values{}
	if filename != "" {
		v.Set("filename", filename)
	}
	return l.signedURL(key, expiry, v), nil
}

func (l *Local) HeadObject(ctx context.Context, key string) (ObjectInfo, error) {
	fi, err := os.Stat(l.path(key))
	if err != nil {
		return ObjectInfo{}, err
	}
	data, err := os.ReadFile(l.path(key))
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{SizeBytes: fi.Size(), ETag: SHA256ETag(data)}, nil
}

func (l *Local) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	return os.Open(l.path(key))
}

func (l *Local) PutObject(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	full := l.path(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(full)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, h), body); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Local) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	src, err := os.Open(l.path(srcKey))
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = l.PutObject(ctx, dstKey, src, "")
	return err
}

func (l *Local) DeleteObject(ctx context.Context, key string) error {
	err := os.Remove(l.path(key))
	if os.IsNotExist(err) {
		return nil // delete_object must be idempotent (spec §6)
	}
	return err
}
