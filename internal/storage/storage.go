// Package storage keeps question image bytes outside the relational store.
// Rows only hold the object key.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrInvalidKey = errors.New("invalid object key")
)

type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// Blob is implemented by the filesystem and MinIO stores.
type Blob interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

type Config struct {
	Driver   string
	BasePath string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

// New picks the store named by cfg.Driver; "fs" is the default.
func New(ctx context.Context, cfg Config) (Blob, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "fs", "local":
		return NewFS(cfg.BasePath)
	case "minio", "s3":
		return NewMinio(ctx, cfg)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", cfg.Driver)
	}
}

var contentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// ExtensionFor returns the file extension used for an accepted image type.
func ExtensionFor(contentType string) (string, bool) {
	for ext, ct := range contentTypes {
		if ct == contentType {
			return ext, true
		}
	}
	return "", false
}

func contentTypeOf(key string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(key))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// cleanKey rejects keys that could escape the store root.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(key)
	if cleaned != key || cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}
