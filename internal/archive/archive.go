// Package archive uploads documents shared during a call to S3-compatible
// object storage so they outlive the session.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/petervdpas/consult/internal/util"
)

var log = logging.Logger("archive")

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Minio archives to one bucket of a MinIO/S3 endpoint.
type Minio struct {
	client *minio.Client
	bucket string
}

// NewMinio connects and makes sure the bucket exists.
func NewMinio(ctx context.Context, opts Options) (*Minio, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	ok, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket %s: %w", opts.Bucket, err)
	}
	if !ok {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
		log.Infof("created bucket %s", opts.Bucket)
	}
	return &Minio{client: client, bucket: opts.Bucket}, nil
}

// Archive stores data under ObjectKey and returns the key.
func (m *Minio) Archive(ctx context.Context, appointmentID, name, contentType string, data []byte) (string, error) {
	key := ObjectKey(appointmentID, name, time.Now())
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{"appointment": appointmentID, "filename": name},
	})
	if err != nil {
		return "", fmt.Errorf("put %s/%s: %w", m.bucket, key, err)
	}
	log.Infof("[%s] archived %s (%d bytes)", appointmentID, key, len(data))
	return key, nil
}

// ObjectKey is appointments/<id>/<unix>-<name>, with id and name reduced to
// safe characters. The extension survives.
func ObjectKey(appointmentID, name string, at time.Time) string {
	ext := filepath.Ext(name)
	base := util.SanitizeName(strings.TrimSuffix(filepath.Base(name), ext))
	if base == "" {
		base = "file"
	}
	ext = util.SanitizeName(strings.TrimPrefix(ext, "."))
	if ext != "" {
		base += "." + strings.ToLower(ext)
	}
	id := util.SanitizeName(appointmentID)
	if id == "" {
		id = "unknown"
	}
	return "appointments/" + id + "/" + strconv.FormatInt(at.Unix(), 10) + "-" + base
}
