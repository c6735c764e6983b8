// Package pretrained fetches and loads pretrained backbone weights.
package pretrained

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	log "github.com/sirupsen/logrus"
)

const (
	OSS_ENDPOINT          = "OSS_ENDPOINT"
	AWS_ACCESS_KEY_ID     = "AWS_ACCESS_KEY_ID"
	AWS_SECRET_ACCESS_KEY = "AWS_SECRET_ACCESS_KEY"
)

// Store resolves an architecture name to a local weight file (gotch .ot format).
type Store interface {
	Fetch(ctx context.Context, arch string) (string, error)
}

// LocalStore keeps weight files as <Dir>/<arch>.ot.
type LocalStore struct {
	Dir string
}

// Fetch implements Store for LocalStore.
func (s *LocalStore) Fetch(ctx context.Context, arch string) (string, error) {
	path := filepath.Join(s.Dir, arch+".ot")
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWeightLoad, err)
	}
	return path, nil
}

// S3Config holds object storage credentials.
type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	AccessKeySecret string
}

// S3ConfigFromEnv reads credentials from OSS_ENDPOINT, AWS_ACCESS_KEY_ID and
// AWS_SECRET_ACCESS_KEY.
func S3ConfigFromEnv() S3Config {
	return S3Config{
		Endpoint:        os.Getenv(OSS_ENDPOINT),
		AccessKeyID:     os.Getenv(AWS_ACCESS_KEY_ID),
		AccessKeySecret: os.Getenv(AWS_SECRET_ACCESS_KEY),
	}
}

// S3Store downloads s3://<bucket>/<prefix>/<arch>.ot into CacheDir once and
// serves the cached file afterwards.
type S3Store struct {
	Bucket   string
	Prefix   string
	CacheDir string

	client *s3.S3
}

// NewS3Store creates a store for a s3://bucket/prefix URI.
func NewS3Store(uri, cacheDir string, conf S3Config) (*S3Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "s3" || u.Host == "" {
		return nil, fmt.Errorf("invalid s3 uri %q", uri)
	}

	config := &aws.Config{
		Region:           aws.String("dummy"),
		S3ForcePathStyle: aws.Bool(true),
	}
	if conf.Endpoint != "" {
		config.Endpoint = aws.String(conf.Endpoint)
	}
	if conf.AccessKeyID != "" {
		config.Credentials = credentials.NewStaticCredentials(conf.AccessKeyID, conf.AccessKeySecret, "")
	}
	sess, err := session.NewSession()
	if err != nil {
		return nil, err
	}

	return &S3Store{
		Bucket:   u.Host,
		Prefix:   strings.Trim(u.Path, "/"),
		CacheDir: cacheDir,
		client:   s3.New(sess, config),
	}, nil
}

// Key returns the object key of an architecture.
func (s *S3Store) Key(arch string) string {
	if s.Prefix == "" {
		return arch + ".ot"
	}
	return s.Prefix + "/" + arch + ".ot"
}

// Fetch implements Store for S3Store.
func (s *S3Store) Fetch(ctx context.Context, arch string) (string, error) {
	dst := filepath.Join(s.CacheDir, arch+".ot")
	if _, err := os.Stat(dst); err == nil {
		log.Debugf("pretrained: using cached %s", dst)
		return dst, nil
	}

	if err := os.MkdirAll(s.CacheDir, os.ModePerm); err != nil {
		return "", err
	}
	tmp := dst + ".part"
	writer, err := os.Create(tmp)
	if err != nil {
		return "", err
	}

	key := s.Key(arch)
	log.Infof("pretrained: downloading s3://%s/%s", s.Bucket, key)
	downloader := s3manager.NewDownloaderWithClient(s.client)
	_, err = downloader.DownloadWithContext(ctx, writer, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	writer.Close()
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: download s3://%s/%s: %v", ErrWeightLoad, s.Bucket, key, err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// NewStore returns a S3Store for s3:// URIs (credentials from the
// environment) and a LocalStore for anything else.
func NewStore(uri, cacheDir string) (Store, error) {
	if strings.HasPrefix(uri, "s3://") {
		return NewS3Store(uri, cacheDir, S3ConfigFromEnv())
	}
	return &LocalStore{Dir: uri}, nil
}
