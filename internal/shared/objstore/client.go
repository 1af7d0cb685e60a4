// Package objstore 封装 MinIO / S3 对象存储客户端
//
// 用途：
//   - 解析 artifact 来源时下载代码包
//   - SageMaker 后端把物化后的源码打包上传到 staging bucket
package objstore

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"launch-agent/internal/shared/model"
)

// Store 对象存储抽象（测试使用 MemoryStore）
type Store interface {
	Bucket() string
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	// WithBucket 返回指向另一个 bucket 的同连接实例
	WithBucket(bucket string) Store
}

// Options 连接参数
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

// Client MinIO 客户端封装
type Client struct {
	mc     *minio.Client
	bucket string
}

// NewClient 创建 MinIO 客户端
func NewClient(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, model.Configf("minio.endpoint", "minio endpoint is required")
	}
	if opts.AccessKey == "" || opts.SecretKey == "" {
		return nil, model.Configf("minio.access_key", "minio access_key and secret_key are required")
	}

	mc, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	bucket := opts.Bucket
	if bucket == "" {
		bucket = "launch-artifacts"
	}
	return &Client{mc: mc, bucket: bucket}, nil
}

// Bucket 当前 bucket
func (c *Client) Bucket() string { return c.bucket }

// WithBucket 实现 Store
func (c *Client) WithBucket(bucket string) Store {
	return &Client{mc: c.mc, bucket: bucket}
}

// EnsureBucket 确保 bucket 存在
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return &model.TransientError{Op: "objstore.bucket_exists", Err: err}
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", c.bucket, err)
		}
		log.Printf("[objstore.bucket.created] bucket=%s", c.bucket)
	}
	return nil
}

// Upload 上传对象
func (c *Client) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := c.mc.PutObject(ctx, c.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", c.bucket, key, err)
	}
	return nil
}

// Download 下载对象，调用方负责关闭返回的 ReadCloser
func (c *Client) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	// GetObject 不会立即返回错误，Stat 确认对象存在
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, &model.NotFoundError{Kind: "artifact", Name: key, Err: err}
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return obj, nil
}

// Exists 检查对象是否存在
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

// URI 对象的 s3:// 地址
func URI(s Store, key string) string {
	return fmt.Sprintf("s3://%s/%s", s.Bucket(), key)
}

var _ Store = (*Client)(nil)
