package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"waveplay/config"
	"waveplay/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	minioClient *minio.Client
)

// ErrInvalidObjectURL 无法解析的对象地址
var ErrInvalidObjectURL = errors.New("invalid object url")

// InitMinio 初始化 MinIO 客户端
func InitMinio(cfg *config.Config) error {
	if cfg.MinioEndpoint == "" {
		return fmt.Errorf("MINIO_ENDPOINT 未配置")
	}

	logger.Info("[MinIO] 正在连接 MinIO 服务器",
		logger.String("endpoint", cfg.MinioEndpoint),
		logger.String("region", cfg.MinioRegion),
		logger.String("bucket", cfg.MinioBucket))

	// 初始化 MinIO 客户端
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 检查存储桶是否存在
	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return fmt.Errorf("检查存储桶失败: %w", err)
	}

	if !exists {
		// 如果存储桶不存在，尝试创建它
		err = client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{
			Region: cfg.MinioRegion,
		})
		if err != nil {
			return fmt.Errorf("创建存储桶失败: %w", err)
		}
		logger.Info("[MinIO] 成功创建存储桶", logger.String("bucket", cfg.MinioBucket))
	}

	// 保存客户端实例
	minioClient = client
	logger.Info("[MinIO] 客户端初始化成功")
	return nil
}

// GetMinioClient 获取 MinIO 客户端实例
func GetMinioClient() *minio.Client {
	return minioClient
}

// ParseObjectURL 解析 minio://bucket/key 或 s3://bucket/key
// bucket 为空时（minio:///key）使用 defaultBucket
func ParseObjectURL(raw, defaultBucket string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidObjectURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "minio", "s3":
	default:
		return "", "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidObjectURL, u.Scheme)
	}
	bucket = u.Host
	if bucket == "" {
		bucket = defaultBucket
	}
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidObjectURL, raw)
	}
	return bucket, key, nil
}

// PeakObjectFetcher 从对象存储读取波形文件，实现 peaks.Fetcher
type PeakObjectFetcher struct {
	client        *minio.Client
	defaultBucket string
}

// NewPeakObjectFetcher 创建对象存储 Fetcher，client 为 nil 时使用全局客户端
func NewPeakObjectFetcher(client *minio.Client, defaultBucket string) *PeakObjectFetcher {
	if client == nil {
		client = minioClient
	}
	return &PeakObjectFetcher{client: client, defaultBucket: defaultBucket}
}

// Open 获取对象
// GetObject 是惰性的，这里先 Stat 一次让不存在的对象立即报错
func (f *PeakObjectFetcher) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if f.client == nil {
		return nil, fmt.Errorf("MinIO 客户端未初始化")
	}
	bucket, key, err := ParseObjectURL(rawURL, f.defaultBucket)
	if err != nil {
		return nil, err
	}

	obj, err := f.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("获取对象失败 %s/%s: %w", bucket, key, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("获取对象失败 %s/%s: %w", bucket, key, err)
	}
	return obj, nil
}

// PutPeaks 上传预先计算好的波形文件
func PutPeaks(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	if minioClient == nil {
		return fmt.Errorf("MinIO 客户端未初始化")
	}
	if contentType == "" {
		contentType = "application/json"
	}
	info, err := minioClient.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("上传波形文件失败: %w", err)
	}
	logger.Info("[MinIO] 波形文件已上传",
		logger.String("bucket", bucket),
		logger.String("key", key),
		logger.Any("size", info.Size))
	return nil
}
