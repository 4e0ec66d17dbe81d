package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"ai-screener-go/internal/config"
	"ai-screener-go/internal/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
)

// ObjectStorage 对象存储接口
type ObjectStorage interface {
	// UploadFile 上传文件到录音存储桶
	UploadFile(ctx context.Context, objectName string, reader io.Reader, fileSize int64, contentType string) (string, error)

	// DownloadFile 下载文件
	DownloadFile(ctx context.Context, objectName string) ([]byte, error)

	// GetPresignedURL 获取预签名URL
	GetPresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)

	// DeleteFile 删除文件
	DeleteFile(ctx context.Context, objectName string) error

	// ArchiveRecording 归档一段通话录音，返回对象键
	ArchiveRecording(ctx context.Context, recordingSID string, audio []byte) (string, error)

	// GetRecording 按录音SID取回归档的音频
	GetRecording(ctx context.Context, recordingSID string) ([]byte, error)
}

// 确保MinIO实现了ObjectStorage接口
var _ ObjectStorage = (*MinIO)(nil)

// MinIO 提供对象存储功能
type MinIO struct {
	client           *minio.Client
	cfg              *config.MinIOConfig
	recordingsBucket string
}

// NewMinIO 创建MinIO客户端并确保录音存储桶可用
func NewMinIO(cfg *config.MinIOConfig) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	recordingsBucket := cfg.RecordingsBucket
	if recordingsBucket == "" {
		recordingsBucket = "interview-recordings"
	}

	m := &MinIO{
		client:           client,
		cfg:              cfg,
		recordingsBucket: recordingsBucket,
	}

	if err := m.ensureBucketExists(recordingsBucket, cfg.Location); err != nil {
		return nil, fmt.Errorf("确保录音存储桶 %s 存在失败: %w", recordingsBucket, err)
	}

	// 录音到期自动清理
	if cfg.RecordingExpireDays > 0 {
		if err := m.setupBucketLifecycle(context.Background(), recordingsBucket, "expire-recordings", cfg.RecordingExpireDays); err != nil {
			logger.Warn().Err(err).Str("bucket", recordingsBucket).Msg("设置录音生命周期规则失败")
		}
	}

	logger.Info().Str("endpoint", cfg.Endpoint).Str("bucket", recordingsBucket).Msg("MinIO客户端初始化成功")
	return m, nil
}

// ensureBucketExists 确保存储桶存在
func (m *MinIO) ensureBucketExists(bucketName, location string) error {
	exists, err := m.client.BucketExists(context.Background(), bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", bucketName, err)
	}
	if !exists {
		err = m.client.MakeBucket(context.Background(), bucketName, minio.MakeBucketOptions{Region: location})
		if err != nil {
			return fmt.Errorf("创建存储桶 %s 失败: %w", bucketName, err)
		}
		logger.Info().Str("bucket", bucketName).Msg("已创建存储桶")
	}
	return nil
}

// setupBucketLifecycle 为存储桶设置过期规则
func (m *MinIO) setupBucketLifecycle(ctx context.Context, bucketName, ruleID string, expiryDays int) error {
	config := lifecycle.NewConfiguration()
	config.Rules = []lifecycle.Rule{
		{
			ID:     ruleID,
			Status: "Enabled",
			Expiration: lifecycle.Expiration{
				Days: lifecycle.ExpirationDays(expiryDays),
			},
		},
	}

	return m.client.SetBucketLifecycle(ctx, bucketName, config)
}

// UploadFile 上传文件到录音存储桶
func (m *MinIO) UploadFile(ctx context.Context, objectName string, reader io.Reader, fileSize int64, contentType string) (string, error) {
	_, err := m.client.PutObject(ctx, m.recordingsBucket, objectName, reader, fileSize, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("上传对象 %s/%s 失败: %w", m.recordingsBucket, objectName, err)
	}
	return objectName, nil
}

// DownloadFile 下载文件
func (m *MinIO) DownloadFile(ctx context.Context, objectName string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.recordingsBucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("获取对象 %s/%s 失败: %w", m.recordingsBucket, objectName, err)
	}
	defer obj.Close()

	// Stat确认对象存在且可读
	if _, err := obj.Stat(); err != nil {
		return nil, fmt.Errorf("获取对象 %s/%s 状态失败: %w", m.recordingsBucket, objectName, err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("读取对象 %s/%s 数据失败: %w", m.recordingsBucket, objectName, err)
	}
	return data, nil
}

// GetPresignedURL 获取预签名URL
func (m *MinIO) GetPresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	presignedURL, err := m.client.PresignedGetObject(ctx, m.recordingsBucket, objectName, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("生成MinIO预签名URL失败: %w", err)
	}
	return presignedURL.String(), nil
}

// DeleteFile 删除文件
func (m *MinIO) DeleteFile(ctx context.Context, objectName string) error {
	err := m.client.RemoveObject(ctx, m.recordingsBucket, objectName, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("删除对象 %s 失败: %w", objectName, err)
	}
	return nil
}

// recordingObjectName 录音对象键，SID全局唯一
func recordingObjectName(recordingSID string) string {
	return fmt.Sprintf("recordings/%s.mp3", recordingSID)
}

// ArchiveRecording 归档一段通话录音，返回对象键
func (m *MinIO) ArchiveRecording(ctx context.Context, recordingSID string, audio []byte) (string, error) {
	if recordingSID == "" {
		return "", fmt.Errorf("录音SID不能为空")
	}
	objectName := recordingObjectName(recordingSID)
	return m.UploadFile(ctx, objectName, bytes.NewReader(audio), int64(len(audio)), "audio/mpeg")
}

// GetRecording 按录音SID取回归档的音频
func (m *MinIO) GetRecording(ctx context.Context, recordingSID string) ([]byte, error) {
	return m.DownloadFile(ctx, recordingObjectName(recordingSID))
}
