package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"fieldsync/internal/app/client/config"
	"fieldsync/internal/domain/queue"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/exp/slog"
)

const (
	QueueTypePhoto    = "photo"
	QueueActionUpload = "upload"
)

// PhotoUpload данные элемента очереди для загрузки фото
type PhotoUpload struct {
	Path        string `json:"path"`
	Key         string `json:"key,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// MediaUploader загружает фото из очереди в объектное хранилище
type MediaUploader struct {
	client     objectPutter
	bucket     string
	log        *slog.Logger
	onUploaded func(ctx context.Context, photoID, key string) error
}

func NewMediaUploader(ctx context.Context, cfg config.MediaConfig, log *slog.Logger) (*MediaUploader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации AWS: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return newMediaUploader(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, log), nil
}

func newMediaUploader(client objectPutter, bucket string, log *slog.Logger) *MediaUploader {
	return &MediaUploader{
		client: client,
		bucket: bucket,
		log:    log.With(slog.String("component", "media_uploader")),
	}
}

// OnUploaded задает действие после успешной загрузки, например запись ключа в сущность фото
func (m *MediaUploader) OnUploaded(fn func(ctx context.Context, photoID, key string) error) {
	m.onUploaded = fn
}

// Handle обработчик очереди для элементов photo/upload
func (m *MediaUploader) Handle(ctx context.Context, item queue.Item) (bool, error) {
	if item.Action != QueueActionUpload {
		return false, fmt.Errorf("неизвестное действие %q для фото", item.Action)
	}

	var upload PhotoUpload
	if err := json.Unmarshal(item.Data, &upload); err != nil {
		return false, fmt.Errorf("ошибка парсинга данных загрузки: %w", err)
	}
	if upload.Path == "" {
		return false, fmt.Errorf("не указан путь к файлу")
	}

	data, err := os.ReadFile(upload.Path)
	if err != nil {
		return false, fmt.Errorf("ошибка чтения файла: %w", err)
	}

	key := upload.Key
	if key == "" {
		key = "photos/" + item.EntityID + filepath.Ext(upload.Path)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if upload.ContentType != "" {
		input.ContentType = aws.String(upload.ContentType)
	}

	if _, err := m.client.PutObject(ctx, input); err != nil {
		return false, fmt.Errorf("ошибка загрузки в хранилище: %w", err)
	}

	m.log.Info("Фото загружено",
		slog.String("photo_id", item.EntityID),
		slog.String("key", key),
		slog.Int("size", len(data)))

	if m.onUploaded != nil {
		if err := m.onUploaded(ctx, item.EntityID, key); err != nil {
			return false, err
		}
	}

	return true, nil
}
