package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	gosync "sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"fieldsync/internal/app/client/config"
	"fieldsync/internal/domain/conflict"
	"fieldsync/internal/domain/delta"
	"fieldsync/internal/domain/oplog"
	"fieldsync/internal/domain/queue"
)

const (
	QueueTypeSync  = "sync"
	QueueActionRun = "run"

	queuePollInterval = 5 * time.Second
	queueBatchLimit   = 20
)

type App struct {
	config     *config.Config
	log        *slog.Logger
	httpClient *httpClient
	storage    Storage
	ops        *oplog.Service
	resolver   *conflict.Resolver
	sync       *SyncService
	queue      *queue.Manager
	dispatcher *queue.Dispatcher
	wg         gosync.WaitGroup
	cancel     context.CancelFunc
	mu         gosync.RWMutex
}

func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	policy, err := cfg.SyncPolicy()
	if err != nil {
		return nil, fmt.Errorf("ошибка политики синхронизации: %w", err)
	}

	// Инициализируем HTTP клиент
	httpCl, err := NewHTTPClient(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации HTTP клиента: %w", err)
	}

	// Инициализируем локальное хранилище SQLite
	storage, err := NewSQLiteStorage(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия локального хранилища: %w", err)
	}

	app := newApp(cfg, log, storage, httpCl, policy)
	app.httpClient = httpCl

	if cfg.MediaEnabled() {
		uploader, err := NewMediaUploader(context.Background(), cfg.Media, log)
		if err != nil {
			storage.Close()
			return nil, err
		}
		uploader.OnUploaded(app.recordStorageKey)
		app.dispatcher.Register(QueueTypePhoto, uploader.Handle)
	}

	// Загружаем токен если он есть
	if token, err := app.GetToken(); err == nil && token != "" {
		httpCl.SetToken(token)
		log.Debug("Токен загружен из файла")
	}

	return app, nil
}

// newApp собирает сервисы поверх готового хранилища и транспорта
func newApp(cfg *config.Config, log *slog.Logger, storage Storage, remote RemoteService, policy delta.Policy) *App {
	ops := oplog.NewService(storage, log)
	applier := NewApplier(storage, log)
	resolver := conflict.NewResolver(storage, applier, ops, log, policy.EnableOperationalTransform)

	engine := NewEngine(EngineDeps{
		Operations: ops,
		Resolver:   resolver,
		Applier:    applier,
		Remote:     remote,
		Batches:    storage,
		Tokens:     storage,
		Policy:     policy,
		Log:        log,
	})

	syncService := NewSyncService(engine, NewRetrier(policy, log), ops, log, SyncServiceConfig{
		StatsPath: filepath.Join(cfg.ConfigDir, "sync_stats.json"),
		Interval:  cfg.SyncEvery(),
	})

	app := &App{
		config:     cfg,
		log:        log,
		storage:    storage,
		ops:        ops,
		resolver:   resolver,
		sync:       syncService,
		queue:      queue.NewManager(storage, log, cfg.QueueSettings()),
		dispatcher: queue.NewDispatcher(log),
	}

	app.dispatcher.Register(QueueTypeSync, app.runQueuedSync)

	return app
}

func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go a.handleSignals()

	// элементы, прерванные прошлым запуском, снова становятся доступны
	if _, err := a.queue.Recover(ctx); err != nil {
		a.log.Error("Ошибка восстановления очереди", "error", err)
	}

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.sync.StartAutoSync(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.runQueue(ctx)
	}()

	if a.config.EnableNotifications {
		token, _ := a.GetToken()
		notifier := NewNotifier(a.httpClient.baseURL, token, a.config.DeviceID, a.sync.AutoSync, a.log)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			notifier.Run(ctx)
		}()
	}

	a.log.Info("Клиент запущен",
		"server", a.config.ServerAddress,
		"env", a.config.Env,
		"device", a.config.DeviceID,
	)

	a.wg.Wait()
	return nil
}

func (a *App) runQueue(ctx context.Context) {
	ticker := time.NewTicker(queuePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("Обработка очереди остановлена")
			return
		case <-ticker.C:
			if _, err := a.ProcessQueue(ctx, queueBatchLimit); err != nil && !errors.Is(err, queue.ErrAlreadyProcessing) {
				a.log.Error("Ошибка обработки очереди", "error", err)
			}
		}
	}
}

func (a *App) handleSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-sigChan
	a.log.Info("Получен сигнал завершения", "signal", sig.String())

	if a.cancel != nil {
		a.cancel()
	}
}

func (a *App) Shutdown() {
	a.log.Info("Завершение работы клиента...")

	if a.cancel != nil {
		a.cancel()
	}

	a.wg.Wait()

	if err := a.storage.Close(); err != nil {
		a.log.Warn("Ошибка закрытия хранилища", "error", err)
	}
	a.log.Info("Клиент завершил работу")
}

// CheckConnection проверяет соединение с сервером
func (a *App) CheckConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return a.httpClient.HealthCheck(ctx)
}

// ==================== Local Mutations ====================

// CreateEntity создает сущность локально. Пустой entityID заменяется новым UUID
func (a *App) CreateEntity(ctx context.Context, entityType delta.EntityType, entityID string, value json.RawMessage) (string, error) {
	if entityID == "" {
		entityID = uuid.NewString()
	}

	if _, err := a.ops.Record(ctx, oplog.RecordInput{
		EntityType:    entityType,
		EntityID:      entityID,
		OperationType: delta.OpCreate,
		NewValue:      value,
		UserID:        a.config.DeviceID,
	}); err != nil {
		return "", err
	}

	return entityID, nil
}

// UpdateField меняет одно поле сущности. Пустое имя поля заменяет значение целиком
func (a *App) UpdateField(ctx context.Context, entityType delta.EntityType, entityID, field string, value json.RawMessage) error {
	_, err := a.ops.Record(ctx, oplog.RecordInput{
		EntityType:    entityType,
		EntityID:      entityID,
		OperationType: delta.OpUpdate,
		FieldName:     field,
		NewValue:      value,
		UserID:        a.config.DeviceID,
	})
	return err
}

// DeleteEntity удаляет сущность локально
func (a *App) DeleteEntity(ctx context.Context, entityType delta.EntityType, entityID string) error {
	_, err := a.ops.Record(ctx, oplog.RecordInput{
		EntityType:    entityType,
		EntityID:      entityID,
		OperationType: delta.OpDelete,
		UserID:        a.config.DeviceID,
	})
	return err
}

func (a *App) GetEntity(ctx context.Context, entityType delta.EntityType, entityID string) (*delta.Entity, error) {
	return a.storage.GetEntity(ctx, entityType, entityID)
}

func (a *App) ListEntities(ctx context.Context, entityType delta.EntityType) ([]delta.Entity, error) {
	return a.storage.ListEntities(ctx, entityType)
}

// History журнал операций сущности
func (a *App) History(ctx context.Context, entityType delta.EntityType, entityID string) ([]delta.Operation, error) {
	return a.ops.History(ctx, entityType, entityID)
}

// AttachPhoto создает сущность фото для осмотра и ставит файл в очередь загрузки
func (a *App) AttachPhoto(ctx context.Context, inspectionID, path, contentType string) (string, string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", "", fmt.Errorf("файл недоступен: %w", err)
	}

	value, err := json.Marshal(map[string]string{
		"inspection_id": inspectionID,
		"file_name":     filepath.Base(path),
	})
	if err != nil {
		return "", "", err
	}

	photoID, err := a.CreateEntity(ctx, delta.EntityPhoto, "", value)
	if err != nil {
		return "", "", err
	}

	data, err := json.Marshal(PhotoUpload{Path: path, ContentType: contentType})
	if err != nil {
		return "", "", err
	}

	itemID, err := a.queue.Enqueue(ctx, QueueTypePhoto, photoID, QueueActionUpload, data)
	if err != nil {
		return "", "", err
	}

	return photoID, itemID, nil
}

func (a *App) recordStorageKey(ctx context.Context, photoID, key string) error {
	value, err := json.Marshal(key)
	if err != nil {
		return err
	}
	return a.UpdateField(ctx, delta.EntityPhoto, photoID, "storage_key", value)
}

// ==================== Sync ====================

func (a *App) Sync(ctx context.Context) (*SyncReport, error) {
	return a.sync.Sync(ctx)
}

func (a *App) SyncStatus(ctx context.Context) SyncStatus {
	return a.sync.Status(ctx)
}

func (a *App) SyncStats() SyncStats {
	return a.sync.Stats()
}

func (a *App) ResetSyncStats() {
	a.sync.ResetStats()
}

// Batches последние пакеты синхронизации
func (a *App) Batches(ctx context.Context, limit int) ([]delta.Batch, error) {
	return a.storage.ListBatches(ctx, limit)
}

func (a *App) runQueuedSync(ctx context.Context, item queue.Item) (bool, error) {
	if item.Action != QueueActionRun {
		return false, fmt.Errorf("неизвестное действие %q для синхронизации", item.Action)
	}
	if _, err := a.sync.Sync(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ==================== Conflicts ====================

// Conflicts список конфликтов: только ожидающие решения или вся история
func (a *App) Conflicts(ctx context.Context, unresolvedOnly bool) ([]delta.Conflict, error) {
	if unresolvedOnly {
		return a.resolver.PendingReview(ctx)
	}
	return a.resolver.History(ctx)
}

// ResolveConflict завершает ручное разрешение конфликта выбранным значением
func (a *App) ResolveConflict(ctx context.Context, id string, value json.RawMessage) (*delta.Conflict, error) {
	return a.resolver.CompleteManual(ctx, id, value, a.config.DeviceID)
}

// ==================== Queue ====================

// EnqueueSync ставит синхронизацию в очередь с повышенным приоритетом
func (a *App) EnqueueSync(ctx context.Context) (string, error) {
	return a.queue.Enqueue(ctx, QueueTypeSync, "", QueueActionRun, nil, queue.WithPriority(10))
}

func (a *App) ProcessQueue(ctx context.Context, limit int) (*queue.ProcessResult, error) {
	return a.queue.ProcessBatch(ctx, a.dispatcher.Handle, queue.ProcessOptions{Limit: limit})
}

func (a *App) QueueStats(ctx context.Context) (queue.Stats, error) {
	return a.queue.Stats(ctx)
}

func (a *App) QueueItem(ctx context.Context, id string) (*queue.Item, error) {
	return a.queue.Get(ctx, id)
}

func (a *App) CancelQueueItem(ctx context.Context, id string) error {
	return a.queue.Cancel(ctx, id)
}

// CleanupQueue удаляет завершенные элементы и старые неудачные
func (a *App) CleanupQueue(ctx context.Context) (int64, int64, error) {
	completed, err := a.queue.CleanupCompleted(ctx)
	if err != nil {
		return 0, 0, err
	}
	failed, err := a.queue.CleanupFailed(ctx, a.config.Queue.FailedRetentionDays)
	if err != nil {
		return completed, 0, err
	}
	return completed, failed, nil
}

// ==================== Token ====================

// IsAuthenticated проверяет, сохранен ли токен устройства
func (a *App) IsAuthenticated() bool {
	token, err := a.GetToken()
	return err == nil && token != ""
}

// GetToken возвращает сохраненный токен
func (a *App) GetToken() (string, error) {
	tokenBytes, err := os.ReadFile(a.config.TokenPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("токен не найден. Выполните: fieldsync init")
		}
		return "", fmt.Errorf("ошибка чтения токена: %w", err)
	}
	return strings.TrimSpace(string(tokenBytes)), nil
}

// SaveToken сохраняет токен устройства
func (a *App) SaveToken(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.WriteFile(a.config.TokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("ошибка сохранения токена: %w", err)
	}

	if a.httpClient != nil {
		a.httpClient.SetToken(token)
	}

	return nil
}

// ClearToken удаляет токен
func (a *App) ClearToken() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.Remove(a.config.TokenPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления токена: %w", err)
	}
	if a.httpClient != nil {
		a.httpClient.SetToken("")
	}

	return nil
}

func (a *App) Config() *config.Config {
	return a.config
}

type appKey struct{}

// WithApp кладет приложение в контекст команды
func WithApp(ctx context.Context, app *App) context.Context {
	return context.WithValue(ctx, appKey{}, app)
}

// FromContext достает приложение из контекста команды
func FromContext(ctx context.Context) (*App, bool) {
	app, ok := ctx.Value(appKey{}).(*App)
	return app, ok
}
