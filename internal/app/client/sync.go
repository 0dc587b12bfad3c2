package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"fieldsync/internal/domain/delta"

	"golang.org/x/exp/slog"
)

var ErrSyncInProgress = errors.New("синхронизация уже выполняется")

// DeltaSyncer пакетный обмен с сервером
type DeltaSyncer interface {
	Push(ctx context.Context) (*delta.SyncResult, error)
	Pull(ctx context.Context) (*delta.SyncResult, error)
}

type pendingCounter interface {
	PendingCount(ctx context.Context) (int, error)
}

// SyncState состояние оркестратора
type SyncState string

const (
	StateIdle    SyncState = "idle"
	StateSyncing SyncState = "syncing"
	StateError   SyncState = "error"
)

// SyncService управляет синхронизацией: сначала pull, затем push, каждый с повторами
type SyncService struct {
	engine    DeltaSyncer
	retrier   *Retrier
	pending   pendingCounter
	log       *slog.Logger
	statsPath string
	interval  time.Duration
	now       func() time.Time

	mu        sync.RWMutex
	isSyncing bool
	state     SyncState
	lastSync  time.Time
	lastError string
	stats     *SyncStats
}

// SyncStats статистика синхронизации
type SyncStats struct {
	TotalSyncs      int       `json:"total_syncs"`
	LastSuccessful  time.Time `json:"last_successful"`
	LastFailed      time.Time `json:"last_failed"`
	TotalPushed     int       `json:"total_pushed"`
	TotalPulled     int       `json:"total_pulled"`
	TotalConflicts  int       `json:"total_conflicts"`
	TotalErrors     int       `json:"total_errors"`
	AvgSyncDuration float64   `json:"avg_sync_duration"`
}

// SyncReport результат одного цикла синхронизации
type SyncReport struct {
	Pull      *delta.SyncResult `json:"pull"`
	Push      *delta.SyncResult `json:"push"`
	Duration  time.Duration     `json:"duration"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`
}

// SyncStatus снимок состояния для интерфейса
type SyncStatus struct {
	State             SyncState `json:"state"`
	LastSync          time.Time `json:"last_sync"`
	LastError         string    `json:"last_error,omitempty"`
	PendingOperations int       `json:"pending_operations"`
}

type SyncServiceConfig struct {
	// StatsPath файл статистики. Пустой путь отключает сохранение
	StatsPath string
	Interval  time.Duration
}

func NewSyncService(engine DeltaSyncer, retrier *Retrier, pending pendingCounter, log *slog.Logger, cfg SyncServiceConfig) *SyncService {
	s := &SyncService{
		engine:    engine,
		retrier:   retrier,
		pending:   pending,
		log:       log.With(slog.String("component", "sync")),
		statsPath: cfg.StatsPath,
		interval:  cfg.Interval,
		now:       time.Now,
		state:     StateIdle,
		stats:     &SyncStats{},
	}

	if stats, err := loadStats(cfg.StatsPath); err == nil {
		s.stats = stats
		s.lastSync = stats.LastSuccessful
	}

	return s
}

// Sync запускает процесс синхронизации
func (s *SyncService) Sync(ctx context.Context) (*SyncReport, error) {
	s.mu.Lock()
	if s.isSyncing {
		s.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	s.isSyncing = true
	s.state = StateSyncing
	s.mu.Unlock()

	report := &SyncReport{StartTime: s.now()}

	var err error
	defer func() {
		report.EndTime = s.now()
		report.Duration = report.EndTime.Sub(report.StartTime)

		s.mu.Lock()
		s.isSyncing = false
		s.updateStats(report, err)
		s.mu.Unlock()
	}()

	report.Pull, err = Retry(ctx, s.retrier, "pull", s.engine.Pull)
	if err != nil {
		err = fmt.Errorf("ошибка получения изменений: %w", err)
		return report, err
	}

	report.Push, err = Retry(ctx, s.retrier, "push", s.engine.Push)
	if err != nil {
		err = fmt.Errorf("ошибка отправки изменений: %w", err)
		return report, err
	}

	s.log.Info("Синхронизация завершена",
		slog.Int("pulled", report.Pull.SyncedOperations),
		slog.Int("pushed", report.Push.SyncedOperations),
		slog.Int("conflicts", len(report.Pull.Conflicts)+len(report.Push.Conflicts)))

	return report, nil
}

// AutoSync одна попытка синхронизации без ожидания результата. Ошибка только логируется
func (s *SyncService) AutoSync(ctx context.Context) {
	if _, err := s.Sync(ctx); err != nil {
		s.log.Debug("Автоматическая синхронизация пропущена", slog.String("error", err.Error()))
	}
}

// StartAutoSync запускает периодическую синхронизацию до отмены контекста
func (s *SyncService) StartAutoSync(ctx context.Context) {
	if s.interval <= 0 {
		s.log.Info("Автоматическая синхронизация отключена")
		return
	}

	s.log.Info("Запуск автоматической синхронизации", slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Автоматическая синхронизация остановлена")
			return
		case <-ticker.C:
			s.AutoSync(ctx)
		}
	}
}

// updateStats вызывается под s.mu
func (s *SyncService) updateStats(report *SyncReport, err error) {
	s.stats.TotalSyncs++

	if err != nil {
		s.state = StateError
		s.lastError = err.Error()
		s.stats.LastFailed = report.EndTime
		s.stats.TotalErrors++
	} else {
		s.state = StateIdle
		s.lastError = ""
		s.lastSync = report.EndTime
		s.stats.LastSuccessful = report.EndTime
	}

	for _, r := range []*delta.SyncResult{report.Pull, report.Push} {
		if r == nil {
			continue
		}
		s.stats.TotalConflicts += len(r.Conflicts)
		s.stats.TotalErrors += len(r.Errors)
	}
	if report.Pull != nil {
		s.stats.TotalPulled += report.Pull.SyncedOperations
	}
	if report.Push != nil {
		s.stats.TotalPushed += report.Push.SyncedOperations
	}

	// Обновляем среднюю продолжительность
	s.stats.AvgSyncDuration = (s.stats.AvgSyncDuration*float64(s.stats.TotalSyncs-1) +
		report.Duration.Seconds()) / float64(s.stats.TotalSyncs)

	s.saveStats()
}

// Status возвращает текущее состояние синхронизации
func (s *SyncService) Status(ctx context.Context) SyncStatus {
	s.mu.RLock()
	status := SyncStatus{
		State:     s.state,
		LastSync:  s.lastSync,
		LastError: s.lastError,
	}
	s.mu.RUnlock()

	if n, err := s.pending.PendingCount(ctx); err == nil {
		status.PendingOperations = n
	}
	return status
}

// IsSyncing проверяет, выполняется ли синхронизация
func (s *SyncService) IsSyncing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isSyncing
}

// Stats возвращает копию статистики синхронизации
func (s *SyncService) Stats() SyncStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.stats
}

// ResetStats сбрасывает статистику синхронизации
func (s *SyncService) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats = &SyncStats{}
	s.saveStats()
}

func loadStats(path string) (*SyncStats, error) {
	if path == "" {
		return nil, os.ErrNotExist
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var stats SyncStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("ошибка парсинга статистики: %w", err)
	}
	return &stats, nil
}

func (s *SyncService) saveStats() {
	if s.statsPath == "" {
		return
	}

	data, err := json.MarshalIndent(s.stats, "", "  ")
	if err != nil {
		s.log.Error("Ошибка сериализации статистики", slog.String("error", err.Error()))
		return
	}

	if err := os.WriteFile(s.statsPath, data, 0600); err != nil {
		s.log.Error("Ошибка записи статистики", slog.String("error", err.Error()))
	}
}
