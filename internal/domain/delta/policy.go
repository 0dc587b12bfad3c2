package delta

import (
	"fmt"
	"time"
)

// Strategy стратегия разрешения конфликтов
type Strategy string

const (
	LastWriteWins        Strategy = "last_write_wins"
	OperationalTransform Strategy = "operational_transform"
	FieldLevelMerge      Strategy = "field_level_merge"
	ManualResolution     Strategy = "manual_resolution"
)

// Strategies перечисляет все поддерживаемые стратегии
var Strategies = []Strategy{LastWriteWins, OperationalTransform, FieldLevelMerge, ManualResolution}

// Valid проверяет, что стратегия известна
func (s Strategy) Valid() bool {
	switch s {
	case LastWriteWins, OperationalTransform, FieldLevelMerge, ManualResolution:
		return true
	}
	return false
}

// ParseStrategy преобразует строку в Strategy
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
	return st, nil
}

// Policy параметры синхронизации. Не сохраняется в хранилище
type Policy struct {
	BatchSize                  int
	MaxRetries                 int
	RetryDelay                 time.Duration
	MaxRetryDelay              time.Duration
	BackoffMultiplier          float64
	ConflictResolution         Strategy
	EnableOperationalTransform bool
}

// DefaultPolicy возвращает политику по умолчанию
func DefaultPolicy() Policy {
	return Policy{
		BatchSize:                  50,
		MaxRetries:                 3,
		RetryDelay:                 time.Second,
		MaxRetryDelay:              30 * time.Second,
		BackoffMultiplier:          2,
		ConflictResolution:         LastWriteWins,
		EnableOperationalTransform: true,
	}
}

// Validate проверяет согласованность политики
func (p Policy) Validate() error {
	switch {
	case p.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive", ErrInvalidPolicy)
	case p.MaxRetries <= 0:
		return fmt.Errorf("%w: max retries must be positive", ErrInvalidPolicy)
	case p.RetryDelay < 0:
		return fmt.Errorf("%w: retry delay must not be negative", ErrInvalidPolicy)
	case p.MaxRetryDelay < p.RetryDelay:
		return fmt.Errorf("%w: max retry delay is less than retry delay", ErrInvalidPolicy)
	case p.BackoffMultiplier < 1:
		return fmt.Errorf("%w: backoff multiplier must be at least 1", ErrInvalidPolicy)
	case !p.ConflictResolution.Valid():
		return fmt.Errorf("%w: %w %q", ErrInvalidPolicy, ErrUnknownStrategy, p.ConflictResolution)
	}
	return nil
}
