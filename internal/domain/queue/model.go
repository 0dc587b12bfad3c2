package queue

import (
	"encoding/json"
	"time"
)

// Status состояние элемента очереди
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Item единица фоновой работы с повторными попытками
type Item struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	EntityID      string          `json:"entity_id"`
	Action        string          `json:"action"`
	Data          json.RawMessage `json:"data,omitempty"`
	Priority      int             `json:"priority"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	CreatedAt     time.Time       `json:"created_at"`
	ScheduledAt   time.Time       `json:"scheduled_at"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	Status        Status          `json:"status"`
	ErrorMessage  string          `json:"error_message,omitempty"`
}

// Stats количество элементов по статусам
type Stats map[Status]int

// Total общее количество элементов
func (s Stats) Total() int {
	var n int
	for _, v := range s {
		n += v
	}
	return n
}

// ProcessOptions параметры одного прохода обработки
type ProcessOptions struct {
	// Limit максимальное количество элементов за проход, 0 без ограничения
	Limit int
}

// ProcessResult итог прохода обработки
type ProcessResult struct {
	Processed int `json:"processed"`
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}
