package delta

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EntityType тип сущности, изменения которой синхронизируются
type EntityType string

const (
	EntityGate       EntityType = "gate"
	EntityInspection EntityType = "inspection"
	EntityPhoto      EntityType = "photo"
	EntityTemplate   EntityType = "template"
)

// Valid проверяет, что тип сущности известен
func (t EntityType) Valid() bool {
	switch t {
	case EntityGate, EntityInspection, EntityPhoto, EntityTemplate:
		return true
	}
	return false
}

// ParseEntityType преобразует строку в EntityType
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if !t.Valid() {
		return "", ErrUnknownEntityType
	}
	return t, nil
}

// OperationType вид изменения
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// Valid проверяет, что вид операции известен
func (o OperationType) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// SyncStatus статус синхронизации операции или сущности
type SyncStatus string

const (
	StatusPending    SyncStatus = "pending"
	StatusSynced     SyncStatus = "synced"
	StatusConflicted SyncStatus = "conflicted"
)

// Operation неизменяемая запись об одном изменении сущности
type Operation struct {
	ID            string          `json:"id"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	OperationType OperationType   `json:"operation_type"`
	FieldName     string          `json:"field_name,omitempty"`
	OldValue      json.RawMessage `json:"old_value,omitempty"`
	NewValue      json.RawMessage `json:"new_value,omitempty"`
	RowVersion    int64           `json:"row_version"`
	Timestamp     time.Time       `json:"timestamp"`
	UserID        string          `json:"user_id,omitempty"`
	DeviceID      string          `json:"device_id,omitempty"`
	SyncStatus    SyncStatus      `json:"sync_status"`
	BatchID       string          `json:"batch_id,omitempty"`
	ServerVersion int64           `json:"server_version,omitempty"`
}

// Clone возвращает глубокую копию операции
func (o Operation) Clone() Operation {
	c := o
	c.OldValue = cloneRaw(o.OldValue)
	c.NewValue = cloneRaw(o.NewValue)
	return c
}

// IsFieldUpdate сообщает, что операция изменяет одно поле сущности
func (o Operation) IsFieldUpdate() bool {
	return o.OperationType == OpUpdate && o.FieldName != ""
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	c := make(json.RawMessage, len(v))
	copy(c, v)
	return c
}

// BatchType направление обмена
type BatchType string

const (
	BatchPush BatchType = "push"
	BatchPull BatchType = "pull"
)

// BatchStatus состояние пакета синхронизации
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// Batch единица обмена push или pull. Завершается ровно один раз и повторно не открывается
type Batch struct {
	ID                   string      `json:"id"`
	Type                 BatchType   `json:"type"`
	Status               BatchStatus `json:"status"`
	TotalOperations      int         `json:"total_operations"`
	SuccessfulOperations int         `json:"successful_operations"`
	FailedOperations     int         `json:"failed_operations"`
	LastSyncToken        string      `json:"last_sync_token,omitempty"`
	NextSyncToken        string      `json:"next_sync_token,omitempty"`
	RetryCount           int         `json:"retry_count"`
	ErrorMessage         string      `json:"error_message,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
	CompletedAt          *time.Time  `json:"completed_at,omitempty"`
}

// NewBatch создает пакет в статусе pending
func NewBatch(t BatchType, now time.Time) *Batch {
	return &Batch{
		ID:        uuid.NewString(),
		Type:      t,
		Status:    BatchPending,
		CreatedAt: now,
	}
}

// IsTerminal сообщает, что пакет уже завершен
func (b *Batch) IsTerminal() bool {
	return b.Status == BatchCompleted || b.Status == BatchFailed
}

// Start переводит пакет в processing перед сетевым обменом
func (b *Batch) Start(total int, lastToken string) error {
	if b.Status != BatchPending {
		return ErrBatchFinalized
	}
	b.Status = BatchProcessing
	b.TotalOperations = total
	b.LastSyncToken = lastToken
	return nil
}

// Complete завершает пакет с итоговыми счетчиками
func (b *Batch) Complete(successful, failed int, nextToken string, now time.Time) error {
	if b.IsTerminal() {
		return ErrBatchFinalized
	}
	b.Status = BatchCompleted
	b.SuccessfulOperations = successful
	b.FailedOperations = failed
	if b.TotalOperations < successful+failed {
		b.TotalOperations = successful + failed
	}
	b.NextSyncToken = nextToken
	b.CompletedAt = &now
	return nil
}

// Fail завершает пакет с ошибкой
func (b *Batch) Fail(cause error, now time.Time) error {
	if b.IsTerminal() {
		return ErrBatchFinalized
	}
	b.Status = BatchFailed
	if cause != nil {
		b.ErrorMessage = cause.Error()
	}
	b.CompletedAt = &now
	return nil
}

// Conflict доказательство и итог обнаруженного конфликта.
// Хранит копии операций, а не ссылки на записи журнала.
type Conflict struct {
	ID                 string          `json:"id"`
	EntityType         EntityType      `json:"entity_type"`
	EntityID           string          `json:"entity_id"`
	FieldName          string          `json:"field_name,omitempty"`
	LocalOperation     Operation       `json:"local_operation"`
	RemoteOperation    Operation       `json:"remote_operation"`
	ResolutionStrategy Strategy        `json:"resolution_strategy"`
	ResolvedValue      json.RawMessage `json:"resolved_value,omitempty"`
	ResolvedAt         *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy         string          `json:"resolved_by,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// NewConflict фиксирует пару конфликтующих операций
func NewConflict(local, remote Operation, strategy Strategy, now time.Time) Conflict {
	field := local.FieldName
	if field != remote.FieldName {
		field = ""
	}
	return Conflict{
		ID:                 uuid.NewString(),
		EntityType:         remote.EntityType,
		EntityID:           remote.EntityID,
		FieldName:          field,
		LocalOperation:     local.Clone(),
		RemoteOperation:    remote.Clone(),
		ResolutionStrategy: strategy,
		CreatedAt:          now,
	}
}

// IsResolved сообщает, что решение по конфликту уже принято
func (c Conflict) IsResolved() bool {
	return c.ResolvedAt != nil
}

// Entity локальная строка сущности вместе с метаданными синхронизации
type Entity struct {
	Type       EntityType      `json:"type"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data,omitempty"`
	RowVersion int64           `json:"row_version"`
	ETag       string          `json:"etag"`
	SyncStatus SyncStatus      `json:"sync_status"`
	Deleted    bool            `json:"deleted"`
	LastSyncAt *time.Time      `json:"last_sync_at,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// SyncResult итог одного пакета push или pull
type SyncResult struct {
	BatchID          string     `json:"batch_id"`
	Success          bool       `json:"success"`
	SyncedOperations int        `json:"synced_operations"`
	Conflicts        []Conflict `json:"conflicts"`
	Errors           []string   `json:"errors"`
}

// NewSyncResult создает пустой результат для пакета
func NewSyncResult(batchID string) *SyncResult {
	return &SyncResult{
		BatchID:   batchID,
		Conflicts: []Conflict{},
		Errors:    []string{},
	}
}
