package delta

// PushRequest пакет локальных операций для отправки на сервер
type PushRequest struct {
	BatchID       string      `json:"batch_id"`
	Operations    []Operation `json:"operations"`
	LastSyncToken string      `json:"last_sync_token,omitempty"`
}

// OperationResult итог обработки одной операции сервером
type OperationResult struct {
	OperationID          string     `json:"operation_id"`
	Success              bool       `json:"success"`
	Conflict             bool       `json:"conflict,omitempty"`
	ServerVersion        int64      `json:"server_version,omitempty"`
	ConflictingOperation *Operation `json:"conflicting_operation,omitempty"`
	Error                string     `json:"error,omitempty"`
}

// PushResponse ответ сервера на PushRequest
type PushResponse struct {
	Results []OperationResult `json:"results"`
}

// PullRequest запрос изменений после токена продолжения
type PullRequest struct {
	BatchID       string `json:"batch_id"`
	LastSyncToken string `json:"last_sync_token,omitempty"`
	BatchSize     int    `json:"batch_size"`
}

// PullResponse удаленные операции и новый токен продолжения
type PullResponse struct {
	Operations    []Operation `json:"operations"`
	NextSyncToken string      `json:"next_sync_token,omitempty"`
}

// NotificationChanges тип уведомления о новых операциях на сервере
const NotificationChanges = "changes"

// Notification сообщение websocket-канала синхронизации
type Notification struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}
