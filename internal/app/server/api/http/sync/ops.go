package sync

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

func (h *Handler) pushOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-push",
		Method:      http.MethodPost,
		Path:        "/api/v1/sync/push",
		Summary:     "Отправить пакет локальных операций",
		Description: "Принимает операции устройства и возвращает результат или конфликт по каждой",
		Tags:        []string{"sync"},
		Security:    []map[string][]string{{"bearer": {}}},
		Middlewares: h.middleware,
	}
}

func (h *Handler) pullOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-pull",
		Method:      http.MethodPost,
		Path:        "/api/v1/sync/pull",
		Summary:     "Получить изменения других устройств",
		Description: "Возвращает операции после токена продолжения и новый токен",
		Tags:        []string{"sync"},
		Security:    []map[string][]string{{"bearer": {}}},
		Middlewares: h.middleware,
	}
}
