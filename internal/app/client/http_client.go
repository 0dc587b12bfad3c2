package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"fieldsync/internal/app/client/config"
	"fieldsync/internal/domain/delta"

	"github.com/golang/snappy"
	"golang.org/x/exp/slog"
)

// Тела запросов больше порога сжимаются snappy
const compressThreshold = 1024

type httpClient struct {
	client    *http.Client
	log       *slog.Logger
	baseURL   string
	deviceID  string
	userAgent string

	mu    sync.RWMutex
	token string
}

func NewHTTPClient(cfg *config.Config, log *slog.Logger) (*httpClient, error) {
	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConnsPerHost: 10,
		},
	}

	// Определяем протокол
	scheme := "http://"
	if cfg.EnableTLS {
		scheme = "https://"
	}

	return &httpClient{
		client:    client,
		log:       log.With(slog.String("component", "http_client")),
		baseURL:   scheme + cfg.ServerAddress,
		deviceID:  cfg.DeviceID,
		userAgent: "FieldSync-Client/1.0",
	}, nil
}

// SetToken устанавливает токен аутентификации
func (h *httpClient) SetToken(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token = strings.TrimSpace(token)
}

func (h *httpClient) authToken() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// HealthCheck проверяет доступность сервера
func (h *httpClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/api/v1/health", nil)
	if err != nil {
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}

	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("сервер недоступен: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("сервер вернул статус: %d", resp.StatusCode)
	}

	return nil
}

// PushBatch отправляет пакет локальных операций
func (h *httpClient) PushBatch(ctx context.Context, req delta.PushRequest) (*delta.PushResponse, error) {
	resp, err := h.doRequest(ctx, http.MethodPost, "/api/v1/sync/push", req)
	if err != nil {
		return nil, err
	}

	var out delta.PushResponse
	if err := h.parseResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PullBatch запрашивает изменения после токена продолжения
func (h *httpClient) PullBatch(ctx context.Context, req delta.PullRequest) (*delta.PullResponse, error) {
	resp, err := h.doRequest(ctx, http.MethodPost, "/api/v1/sync/pull", req)
	if err != nil {
		return nil, err
	}

	var out delta.PullResponse
	if err := h.parseResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *httpClient) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var (
		reqBody    io.Reader
		compressed bool
	)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("ошибка маршалинга тела запроса: %w", err)
		}
		if len(jsonData) > compressThreshold {
			jsonData = snappy.Encode(nil, jsonData)
			compressed = true
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса: %w", err)
	}

	// Добавляем заголовки
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", h.userAgent)
	if compressed {
		req.Header.Set("Content-Encoding", "snappy")
	}
	if h.deviceID != "" {
		req.Header.Set("X-Device-ID", h.deviceID)
	}
	if token := h.authToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	h.log.Debug("Отправка запроса",
		"method", method,
		"url", req.URL.String(),
		"compressed", compressed,
	)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса: %w", err)
	}

	return resp, nil
}

func (h *httpClient) parseResponse(resp *http.Response, result interface{}) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ошибка чтения ответа: %w", err)
	}

	h.log.Debug("Получен ответ",
		"status", resp.StatusCode,
		"size", len(body),
	)

	if resp.StatusCode >= 400 {
		var errResp struct {
			Detail string `json:"detail"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(body, &errResp); err == nil {
			if errResp.Detail != "" {
				return fmt.Errorf("ошибка сервера: %s", errResp.Detail)
			}
			if errResp.Error != "" {
				return fmt.Errorf("ошибка сервера: %s", errResp.Error)
			}
		}
		return fmt.Errorf("ошибка сервера: статус %d", resp.StatusCode)
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("ошибка парсинга ответа: %w", err)
		}
	}

	return nil
}
