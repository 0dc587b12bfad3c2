package client

import (
	"context"
	"net/http"
	"strings"
	"time"

	"fieldsync/internal/domain/delta"

	"github.com/gorilla/websocket"
	"golang.org/x/exp/slog"
)

// Notifier слушает websocket-канал сервера и вызывает onChange при подключении и на каждое уведомление
type Notifier struct {
	url       string
	header    http.Header
	dialer    *websocket.Dialer
	onChange  func(ctx context.Context)
	log       *slog.Logger
	reconnect time.Duration
}

func NewNotifier(baseURL, token, deviceID string, onChange func(ctx context.Context), log *slog.Logger) *Notifier {
	url := baseURL
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	if deviceID != "" {
		header.Set("X-Device-ID", deviceID)
	}

	return &Notifier{
		url:       url + "/api/v1/sync/ws",
		header:    header,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		onChange:  onChange,
		log:       log.With(slog.String("component", "notifier")),
		reconnect: 5 * time.Second,
	}
}

// Run держит соединение до отмены контекста, переподключаясь после разрыва
func (n *Notifier) Run(ctx context.Context) {
	for {
		if err := n.listen(ctx); err != nil && ctx.Err() == nil {
			n.log.Debug("Канал уведомлений недоступен", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(n.reconnect):
		}
	}
}

func (n *Notifier) listen(ctx context.Context) error {
	conn, resp, err := n.dialer.DialContext(ctx, n.url, n.header)
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Закрываем соединение при отмене контекста, чтобы прервать ReadJSON
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	n.log.Debug("Канал уведомлений подключен", slog.String("url", n.url))

	// Соединение восстановлено: изменения могли накопиться
	n.onChange(ctx)

	for {
		var msg delta.Notification
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Type == delta.NotificationChanges {
			n.onChange(ctx)
		}
	}
}
