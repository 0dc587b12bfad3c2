package health

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"
)

// SubscriberCounter сообщает число подключенных websocket-клиентов
type SubscriberCounter interface {
	Clients() int
}

type Handler struct {
	log         *slog.Logger
	subscribers SubscriberCounter
	middleware  huma.Middlewares
	now         func() time.Time
}

func NewHandler(log *slog.Logger, subscribers SubscriberCounter, middleware huma.Middlewares) *Handler {
	return &Handler{
		log:         log,
		subscribers: subscribers,
		middleware:  middleware,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.healthCheckOp(), h.healthCheck)
}

func (h *Handler) healthCheck(_ context.Context, _ *Input) (*Output, error) {
	h.log.Debug("health check request received")

	out := &Output{Body: Response{Status: "OK", ServerTime: h.now()}}
	if h.subscribers != nil {
		out.Body.Subscribers = h.subscribers.Clients()
	}
	return out, nil
}
