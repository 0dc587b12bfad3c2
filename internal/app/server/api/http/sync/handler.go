package sync

import (
	"context"
	"errors"

	"fieldsync/internal/app/server/api/http/middleware/auth"
	"fieldsync/internal/domain/feed"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"
)

type Handler struct {
	service    feed.Servicer
	log        *slog.Logger
	middleware huma.Middlewares
}

func NewHandler(service feed.Servicer, log *slog.Logger, middleware huma.Middlewares) *Handler {
	return &Handler{
		service:    service,
		log:        log.With(slog.String("component", "sync_handler")),
		middleware: middleware,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.pushOp(), h.push)
	huma.Register(api, h.pullOp(), h.pull)
}

func (h *Handler) push(ctx context.Context, input *pushInput) (*pushOutput, error) {
	deviceID, ok := auth.GetDeviceID(ctx)
	if !ok {
		return nil, huma.Error401Unauthorized("device is not authenticated")
	}

	resp, err := h.service.Push(ctx, deviceID, input.Body)
	if err != nil {
		return nil, h.toHTTPError(err)
	}
	return &pushOutput{Body: *resp}, nil
}

func (h *Handler) pull(ctx context.Context, input *pullInput) (*pullOutput, error) {
	deviceID, ok := auth.GetDeviceID(ctx)
	if !ok {
		return nil, huma.Error401Unauthorized("device is not authenticated")
	}

	resp, err := h.service.Pull(ctx, deviceID, input.Body)
	if err != nil {
		return nil, h.toHTTPError(err)
	}
	return &pullOutput{Body: *resp}, nil
}

func (h *Handler) toHTTPError(err error) error {
	switch {
	case errors.Is(err, feed.ErrInvalidToken), errors.Is(err, feed.ErrMissingDevice):
		return huma.Error400BadRequest(err.Error())
	default:
		h.log.Error("sync request failed", slog.String("error", err.Error()))
		return huma.Error500InternalServerError("sync failed")
	}
}
