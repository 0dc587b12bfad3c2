package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"fieldsync/internal/domain/access"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"
)

const DeviceHeader = "X-Device-ID"

var (
	errUnauthorized  = errors.New("unauthorized")
	errMissingDevice = errors.New("missing " + DeviceHeader + " header")
)

type Auth struct {
	access access.Servicer
	log    *slog.Logger
}

func New(access access.Servicer, log *slog.Logger) *Auth {
	return &Auth{
		access: access,
		log:    log.With(slog.String("component", "auth_middleware")),
	}
}

type contextKey struct{}

// Middleware возвращает middleware для Huma с сигнатурой func(ctx Context, next func(Context))
func (a *Auth) Middleware() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		deviceID, status, err := a.authenticate(ctx.Context(), ctx.Header("Authorization"), ctx.Header(DeviceHeader))
		if err != nil {
			ctx.SetHeader("Content-Type", "application/json")
			ctx.SetStatus(status)
			if err := json.NewEncoder(ctx.BodyWriter()).Encode(map[string]string{"error": err.Error()}); err != nil {
				a.log.Error("json encode", slog.String("error", err.Error()))
			}
			return
		}

		next(huma.WithContext(ctx, WithDeviceID(ctx.Context(), deviceID)))
	}
}

// Handler защищает обычный http.Handler, например websocket-канал
func (a *Auth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID, status, err := a.authenticate(r.Context(), r.Header.Get("Authorization"), r.Header.Get(DeviceHeader))
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithDeviceID(r.Context(), deviceID)))
	})
}

func (a *Auth) authenticate(ctx context.Context, authorization, deviceID string) (string, int, error) {
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || token == "" {
		a.log.Warn("missing bearer token")
		return "", http.StatusUnauthorized, errUnauthorized
	}

	if err := a.access.Validate(ctx, token); err != nil {
		a.log.Warn("token rejected", slog.String("error", err.Error()))
		return "", http.StatusUnauthorized, errUnauthorized
	}

	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return "", http.StatusBadRequest, errMissingDevice
	}
	return deviceID, 0, nil
}

// WithDeviceID кладет идентификатор устройства в контекст
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, contextKey{}, deviceID)
}

// GetDeviceID достает идентификатор устройства, установленный middleware
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(contextKey{}).(string)
	return deviceID, ok && deviceID != ""
}
