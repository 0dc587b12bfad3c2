// Сервер синхронизации fieldsync:
// прием пакетов операций от устройств, выдача ленты изменений
// и уведомления о новых операциях по websocket.

//GET  /api/v1/health     # Проверка доступности (публичный)
//POST /api/v1/sync/push  # Отправить операции (auth)
//POST /api/v1/sync/pull  # Получить изменения (auth)
//GET  /api/v1/sync/ws    # Канал уведомлений (auth)

package api

import (
	"net/http"

	healthAPI "fieldsync/internal/app/server/api/http/health"
	"fieldsync/internal/app/server/api/http/middleware"
	"fieldsync/internal/app/server/api/http/middleware/auth"
	"fieldsync/internal/app/server/api/http/middleware/compress"
	"fieldsync/internal/app/server/api/http/middleware/logger"
	syncAPI "fieldsync/internal/app/server/api/http/sync"
	"fieldsync/internal/domain/access"
	"fieldsync/internal/domain/feed"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/exp/slog"
)

const wsPath = "/api/v1/sync/ws"

// Deps зависимости HTTP API
type Deps struct {
	Feed   feed.Repository
	Access access.Servicer
	Hub    *feed.Hub
	Log    *slog.Logger
}

type Handlers struct {
	Health *healthAPI.Handler
	Sync   *syncAPI.Handler
}

// New создает *chi.Mux с операциями huma и websocket-каналом
func New(deps Deps) *chi.Mux {
	mux := chi.NewMux()
	mux.Use(chimw.Recoverer)
	mux.Use(compress.Snappy(deps.Log))

	config := huma.DefaultConfig("FieldSync API", "1.0.0")
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearer": {Type: "http", Scheme: "bearer"},
	}

	API := humachi.New(mux, config)

	authMW := auth.New(deps.Access, deps.Log)
	h := handlers(deps, authMW)
	h.Health.SetupRoutes(API)
	h.Sync.SetupRoutes(API)

	mux.With(authMW.Handler).Get(wsPath, deps.Hub.Handler(deviceFromRequest).ServeHTTP)

	return mux
}

func handlers(deps Deps, authMW *auth.Auth) *Handlers {
	loggerMW := logger.New(deps.Log)
	middlewares := middleware.NewContainer()

	middlewares.Add(loggerMW.Middleware())
	healthHandler := healthAPI.NewHandler(deps.Log, deps.Hub, middlewares.GetAllAndClear())

	feedService := feed.NewService(deps.Feed, deps.Hub, deps.Log)
	middlewares.Add(loggerMW.Middleware())
	middlewares.Add(authMW.Middleware())
	syncHandler := syncAPI.NewHandler(feedService, deps.Log, middlewares.GetAllAndClear())

	return &Handlers{
		Health: healthHandler,
		Sync:   syncHandler,
	}
}

func deviceFromRequest(r *http.Request) string {
	deviceID, _ := auth.GetDeviceID(r.Context())
	return deviceID
}
