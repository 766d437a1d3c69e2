package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridterm/internal/api/handlers"
	"gridterm/internal/api/middleware"
	"gridterm/pkg/utils"
)

// Dependencies содержит зависимости для API handlers
type Dependencies struct {
	KeyService        handlers.KeyService
	ConnectionService handlers.ConnectionService
	Logger            *utils.Logger
}

// SetupRoutes настраивает HTTP маршруты операционной поверхности
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /keys/
//	│   ├── POST / - зарегистрировать виртуальный ключ
//	│   ├── GET /?user_id= - ключи пользователя
//	│   ├── PATCH /{id}/permissions - изменить права
//	│   ├── POST /{id}/rotate - заменить материал ключа
//	│   └── DELETE /{id} - отозвать ключ
//	├── /connections/
//	│   ├── GET /{exchange}/health - проверить живость клиента
//	│   └── POST /{exchange}/refresh - пересобрать клиента
//	└── /streams/
//	    └── DELETE /{exchange} - завершить сессию потока
//
// /health  - liveness
// /metrics - Prometheus
//
// Middleware: Recovery, Logging, CORS - ко всем маршрутам.
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.Logging(deps.Logger))
	router.Use(middleware.CORS)

	api := router.PathPrefix("/api/v1").Subrouter()

	if deps.KeyService != nil {
		keyHandler := handlers.NewKeyHandler(deps.KeyService)
		api.HandleFunc("/keys", keyHandler.CreateKey).Methods("POST")
		api.HandleFunc("/keys", keyHandler.ListKeys).Methods("GET")
		api.HandleFunc("/keys/{id}/permissions", keyHandler.UpdatePermissions).Methods("PATCH")
		api.HandleFunc("/keys/{id}/rotate", keyHandler.RotateKey).Methods("POST")
		api.HandleFunc("/keys/{id}", keyHandler.DeactivateKey).Methods("DELETE")
	}

	if deps.ConnectionService != nil {
		connHandler := handlers.NewConnectionHandler(deps.ConnectionService)
		api.HandleFunc("/connections/{exchange}/health", connHandler.CheckHealth).Methods("GET")
		api.HandleFunc("/connections/{exchange}/refresh", connHandler.Refresh).Methods("POST")
		api.HandleFunc("/streams/{exchange}", connHandler.DisconnectStream).Methods("DELETE")
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	return router
}
