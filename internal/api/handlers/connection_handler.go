package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"gridterm/internal/keys"
	"gridterm/internal/pool"
)

// ConnectionHandler отвечает за операционные ручки соединений
//
// Получение соединений - внутренний вызов, наружу не выставляется;
// здесь только проверка живости, принудительная пересборка и
// завершение сессии потока.
type ConnectionHandler struct {
	service ConnectionService
}

// NewConnectionHandler создает новый ConnectionHandler
func NewConnectionHandler(service ConnectionService) *ConnectionHandler {
	return &ConnectionHandler{service: service}
}

// CheckHealth проверяет живость пулового клиента
// GET /api/v1/connections/{exchange}/health?user_id=...
func (h *ConnectionHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	exch := mux.Vars(r)["exchange"]
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "user_id must be a UUID")
		return
	}

	if err := h.service.CheckConnectionHealth(r.Context(), userID, exch); err != nil {
		h.respondConnError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, SuccessResponse{Message: "healthy"})
}

// Refresh принудительно пересобирает пуловый клиент
// POST /api/v1/connections/{exchange}/refresh?user_id=...
func (h *ConnectionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	exch := mux.Vars(r)["exchange"]
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "user_id must be a UUID")
		return
	}

	conn, err := h.service.RefreshConnection(r.Context(), userID, exch)
	if err != nil {
		h.respondConnError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, SuccessResponse{
		Message: "connection rebuilt",
		Data: map[string]interface{}{
			"exchange":   conn.Client.Exchange,
			"purpose":    conn.Client.Purpose,
			"key_family": conn.Client.KeyFamily,
			"created_at": conn.Client.CreatedAt,
		},
	})
}

// DisconnectStream завершает сессию приватного потока
// DELETE /api/v1/streams/{exchange}?user_id=...
func (h *ConnectionHandler) DisconnectStream(w http.ResponseWriter, r *http.Request) {
	exch := mux.Vars(r)["exchange"]
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "user_id must be a UUID")
		return
	}

	h.service.DisconnectStream(userID, exch)
	respondJSON(w, http.StatusOK, SuccessResponse{Message: "stream disconnected"})
}

// respondConnError переводит ошибки пула и реестра в HTTP статусы
func (h *ConnectionHandler) respondConnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, keys.ErrNoKeyOfFamily):
		respondError(w, http.StatusNotFound, "no_key_of_family", err.Error())
	case errors.Is(err, keys.ErrCredentialDecryptFailed):
		respondError(w, http.StatusConflict, "credential_decrypt_failed", err.Error())
	case errors.Is(err, pool.ErrHealthCheckFailed):
		respondError(w, http.StatusServiceUnavailable, "health_check_failed", err.Error())
	case errors.Is(err, pool.ErrConnectionBuildFailed):
		respondError(w, http.StatusBadGateway, "connection_build_failed", err.Error())
	case errors.Is(err, pool.ErrClientNotPooled):
		respondError(w, http.StatusNotFound, "client_not_pooled", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}
