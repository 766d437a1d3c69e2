package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"gridterm/internal/keys"
	"gridterm/internal/models"
	"gridterm/internal/repository"
)

// KeyHandler отвечает за управление виртуальными ключами
//
// Сырые секреты приходят только в телах POST запросов и сразу уходят
// в реестр на шифрование; в ответах ключи отдаются без секретных
// полей (зашифрованные поля исключены из JSON на уровне модели).
type KeyHandler struct {
	service KeyService
}

// NewKeyHandler создает новый KeyHandler
func NewKeyHandler(service KeyService) *KeyHandler {
	return &KeyHandler{service: service}
}

type createKeyRequest struct {
	UserID     string `json:"user_id"`
	Exchange   string `json:"exchange"`
	KeyFamily  string `json:"key_family"`
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
}

type rotateKeyRequest struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
}

type updatePermissionsRequest struct {
	Permissions string `json:"permissions"`
}

// CreateKey регистрирует виртуальный ключ
// POST /api/v1/keys
func (h *KeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "user_id must be a UUID")
		return
	}

	key, err := h.service.CreateVirtualKey(userID, req.Exchange,
		models.KeyFamily(req.KeyFamily), req.APIKey, req.APISecret, req.Passphrase)
	if err != nil {
		h.respondKeyError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, key)
}

// ListKeys возвращает виртуальные ключи пользователя
// GET /api/v1/keys?user_id=...
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "user_id must be a UUID")
		return
	}

	list, err := h.service.ListVirtualKeys(userID)
	if err != nil {
		h.respondKeyError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, SuccessResponse{Data: list})
}

// UpdatePermissions меняет права виртуального ключа
// PATCH /api/v1/keys/{id}/permissions
func (h *KeyHandler) UpdatePermissions(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "key id must be a UUID")
		return
	}

	var req updatePermissionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}

	key, err := h.service.UpdateVirtualKeyPermissions(id, req.Permissions)
	if err != nil {
		h.respondKeyError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, key)
}

// RotateKey заменяет материал виртуального ключа
// POST /api/v1/keys/{id}/rotate
func (h *KeyHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "key id must be a UUID")
		return
	}

	var req rotateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}

	if err := h.service.RotateVirtualKey(id, req.APIKey, req.APISecret, req.Passphrase); err != nil {
		h.respondKeyError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, SuccessResponse{Message: "key rotated"})
}

// DeactivateKey отзывает виртуальный ключ
// DELETE /api/v1/keys/{id}
func (h *KeyHandler) DeactivateKey(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "key id must be a UUID")
		return
	}

	if err := h.service.DeactivateVirtualKey(id); err != nil {
		h.respondKeyError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, SuccessResponse{Message: "key deactivated"})
}

// respondKeyError переводит ошибки реестра в HTTP статусы
func (h *KeyHandler) respondKeyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, keys.ErrExchangeNotSupported):
		respondError(w, http.StatusBadRequest, "exchange_not_supported", err.Error())
	case errors.Is(err, keys.ErrUnknownFamily):
		respondError(w, http.StatusBadRequest, "unknown_key_family", err.Error())
	case errors.Is(err, keys.ErrInvalidKeyMaterial):
		respondError(w, http.StatusBadRequest, "invalid_key_material", err.Error())
	case errors.Is(err, repository.ErrVirtualKeyExists):
		respondError(w, http.StatusConflict, "key_exists", err.Error())
	case errors.Is(err, repository.ErrVirtualKeyNotFound):
		respondError(w, http.StatusNotFound, "key_not_found", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}
