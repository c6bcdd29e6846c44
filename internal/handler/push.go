package handler

import (
	"encoding/json"
	"net/http"

	"github.com/teammsg/internal/middleware"
	"github.com/teammsg/internal/push"
)

// PushHandler обрабатывает подписку на пуш-уведомления.
type PushHandler struct {
	store          PushStore
	vapidPublicKey string
}

func NewPushHandler(store PushStore, vapidPublicKey string) *PushHandler {
	return &PushHandler{store: store, vapidPublicKey: vapidPublicKey}
}

// VAPIDKey отдаёт публичный VAPID-ключ для PushManager.subscribe() на фронте.
func (h *PushHandler) VAPIDKey(w http.ResponseWriter, r *http.Request) {
	if h.vapidPublicKey == "" {
		writeError(w, http.StatusNotFound, "push is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.vapidPublicKey})
}

// SubscribeRequest — тело от фронта (subscription из PushManager.getSubscription()).
type SubscribeRequest struct {
	Subscription push.Subscription `json:"subscription"`
}

// Subscribe сохраняет подписку текущего пользователя.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Subscription.Endpoint == "" || req.Subscription.Keys.P256dh == "" || req.Subscription.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "subscription.endpoint and subscription.keys required")
		return
	}
	if err := h.store.Save(r.Context(), userID, req.Subscription); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnsubscribeRequest — тело для отписки по endpoint.
type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// Unsubscribe удаляет подписку.
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err := h.store.Delete(r.Context(), userID, req.Endpoint); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to unsubscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
