package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/teammsg/internal/middleware"
	"github.com/teammsg/internal/unread"
)

// UnreadHandler — счётчик непрочитанного и отметка «прочитано».
type UnreadHandler struct {
	engine    *unread.Engine
	agg       *unread.Aggregator
	convStore ConversationStore
}

func NewUnreadHandler(engine *unread.Engine, agg *unread.Aggregator, convStore ConversationStore) *UnreadHandler {
	return &UnreadHandler{engine: engine, agg: agg, convStore: convStore}
}

// Count отдаёт суммарное число непрочитанных сообщений текущего пользователя
// как голое число. Ответ всегда свежий: счётчик опрашивается бейджем, любое
// кеширование показывает устаревшее значение.
func (h *UnreadHandler) Count(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	n, err := h.agg.CountUnread(r.Context(), currentUserID)
	if err != nil {
		writeUnreadError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%d", n)
}

type markReadResponse struct {
	MarkedRead int `json:"marked_read"`
}

// MarkRead отмечает все непрочитанные сообщения беседы прочитанными и
// возвращает число записанных отметок. Повторный вызов безопасен: 0.
func (h *UnreadHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	convID := chi.URLParam(r, "id")

	ok, err := h.convStore.IsParticipant(r.Context(), convID, currentUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !ok {
		// Несуществующая беседа — 404, существующая чужая — 403.
		if _, err := h.convStore.GetByID(r.Context(), convID); err != nil {
			writeUnreadError(w, err)
			return
		}
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	n, err := h.engine.MarkRead(r.Context(), convID, currentUserID)
	if err != nil {
		writeUnreadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, markReadResponse{MarkedRead: n})
}

// UnreadIDs отдаёт идентификаторы непрочитанных сообщений беседы.
func (h *UnreadHandler) UnreadIDs(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	convID := chi.URLParam(r, "id")

	ok, err := h.convStore.IsParticipant(r.Context(), convID, currentUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !ok {
		if _, err := h.convStore.GetByID(r.Context(), convID); err != nil {
			writeUnreadError(w, err)
			return
		}
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	ids, err := h.engine.CollectUnread(r.Context(), convID, currentUserID)
	if err != nil {
		writeUnreadError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, ids)
}
