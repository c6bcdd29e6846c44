package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/teammsg/internal/event"
	"github.com/teammsg/internal/logger"
	"github.com/teammsg/internal/middleware"
	"github.com/teammsg/internal/model"
	"github.com/teammsg/internal/repository"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

type MessageHandler struct {
	msgStore  MessageStore
	convStore ConversationStore
	bus       *event.Bus
}

func NewMessageHandler(msgStore MessageStore, convStore ConversationStore, bus *event.Bus) *MessageHandler {
	return &MessageHandler{msgStore: msgStore, convStore: convStore, bus: bus}
}

type CreateMessageRequest struct {
	Content  string `json:"content"`
	FileURL  string `json:"file_url"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

// Create сохраняет сообщение и публикует message_created в шину. Новое
// сообщение не прочитано всеми участниками, кроме автора, — без каких-либо
// записей: отметок прочтения для него ещё нет.
func (h *MessageHandler) Create(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	convID := chi.URLParam(r, "id")

	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	if _, err := h.convStore.GetByID(r.Context(), convID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	ok, err := h.convStore.IsParticipant(r.Context(), convID, currentUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	m := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		AuthorID:       currentUserID,
		Content:        req.Content,
		FileURL:        req.FileURL,
		FileName:       req.FileName,
		FileSize:       req.FileSize,
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.Normalize(); err != nil {
		writeError(w, http.StatusBadRequest, "message needs text or a file")
		return
	}
	if err := h.msgStore.Create(r.Context(), m); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create message")
		return
	}

	participants, err := h.convStore.GetParticipantIDs(r.Context(), convID)
	if err != nil {
		// Сообщение уже записано; событие доставить некому — логируем и отвечаем успехом.
		logger.Errorf("message %s: load participants for event: %v", m.ID, err)
	} else {
		h.bus.Publish(event.MessageCreated(m, participants))
	}

	writeJSON(w, http.StatusCreated, m)
}

// List возвращает сообщения беседы, новые первыми.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	convID := chi.URLParam(r, "id")

	if _, err := h.convStore.GetByID(r.Context(), convID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	ok, err := h.convStore.IsParticipant(r.Context(), convID, currentUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	limit := queryInt(r, "limit", defaultMessageLimit)
	if limit <= 0 || limit > maxMessageLimit {
		limit = defaultMessageLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	messages, err := h.msgStore.GetConversationMessages(r.Context(), convID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}
