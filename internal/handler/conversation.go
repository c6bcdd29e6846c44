package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/teammsg/internal/middleware"
	"github.com/teammsg/internal/model"
	"github.com/teammsg/internal/repository"
	"github.com/teammsg/internal/unread"
)

type ConversationHandler struct {
	convStore ConversationStore
	msgStore  MessageStore
	agg       *unread.Aggregator
}

func NewConversationHandler(convStore ConversationStore, msgStore MessageStore, agg *unread.Aggregator) *ConversationHandler {
	return &ConversationHandler{convStore: convStore, msgStore: msgStore, agg: agg}
}

type CreateConversationRequest struct {
	Subject        string   `json:"subject"`
	ParticipantIDs []string `json:"participant_ids"`
}

type DirectConversationRequest struct {
	UserID string `json:"user_id"`
}

func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	currentUserID := middleware.GetUserID(r.Context())

	// Создатель всегда участник, даже если фронт его не прислал.
	participants := make([]string, 0, len(req.ParticipantIDs)+1)
	seen := map[string]bool{currentUserID: true}
	participants = append(participants, currentUserID)
	for _, uid := range req.ParticipantIDs {
		if _, err := uuid.Parse(uid); err != nil {
			writeError(w, http.StatusBadRequest, "invalid participant id")
			return
		}
		if seen[uid] {
			continue
		}
		seen[uid] = true
		participants = append(participants, uid)
	}

	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:        uuid.NewString(),
		Subject:   req.Subject,
		CreatedBy: currentUserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.convStore.Create(r.Context(), conv, participants); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	writeJSON(w, http.StatusCreated, model.ConversationSummary{
		Conversation: *conv,
		Participants: participants,
	})
}

// CreateDirect находит существующую личную беседу с пользователем или создаёт новую.
func (h *ConversationHandler) CreateDirect(w http.ResponseWriter, r *http.Request) {
	var req DirectConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	currentUserID := middleware.GetUserID(r.Context())
	if _, err := uuid.Parse(req.UserID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if req.UserID == currentUserID {
		writeError(w, http.StatusBadRequest, "cannot start a conversation with yourself")
		return
	}

	existing, err := h.convStore.FindDirectConversation(r.Context(), currentUserID, req.UserID)
	if err == nil {
		summary, err := h.summarize(r.Context(), *existing, currentUserID)
		if err != nil {
			writeUnreadError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}
	if !errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "failed to look up conversation")
		return
	}

	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:        uuid.NewString(),
		CreatedBy: currentUserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	participants := []string{currentUserID, req.UserID}
	if err := h.convStore.Create(r.Context(), conv, participants); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, model.ConversationSummary{
		Conversation: *conv,
		Participants: participants,
	})
}

// List возвращает беседы пользователя по убыванию активности, с участниками,
// последним сообщением и флагом непрочитанного (одним батч-запросом).
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	convs, err := h.convStore.GetUserConversations(r.Context(), currentUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	summaries := make([]model.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		participants, err := h.convStore.GetParticipantIDs(r.Context(), c.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load participants")
			return
		}
		last, err := h.msgStore.GetLastMessage(r.Context(), c.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load last message")
			return
		}
		summaries = append(summaries, model.ConversationSummary{
			Conversation: c,
			Participants: participants,
			LastMessage:  last,
		})
	}
	if err := h.agg.AnnotateUnread(r.Context(), currentUserID, summaries); err != nil {
		writeUnreadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	convID := chi.URLParam(r, "id")

	conv, err := h.convStore.GetByID(r.Context(), convID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
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
	summary, err := h.summarize(r.Context(), *conv, currentUserID)
	if err != nil {
		writeUnreadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Delete удаляет беседу. Разрешено любому участнику; сообщения и отметки
// прочтения уходят каскадом.
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
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
	if err := h.convStore.Delete(r.Context(), convID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandler) summarize(ctx context.Context, conv model.Conversation, userID string) (model.ConversationSummary, error) {
	participants, err := h.convStore.GetParticipantIDs(ctx, conv.ID)
	if err != nil {
		return model.ConversationSummary{}, err
	}
	last, err := h.msgStore.GetLastMessage(ctx, conv.ID)
	if err != nil {
		return model.ConversationSummary{}, err
	}
	summaries := []model.ConversationSummary{{
		Conversation: conv,
		Participants: participants,
		LastMessage:  last,
	}}
	if err := h.agg.AnnotateUnread(ctx, userID, summaries); err != nil {
		return model.ConversationSummary{}, err
	}
	return summaries[0], nil
}
