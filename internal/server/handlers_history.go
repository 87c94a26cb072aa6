package server

import (
	"net/http"

	"github.com/hai-labs/haigate/internal/ctxutil"
	"github.com/hai-labs/haigate/internal/history"
	"github.com/hai-labs/haigate/internal/model"
)

// HandlePersonHistory handles GET /v1/persons/{person_id}/history.
func (h *Handlers) HandlePersonHistory(w http.ResponseWriter, r *http.Request) {
	key, msgs, err := h.chat.History(r.Context(), ctxutil.UserID(r.Context()), r.PathValue("person_id"))
	h.writeHistory(w, r, key, msgs, err)
}

// HandleChatbotHistory handles GET /v1/chatbot/history.
func (h *Handlers) HandleChatbotHistory(w http.ResponseWriter, r *http.Request) {
	key, msgs, err := h.chat.ChatbotHistory(r.Context(), ctxutil.UserID(r.Context()))
	h.writeHistory(w, r, key, msgs, err)
}

func (h *Handlers) writeHistory(w http.ResponseWriter, r *http.Request, key history.Key, msgs []model.Message, err error) {
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, r, http.StatusOK, model.HistoryResponse{Key: key.String(), Messages: msgs})
}

// HandleDeletePersonHistory handles DELETE /v1/persons/{person_id}/history.
func (h *Handlers) HandleDeletePersonHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.DeleteHistory(r.Context(), ctxutil.UserID(r.Context()), r.PathValue("person_id")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandlePurgeHistory handles DELETE /v1/history. It removes every
// conversation of the caller and is called on logout.
func (h *Handlers) HandlePurgeHistory(w http.ResponseWriter, r *http.Request) {
	n, err := h.chat.PurgeUser(r.Context(), ctxutil.UserID(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.PurgeResponse{Deleted: n})
}

// HandleAdminPurge handles DELETE /admin/history?pattern=.
func (h *Handlers) HandleAdminPurge(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "pattern query parameter is required")
		return
	}
	n, err := h.chat.PurgePattern(r.Context(), pattern)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.Info("admin history purge", "pattern", pattern, "deleted", n,
		"request_id", ctxutil.RequestID(r.Context()))
	writeJSON(w, r, http.StatusOK, model.PurgeResponse{Deleted: n})
}
