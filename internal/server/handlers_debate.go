package server

import (
	"net/http"

	"github.com/hai-labs/haigate/internal/model"
)

// HandleDebateSummary handles POST /v1/debate/{room_id}/summary. It judges
// the stored transcript of a debate room.
func (h *Handlers) HandleDebateSummary(w http.ResponseWriter, r *http.Request) {
	var req model.DebateSummaryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	res, err := h.chat.DebateSummary(r.Context(), r.PathValue("room_id"), req.Topic)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}
