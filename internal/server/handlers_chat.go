package server

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/hai-labs/haigate/internal/chat"
	"github.com/hai-labs/haigate/internal/ctxutil"
	"github.com/hai-labs/haigate/internal/model"
	"github.com/hai-labs/haigate/internal/stream"
)

// noticeHeader carries the moderation notice of a masked message. Streams
// have no envelope, so the notice travels as a URL-escaped header.
const noticeHeader = "X-Moderation-Notice"

// HandleAgentChat handles POST /v1/agent/chat. A message resolved to a
// tool action is answered with JSON; one that needs generation streams
// when the caller asked for it and is collected into JSON otherwise.
func (h *Handlers) HandleAgentChat(w http.ResponseWriter, r *http.Request) {
	req, a, ok := h.admitChat(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	d, err := h.chat.Route(ctx, a)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !d.Kind.Streams() {
		writeJSON(w, r, http.StatusOK, d.Action)
		return
	}
	if !req.Stream {
		reply, err := h.chat.CollectDecision(ctx, d, a)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, reply)
		return
	}
	h.serveStream(w, r, func(emit stream.Emitter) error {
		return h.chat.StreamDecision(ctx, d, a, emit)
	})
}

// HandleDirectChat handles POST /v1/chat: an unbuffered completion without
// stored history.
func (h *Handlers) HandleDirectChat(w http.ResponseWriter, r *http.Request) {
	var req model.ChatRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateMessage(req.Message); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	opts := chat.DirectOptions{
		System:      req.System,
		Context:     req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if err := chat.ValidateDirect(opts); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	a, ok := h.admit(w, r, req.Message)
	if !ok {
		return
	}
	h.serveStream(w, r, func(emit stream.Emitter) error {
		return h.chat.Direct(r.Context(), a, opts, emit)
	})
}

// HandlePersonChat handles POST /v1/persons/{person_id}/chat.
func (h *Handlers) HandlePersonChat(w http.ResponseWriter, r *http.Request) {
	_, a, ok := h.admitChat(w, r)
	if !ok {
		return
	}
	personID := r.PathValue("person_id")
	h.serveStream(w, r, func(emit stream.Emitter) error {
		return h.chat.PersonChat(r.Context(), a, personID, emit)
	})
}

// HandleChatbotChat handles POST /v1/chatbot/chat.
func (h *Handlers) HandleChatbotChat(w http.ResponseWriter, r *http.Request) {
	_, a, ok := h.admitChat(w, r)
	if !ok {
		return
	}
	h.serveStream(w, r, func(emit stream.Emitter) error {
		return h.chat.ChatbotChat(r.Context(), a, emit)
	})
}

// HandleKnowledgeSearch handles POST /v1/knowledge/search.
func (h *Handlers) HandleKnowledgeSearch(w http.ResponseWriter, r *http.Request) {
	var req model.KnowledgeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateMessage(req.Query); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query: "+err.Error())
		return
	}
	if req.TopK < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "top_k must not be negative")
		return
	}

	a, ok := h.admit(w, r, req.Query)
	if !ok {
		return
	}
	h.serveStream(w, r, func(emit stream.Emitter) error {
		return h.chat.Knowledge(r.Context(), a, req.TopK, emit)
	})
}

// admitChat decodes a chat request and runs its message through
// moderation. It writes the response and returns false when the request
// cannot proceed.
func (h *Handlers) admitChat(w http.ResponseWriter, r *http.Request) (model.ChatRequest, chat.Admission, bool) {
	var req model.ChatRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return req, chat.Admission{}, false
	}
	if err := model.ValidateMessage(req.Message); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return req, chat.Admission{}, false
	}
	a, ok := h.admit(w, r, req.Message)
	return req, a, ok
}

func (h *Handlers) admit(w http.ResponseWriter, r *http.Request, message string) (chat.Admission, bool) {
	a, err := h.chat.Admit(r.Context(), ctxutil.UserID(r.Context()), message)
	if err != nil {
		h.writeServiceError(w, r, err)
		return chat.Admission{}, false
	}
	if a.Notice != nil {
		w.Header().Set(noticeHeader, url.QueryEscape(*a.Notice))
	}
	return a, true
}

// serveStream runs an operation against an SSE writer. Errors raised before
// the first event become a JSON error response; later ones were already
// reported in the stream.
func (h *Handlers) serveStream(w http.ResponseWriter, r *http.Request, run func(stream.Emitter) error) {
	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		h.writeInternalError(w, r, "streaming unsupported", err)
		return
	}

	err = run(sse.Emit)
	switch {
	case err == nil:
	case errors.Is(err, stream.ErrClientGone):
		h.logger.Debug("client disconnected mid-stream", "request_id", ctxutil.RequestID(r.Context()))
	case sse.Started():
		h.logger.Warn("stream ended with error", "error", err, "request_id", ctxutil.RequestID(r.Context()))
	default:
		h.writeServiceError(w, r, err)
	}
}
