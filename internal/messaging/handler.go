package messaging

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/fablink/messaging/internal/identity"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Handler exposes the REST surface of the messaging core. Every route runs
// behind the identity middleware; the caller is always taken from the request
// context, never from the body.
type Handler struct {
	store   Store
	router  *Router
	tracker *Tracker
	log     zerolog.Logger
}

func NewHandler(store Store, router *Router, tracker *Tracker, log zerolog.Logger) *Handler {
	return &Handler{
		store:   store,
		router:  router,
		tracker: tracker,
		log:     log,
	}
}

// Routes mounts the REST endpoints on r. The send limiter, when non-nil,
// guards only the message creation route.
func (h *Handler) Routes(r chi.Router, limiter *SendLimiter) {
	r.Get("/conversations", h.ListConversations)
	r.Get("/conversations/{id}/messages", h.ListMessages)
	r.Post("/conversations/{id}/read", h.MarkRead)
	r.Get("/unread-count", h.UnreadCount)

	if limiter != nil {
		r.With(limiter.Middleware).Post("/messages", h.SendMessage)
	} else {
		r.Post("/messages", h.SendMessage)
	}
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	callerID, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	convs, err := h.store.ListConversations(r.Context(), callerID)
	if err != nil {
		h.serverError(w, err, "listing conversations")
		return
	}

	summaries := make([]ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		unread, err := h.tracker.UnreadCount(r.Context(), callerID, conv.ID)
		if err != nil {
			h.serverError(w, err, "counting unread")
			return
		}
		summaries = append(summaries, ConversationSummary{Conversation: *conv, UnreadCount: unread})
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	callerID, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conversationID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	conv, err := h.store.ConversationByID(r.Context(), conversationID)
	if err != nil {
		h.mapError(w, err)
		return
	}
	if !conv.HasParticipant(callerID) {
		h.mapError(w, ErrNotParticipant)
		return
	}

	limit := queryInt(r, "limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	var msgs []*Message
	// after serves the catch-up fetch: everything newer than the last id the
	// client already holds, in order.
	if after := queryInt64(r, "after", -1); after >= 0 {
		msgs, err = h.store.ListMessagesAfter(r.Context(), conversationID, after, limit)
	} else {
		msgs, err = h.store.ListMessages(r.Context(), conversationID, limit, offset)
	}
	if err != nil {
		h.serverError(w, err, "listing messages")
		return
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	callerID, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	msg, created, err := h.router.Send(r.Context(), callerID, req)
	if err != nil {
		h.mapError(w, err)
		return
	}

	status := http.StatusCreated
	if !created {
		// Dedup hit: the canonical message, not a new one.
		status = http.StatusOK
	}
	writeJSON(w, status, msg)
}

type markReadRequest struct {
	UpToMessageID int64 `json:"up_to_message_id"`
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	callerID, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conversationID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.tracker.MarkRead(r.Context(), callerID, conversationID, req.UpToMessageID); err != nil {
		h.mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	callerID, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	count, err := h.tracker.TotalUnread(r.Context(), callerID)
	if err != nil {
		h.serverError(w, err, "counting total unread")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread_count": count})
}

// mapError translates the validation taxonomy to HTTP statuses. Anything
// outside it is a 500; transport-level trouble never reaches this path.
func (h *Handler) mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrEmptyContent), errors.Is(err, ErrSelfConversation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrPayloadTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.Is(err, ErrNotParticipant):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ErrConversationNotFound), errors.Is(err, ErrMessageNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		h.serverError(w, err, "handling request")
	}
}

func (h *Handler) serverError(w http.ResponseWriter, err error, msg string) {
	h.log.Error().Err(err).Msg(msg)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	val := r.URL.Query().Get(key)
	if val == "" {
		return def
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return def
	}
	return n
}
