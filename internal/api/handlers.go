package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"astrales.app/chatsync/internal/auth"
	"astrales.app/chatsync/internal/core"
	"astrales.app/chatsync/internal/store"
)

type contextKey string

const userIDKey contextKey = "userID"

type APIHandler struct {
	accounts *auth.Accounts
	tokens   *auth.Tokens
	sessions *SessionManager
	hub      *EventHub
}

func NewAPIHandler(accounts *auth.Accounts, tokens *auth.Tokens,
	sessions *SessionManager, hub *EventHub) *APIHandler {
	return &APIHandler{
		accounts: accounts,
		tokens:   tokens,
		sessions: sessions,
		hub:      hub,
	}
}

// JWTAuthMiddleware admits requests carrying the token of a user with an open
// session. Browsers cannot set headers on websocket upgrades, so the token may
// also come from the token query parameter.
func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		userID, err := h.tokens.ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		if _, err = h.sessions.Get(userID); err != nil {
			http.Error(w, "Session expired, please log in again", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// session returns the session of the authenticated user, writing the error
// response when it is gone.
func (h *APIHandler) session(w http.ResponseWriter, r *http.Request) (*core.Session, bool) {
	userID, _ := r.Context().Value(userIDKey).(string)
	s, err := h.sessions.Get(userID)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return s, true
}

// writeError maps err to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, auth.ErrUsernameTaken):
		status = http.StatusConflict
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, core.ErrSessionClosed):
		status = http.StatusUnauthorized
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrRemoteUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		jww.ERROR.Printf("[API] %+v", err)
		http.Error(w, "Internal server error", status)
		return
	}
	jww.DEBUG.Printf("[API] %d: %v", status, err)
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		jww.WARN.Printf("[API] failed to encode response: %v", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *APIHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !decode(w, r, &req) {
		return
	}
	userID, err := h.accounts.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"userId": userID})
}

// LoginHandler authenticates the user, opens the session and returns its
// token.
func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !decode(w, r, &req) {
		return
	}
	userID, err := h.accounts.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := h.tokens.GenerateJWT(userID)
	if err != nil {
		jww.ERROR.Printf("[API] failed to generate token for %s: %+v", userID, err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	if _, err = h.sessions.Open(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "userId": userID})
}

func (h *APIHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(userIDKey).(string)
	if err := h.sessions.Close(r.Context(), userID); err != nil {
		jww.WARN.Printf("[API] logout of %s: %+v", userID, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.hub.Serve(w, r, s.UserID(), func(ctx context.Context, sig core.PresenceSignal) {
		if err := s.Signal(ctx, sig); err != nil {
			jww.DEBUG.Printf("[API] ignoring presence signal of %s: %v", s.UserID(), err)
		}
	})
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	conversations, err := s.Conversations()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversations)
}

func (h *APIHandler) OpenChatHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	messages, err := s.OpenChat(r.Context(), chi.URLParam(r, "partnerID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *APIHandler) CloseChatHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	conversations, err := s.BackToChats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversations)
}

func (h *APIHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	messages, err := s.Messages(chi.URLParam(r, "partnerID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// PostMessageHandler takes the flat message document form:
// {"type": "text", "text": "hi"} or {"type": "image", "fileRef": ...}.
func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req store.Message
	if !decode(w, r, &req) {
		return
	}
	msg, err := s.Send(r.Context(), chi.URLParam(r, "partnerID"), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	if msg == nil {
		http.Error(w, "Another message is being sent", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// DeleteMessageHandler deletes for the caller only unless scope=everyone.
func (h *APIHandler) DeleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	partnerID, messageID := chi.URLParam(r, "partnerID"), chi.URLParam(r, "messageID")

	var err error
	switch scope := r.URL.Query().Get("scope"); scope {
	case "", "me":
		err = s.DeleteForMe(partnerID, messageID)
	case "everyone":
		err = s.DeleteForEveryone(r.Context(), partnerID, messageID)
	default:
		http.Error(w, "Unknown delete scope "+scope, http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type PinRequest struct {
	MessageID string `json:"messageId"`
}

func (h *APIHandler) PinMessageHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req PinRequest
	if !decode(w, r, &req) {
		return
	}
	pin, err := s.PinMessage(r.Context(), chi.URLParam(r, "partnerID"), req.MessageID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pin)
}

func (h *APIHandler) UnpinMessageHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.UnpinMessage(r.Context(), chi.URLParam(r, "partnerID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPinHandler returns the pin of the chat, or null.
func (h *APIHandler) GetPinHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	pin, err := s.CurrentPin(chi.URLParam(r, "partnerID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pin)
}

func (h *APIHandler) TogglePinnedChatHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	pinned, err := s.TogglePinnedChat(chi.URLParam(r, "partnerID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"pinned": pinned})
}

type WallpaperRequest struct {
	URL string `json:"url"`
}

func (h *APIHandler) GetWallpaperHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	url, err := s.Wallpaper(r.Context(), chi.URLParam(r, "partnerID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*string{"url": url})
}

// SetWallpaperHandler sets the wallpaper of the chat; an empty url resets it.
func (h *APIHandler) SetWallpaperHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req WallpaperRequest
	if !decode(w, r, &req) {
		return
	}
	wp, err := s.SetWallpaper(r.Context(), chi.URLParam(r, "partnerID"), req.URL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wp)
}

func (h *APIHandler) PresenceSignalHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var sig core.PresenceSignal
	if !decode(w, r, &sig) {
		return
	}
	if err := s.Signal(r.Context(), sig); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *APIHandler) SearchUsersHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	users, err := s.SearchUsers(r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *APIHandler) GetUserHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	user, found := s.User(chi.URLParam(r, "userID"))
	if !found {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *APIHandler) PresenceTextHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	text, err := s.PresenceText(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (h *APIHandler) UpdateProfileHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var upd core.ProfileUpdate
	if !decode(w, r, &upd) {
		return
	}
	user, err := s.UpdateProfile(r.Context(), upd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type StartCallRequest struct {
	PartnerID string `json:"partnerId"`
}

type CallStateResponse struct {
	State core.CallState `json:"state"`
	Call  *store.Call    `json:"call"`
}

func (h *APIHandler) GetCallHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	state, call := s.CallState()
	writeJSON(w, http.StatusOK, CallStateResponse{State: state, Call: call})
}

func (h *APIHandler) StartCallHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req StartCallRequest
	if !decode(w, r, &req) {
		return
	}
	call, err := s.StartCall(r.Context(), req.PartnerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, call)
}

// CallActionHandler applies accept, decline, cancel or end.
func (h *APIHandler) CallActionHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	callID := chi.URLParam(r, "callID")

	var err error
	switch action := chi.URLParam(r, "action"); action {
	case "accept":
		err = s.AcceptCall(r.Context(), callID)
	case "decline":
		err = s.DeclineCall(r.Context(), callID)
	case "cancel":
		err = s.CancelCall(r.Context())
	case "end":
		err = s.EndCall(r.Context())
	default:
		http.Error(w, "Unknown call action "+action, http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	state, call := s.CallState()
	writeJSON(w, http.StatusOK, CallStateResponse{State: state, Call: call})
}
