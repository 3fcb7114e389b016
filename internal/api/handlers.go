package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"healthmate/internal/auth"
	"healthmate/internal/chat"
	"healthmate/internal/content"
	"healthmate/internal/friends"
	"healthmate/internal/models"
	"healthmate/internal/push"

	webpush "github.com/SherClockHolmes/webpush-go"
)

type UserDirectory interface {
	GetUser(id string) (models.User, error)
}

// OnlineLister is the read side of the presence registry.
type OnlineLister interface {
	Online() []string
}

type API struct {
	auth     *auth.AuthService
	users    UserDirectory
	friends  *friends.Service
	chat     *chat.Service
	presence OnlineLister
	push     *push.Relay
	log      *slog.Logger
}

func New(
	authService *auth.AuthService,
	users UserDirectory,
	friendService *friends.Service,
	chatService *chat.Service,
	presence OnlineLister,
	pushRelay *push.Relay,
	log *slog.Logger,
) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{
		auth:     authService,
		users:    users,
		friends:  friendService,
		chat:     chatService,
		presence: presence,
		push:     pushRelay,
		log:      log.With("component", "api"),
	}
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest

	// Support both JSON and Form (the login page posts x-www-form-urlencoded)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := decodeJSON(w, r, &req); err != nil {
			WriteDomainError(w, err)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "Failed to parse form")
			return
		}
		req.Email = r.FormValue("email")
		req.Password = r.FormValue("password")
	}

	loginResp, userID := a.auth.Login(req)
	if !loginResp.Success {
		WriteJSON(w, http.StatusUnauthorized, loginResp)
		return
	}
	a.log.Info("user logged in", "user_id", userID)

	http.SetCookie(w, &http.Cookie{
		Name:     auth.TokenCookie,
		Value:    loginResp.Token,
		HttpOnly: true,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(loginResp.TokenExpiry, 0),
	})
	WriteJSON(w, http.StatusOK, loginResp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := auth.TokenFromRequest(r); token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.TokenCookie,
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	WriteJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request, me models.User) {
	WriteJSON(w, http.StatusOK, me)
}

func (a *API) ListFriendsHandler(w http.ResponseWriter, r *http.Request, me models.User) {
	list, err := a.friends.ListAcceptedFriends(me.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"friends": list})
}

func (a *API) ListFriendRequestsHandler(w http.ResponseWriter, r *http.Request, me models.User) {
	list, err := a.friends.ListPendingIncoming(me.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"requests": list})
}

func (a *API) FriendsOverviewHandler(w http.ResponseWriter, r *http.Request, me models.User) {
	overview, err := a.friends.Overview(me.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, overview)
}

func (a *API) SendFriendRequestHandler(w http.ResponseWriter, r *http.Request, me models.User) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		WriteDomainError(w, err)
		return
	}

	created, err := a.friends.SendRequest(me.ID, req.Email)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, created)
}

func (a *API) AcceptFriendRequestHandler(w http.ResponseWriter, r *http.Request, me models.User) {
	edge, err := a.friends.AcceptRequest(r.PathValue("id"), me.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, edge)
}

func (a *API) ListConversationsHandler(w http.ResponseWriter, r *http.Request, me models.User) {
	list, err := a.chat.ListForUser(me.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

// CreateConversationHandler creates or returns the conversation between two
// emails. The caller must be one of them.
func (a *API) CreateConversationHandler(w http.ResponseWriter, r *http.Request, me models.User) {
	var req struct {
		UserEmail   string `json:"userEmail"`
		FriendEmail string `json:"friendEmail"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		WriteDomainError(w, err)
		return
	}

	if strings.TrimSpace(req.UserEmail) == "" {
		req.UserEmail = me.Email
	}
	if models.NormalizeEmail(req.UserEmail) != me.Email {
		WriteDomainError(w, models.ErrForbidden)
		return
	}

	conv, err := a.chat.FindOrCreateByEmails(req.UserEmail, req.FriendEmail)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, conv)
}

// participantConversation loads the conversation in the path and checks the
// caller belongs to it.
func (a *API) participantConversation(w http.ResponseWriter, r *http.Request, me models.User) (models.Conversation, bool) {
	conv, err := a.chat.Conversation(r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return models.Conversation{}, false
	}
	if !conv.HasParticipant(me.ID) {
		WriteDomainError(w, models.ErrForbidden)
		return models.Conversation{}, false
	}
	return conv, true
}

type MessageView struct {
	models.Message
	HTML string `json:"html"`
}

func (a *API) ListMessagesHandler(w http.ResponseWriter, r *http.Request, me models.User) {
	conv, ok := a.participantConversation(w, r, me)
	if !ok {
		return
	}

	msgs, err := a.chat.ListForConversation(conv.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		html, err := content.RenderMarkdown(m.Content)
		if err != nil {
			a.log.Warn("render message", "message_id", m.ID, "error", err)
			html = content.Sanitize(m.Content)
		}
		views = append(views, MessageView{Message: m, HTML: html})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"messages": views})
}

func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request, me models.User) {
	conv, ok := a.participantConversation(w, r, me)
	if !ok {
		return
	}

	var req struct {
		MessageIDs []string `json:"messageIds"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		WriteDomainError(w, err)
		return
	}

	changed, err := a.chat.MarkRead(conv.ID, me.ID, req.MessageIDs)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"conversationId": conv.ID, "messageIds": changed})
}

func (a *API) CreateMessageHandler(w http.ResponseWriter, r *http.Request, me models.User) {
	var req struct {
		ConversationID string `json:"conversationId"`
		Content        string `json:"content"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		WriteDomainError(w, err)
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		WriteDomainError(w, models.NewValidationError(map[string]string{"conversationId": "required"}))
		return
	}

	msg, err := a.chat.Send(req.ConversationID, me.ID, req.Content)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, msg)
}

func (a *API) OnlineUsersHandler(w http.ResponseWriter, r *http.Request, _ models.User) {
	WriteJSON(w, http.StatusOK, map[string]any{"online": a.presence.Online()})
}

func (a *API) PushKeyHandler(w http.ResponseWriter, r *http.Request) {
	if !a.push.Enabled() {
		WriteError(w, http.StatusNotFound, "push_disabled", "Push notifications are not configured")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"publicKey": a.push.PublicKey()})
}

func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request, me models.User) {
	if !a.push.Enabled() {
		WriteError(w, http.StatusNotFound, "push_disabled", "Push notifications are not configured")
		return
	}

	var sub webpush.Subscription
	if err := decodeJSON(w, r, &sub); err != nil {
		WriteDomainError(w, err)
		return
	}
	if err := a.push.Subscribe(me.ID, sub); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, models.APIResponse{Success: true})
}
