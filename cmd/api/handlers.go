package main

import (
	"errors"
	"html"
	"net/http"
	"time"

	"github.com/aether-im/aether/internal/auth"
	"github.com/aether-im/aether/internal/chat"
	"github.com/aether-im/aether/internal/data"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

// tokenTTL matches the cookie lifetime: one week, as the frontend expects.
const tokenTTL = 7 * 24 * time.Hour

// respondError maps engine/store errors onto HTTP statuses. Not-found and
// permission conditions are client errors; everything else is logged and
// hidden behind a 500.
func (s *apiServer) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, data.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "conversation not found"})
	case errors.Is(err, data.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "message not found"})
	case errors.Is(err, data.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "user not found"})
	case errors.Is(err, chat.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"message": "not a participant of this conversation"})
	case errors.Is(err, data.ErrUserExists):
		c.JSON(http.StatusConflict, gin.H{"message": "user already exists"})
	default:
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "internal server error"})
	}
}

// setAuthCookie mirrors the token into an httpOnly cookie so browser
// clients don't have to store it themselves.
func (s *apiServer) setAuthCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteNoneMode)
	c.SetCookie("token", token, int(tokenTTL.Seconds()), "/", "", true, true)
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// register creates the account and logs the new user straight in.
func (s *apiServer) register(c *gin.Context) {
	var req registerRequest
	// BindBodyWith: the rate limiter already consumed the body through the
	// caching binding.
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil ||
		req.Username == "" || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "username, email and password are required"})
		return
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		s.respondError(c, err)
		return
	}

	user, err := s.users.Create(c.Request.Context(), req.Username, req.Email, hashed)
	if err != nil {
		s.respondError(c, err)
		return
	}

	token, _, err := s.auth.GenerateToken(user.ID, user.Username, user.Email)
	if err != nil {
		s.respondError(c, err)
		return
	}

	s.setAuthCookie(c, token)
	c.JSON(http.StatusCreated, gin.H{
		"id":       user.ID.Hex(),
		"username": user.Username,
		"email":    user.Email,
		"token":    token,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *apiServer) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "email and password are required"})
		return
	}

	user, err := s.users.GetByEmail(c.Request.Context(), req.Email)
	if err != nil {
		// Same body for unknown email and wrong password.
		c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid email or password"})
		return
	}
	if err := auth.CheckPassword(user.Password, req.Password); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid email or password"})
		return
	}

	if err := s.users.SetOnline(c.Request.Context(), user.ID, true); err != nil {
		s.log.Warn("failed to mark user online at login", zap.Error(err))
	}

	token, _, err := s.auth.GenerateToken(user.ID, user.Username, user.Email)
	if err != nil {
		s.respondError(c, err)
		return
	}

	s.setAuthCookie(c, token)
	c.JSON(http.StatusOK, gin.H{
		"id":       user.ID.Hex(),
		"username": user.Username,
		"email":    user.Email,
		"token":    token,
	})
}

func (s *apiServer) logout(c *gin.Context) {
	userID := userIDFrom(c)
	if err := s.users.SetOnline(c.Request.Context(), userID, false); err != nil {
		s.log.Warn("failed to mark user offline at logout", zap.Error(err))
	}

	c.SetSameSite(http.SameSiteNoneMode)
	c.SetCookie("token", "", -1, "/", "", true, true)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// searchUsers finds chat partners by username or email substring.
func (s *apiServer) searchUsers(c *gin.Context) {
	users, err := s.users.Search(c.Request.Context(), userIDFrom(c), c.Query("search"), 20)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if users == nil {
		users = []*data.User{}
	}
	c.JSON(http.StatusOK, users)
}

type updateProfileRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (s *apiServer) updateProfile(c *gin.Context) {
	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
		return
	}

	user, err := s.users.UpdateProfile(c.Request.Context(), userIDFrom(c), req.Username, req.Email)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

type updatePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (s *apiServer) updatePassword(c *gin.Context) {
	var req updatePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CurrentPassword == "" || req.NewPassword == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "current and new password are required"})
		return
	}

	userID := userIDFrom(c)
	user, err := s.users.GetByID(c.Request.Context(), userID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := auth.CheckPassword(user.Password, req.CurrentPassword); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "current password is incorrect"})
		return
	}

	hashed, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.users.UpdatePassword(c.Request.Context(), userID, hashed); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "password updated"})
}

// listChats returns the requester's sidebar.
func (s *apiServer) listChats(c *gin.Context) {
	views, err := s.chat.List(c.Request.Context(), userIDFrom(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if views == nil {
		views = []*chat.ConversationView{}
	}
	c.JSON(http.StatusOK, views)
}

type accessRequest struct {
	RecipientID string `json:"recipientId"`
}

// accessChat opens (or lazily creates) the conversation with the recipient.
func (s *apiServer) accessChat(c *gin.Context) {
	var req accessRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RecipientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "recipientId is required"})
		return
	}
	recipientID, err := bson.ObjectIDFromHex(req.RecipientID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid recipient id"})
		return
	}

	requesterID := userIDFrom(c)
	if recipientID == requesterID {
		c.JSON(http.StatusBadRequest, gin.H{"message": "cannot open a conversation with yourself"})
		return
	}

	view, err := s.chat.Access(c.Request.Context(), requesterID, recipientID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// chatIDParam parses the :chatID path segment.
func chatIDParam(c *gin.Context) (bson.ObjectID, bool) {
	id, err := bson.ObjectIDFromHex(c.Param("chatID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid chat id"})
		return bson.ObjectID{}, false
	}
	return id, true
}

// getMessages returns the requester's full history copy and, as a side
// effect, resets their unread counter.
func (s *apiServer) getMessages(c *gin.Context) {
	convID, ok := chatIDParam(c)
	if !ok {
		return
	}

	msgs, err := s.chat.FetchHistory(c.Request.Context(), convID, userIDFrom(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if msgs == nil {
		msgs = []data.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

// sendMessage is the request/response send path for clients without a live
// connection; fan-out still happens for everyone who has one.
func (s *apiServer) sendMessage(c *gin.Context) {
	convID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "text is required"})
		return
	}

	msg, err := s.chat.SendMessage(c.Request.Context(), convID, userIDFrom(c), html.EscapeString(req.Text))
	if err != nil && !chat.IsPartialReplication(err) {
		s.respondError(c, err)
		return
	}

	s.fanoutMessage(c.Request.Context(), convID, msg, "")

	body := gin.H{"message": msg}
	if err != nil {
		// The sender's copy is durable; report the degraded delivery
		// without failing the request.
		body["warning"] = "message stored but not replicated to every participant"
	}
	c.JSON(http.StatusCreated, body)
}

// deleteMessage handles both unsend and delete-for-me over plain HTTP.
func (s *apiServer) deleteMessage(c *gin.Context) {
	convID, ok := chatIDParam(c)
	if !ok {
		return
	}
	messageID, err := bson.ObjectIDFromHex(c.Param("messageID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid message id"})
		return
	}

	res, err := s.chat.DeleteMessage(c.Request.Context(), convID, userIDFrom(c), messageID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if res.Outcome == chat.OutcomeUnsent {
		s.fanoutUnsend(c.Request.Context(), convID, messageID, res.TombstoneSet, "")
	}
	c.JSON(http.StatusOK, res)
}

// clearHistory wipes only the requester's copies.
func (s *apiServer) clearHistory(c *gin.Context) {
	convID, ok := chatIDParam(c)
	if !ok {
		return
	}
	if err := s.chat.ClearHistory(c.Request.Context(), convID, userIDFrom(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "history cleared"})
}

// leaveChat removes the requester from the conversation and wipes their
// copies; the other participant keeps theirs.
func (s *apiServer) leaveChat(c *gin.Context) {
	convID, ok := chatIDParam(c)
	if !ok {
		return
	}
	if err := s.chat.LeaveConversation(c.Request.Context(), convID, userIDFrom(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "left conversation"})
}
