package main

import (
	"context"

	"github.com/aether-im/aether/internal/auth"
	"github.com/aether-im/aether/internal/chat"
	"github.com/aether-im/aether/internal/data"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

// apiServer bundles the stores, the delivery engine, the hub and auth for
// the HTTP and websocket handlers.
type apiServer struct {
	users *data.UsersStore
	chat  *chat.Service
	hub   *Hub
	auth  *auth.JWTManager
	log   *zap.Logger

	corsOrigin string
}

// newAPIServer returns a ready-to-use server wired with its collaborators.
func newAPIServer(users *data.UsersStore, svc *chat.Service, hub *Hub, jwtMgr *auth.JWTManager, log *zap.Logger, corsOrigin string) *apiServer {
	return &apiServer{users: users, chat: svc, hub: hub, auth: jwtMgr, log: log, corsOrigin: corsOrigin}
}

// messagePayload is the wire form of a delivered message.
type messagePayload struct {
	ChatID  string       `json:"chatId"`
	Message data.Message `json:"message"`
}

// fanoutMessage pushes a persisted message to the conversation's room
// (excluding the originating connection, which reconciles through its ack)
// and a lighter sidebar update to every participant's connections that are
// not viewing the conversation.
func (s *apiServer) fanoutMessage(ctx context.Context, convID bson.ObjectID, msg data.Message, excludeConnID string) {
	chatID := convID.Hex()
	payload := messagePayload{ChatID: chatID, Message: msg}

	s.hub.BroadcastRoom(chatID, Event{Type: "receive_message", Data: payload}, excludeConnID)

	conv, err := s.chat.Conversation(ctx, convID)
	if err != nil {
		s.log.Warn("sidebar fan-out skipped: conversation lookup failed",
			zap.String("conversation_id", chatID), zap.Error(err))
		return
	}
	for _, p := range conv.Participants {
		s.hub.SendToUserOutsideRoom(p.Hex(), chatID, Event{Type: "sidebar_update", Data: payload})
	}
}

// deletionPayload is the wire form of an unsend notification.
type deletionPayload struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

// fanoutUnsend tells every open view of the conversation to drop the
// message; when the preview was replaced with the tombstone it also pushes
// a sidebar update so closed views refresh their preview line.
func (s *apiServer) fanoutUnsend(ctx context.Context, convID, messageID bson.ObjectID, tombstoneSet bool, excludeConnID string) {
	chatID := convID.Hex()
	payload := deletionPayload{ChatID: chatID, MessageID: messageID.Hex()}

	s.hub.BroadcastRoom(chatID, Event{Type: "message_deleted", Data: payload}, excludeConnID)

	if !tombstoneSet {
		return
	}
	conv, err := s.chat.Conversation(ctx, convID)
	if err != nil {
		s.log.Warn("tombstone fan-out skipped: conversation lookup failed",
			zap.String("conversation_id", chatID), zap.Error(err))
		return
	}
	for _, p := range conv.Participants {
		s.hub.SendToUserOutsideRoom(p.Hex(), chatID, Event{Type: "sidebar_update", Data: payload})
	}
}
