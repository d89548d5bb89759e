package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/aether-im/aether/internal/chat"
	"github.com/aether-im/aether/internal/data"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

const (
	// writeWait is how long a single write may take before the connection
	// is considered broken.
	writeWait = 10 * time.Second
	// pongWait is the idle timeout: a connection that hasn't answered a
	// ping within this window is treated as disconnected.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
	sendQueueSize  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin is enforced by the CORS middleware on the handshake request.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient is one websocket connection of one authenticated user.
// Writes go through the buffered send channel and a single writer
// goroutine; the read loop handles inbound events serially, which is what
// guarantees per-connection send ordering.
type wsClient struct {
	api    *apiServer
	conn   *websocket.Conn
	connID string
	userID bson.ObjectID
	send   chan Event
}

// SendEvent enqueues an event for the writer goroutine. A full queue means
// the client has stopped consuming; the hub drops the connection on error.
func (c *wsClient) SendEvent(ev Event) error {
	select {
	case c.send <- ev:
		return nil
	default:
		return fmt.Errorf("connection %s: send queue full", c.connID)
	}
}

// handleWS upgrades the request and runs the connection's lifecycle:
// register → presence broadcast → pumps → unregister → presence broadcast.
func (s *apiServer) handleWS(c *gin.Context) {
	userID := userIDFrom(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		api:    s,
		conn:   conn,
		connID: uuid.NewString(),
		userID: userID,
		send:   make(chan Event, sendQueueSize),
	}

	first := s.hub.Register(userID.Hex(), client.connID, client)
	if first {
		if err := s.users.SetOnline(c.Request.Context(), userID, true); err != nil {
			s.log.Warn("failed to mark user online", zap.String("user_id", userID.Hex()), zap.Error(err))
		}
		s.hub.BroadcastAll(Event{Type: "user_status_change", Data: gin.H{
			"userId":   userID.Hex(),
			"isOnline": true,
		}}, client.connID)
	}

	// The new connection always gets the full current online list.
	_ = client.SendEvent(Event{Type: "online_users_list", Data: s.hub.OnlineUserIDs()})

	go client.writePump()
	client.readPump()
}

// readPump consumes inbound events until the connection drops, then tears
// down presence state. Events are handled one at a time in arrival order.
func (c *wsClient) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var ev inboundEvent
		if err := c.conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.api.log.Info("websocket read error",
					zap.String("conn_id", c.connID), zap.Error(err))
			}
			return
		}
		c.dispatch(ev)
	}
}

// teardown unregisters the connection; if this was the user's last one the
// user goes offline with a fresh last-seen stamp and everyone else hears
// about it. Message persistence never depends on the sender's connection
// surviving, so there is nothing else to unwind.
// The send channel is never closed: a concurrent broadcast may still hold
// a reference to this client, and the writer goroutine exits on its own
// once the underlying connection is gone.
func (c *wsClient) teardown() {
	_ = c.conn.Close()

	userID, last := c.api.hub.Unregister(c.connID)
	if !last {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.api.users.SetOnline(ctx, c.userID, false); err != nil {
		c.api.log.Warn("failed to mark user offline", zap.String("user_id", userID), zap.Error(err))
	}
	c.api.hub.BroadcastAll(Event{Type: "user_status_change", Data: gin.H{
		"userId":   userID,
		"isOnline": false,
	}}, "")
}

// writePump is the connection's single writer: it drains the send queue
// and keeps the connection alive with periodic pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// inboundEvent is the envelope clients send; Data stays raw until the
// event type picks its payload shape.
type inboundEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type roomEvent struct {
	ChatID string `json:"chatId"`
}

type sendMessageEvent struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
	TempID string `json:"tempId"`
}

type typingEvent struct {
	ChatID string `json:"chatId"`
	Typing bool   `json:"typing"`
}

type deleteMessageEvent struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

func (c *wsClient) dispatch(ev inboundEvent) {
	switch ev.Type {
	case "join_chat":
		var payload roomEvent
		if err := json.Unmarshal(ev.Data, &payload); err == nil && payload.ChatID != "" {
			c.api.hub.JoinRoom(c.connID, payload.ChatID)
		}
	case "leave_chat":
		var payload roomEvent
		if err := json.Unmarshal(ev.Data, &payload); err == nil && payload.ChatID != "" {
			c.api.hub.LeaveRoom(c.connID, payload.ChatID)
		}
	case "send_message":
		c.handleSendMessage(ev.Data)
	case "typing":
		var payload typingEvent
		if err := json.Unmarshal(ev.Data, &payload); err == nil && payload.ChatID != "" {
			// Ephemeral: broadcast-only, never persisted.
			c.api.hub.BroadcastRoom(payload.ChatID, Event{Type: "typing_status", Data: payload}, c.connID)
		}
	case "delete_message":
		c.handleDeleteMessage(ev.Data)
	default:
		c.sendError(fmt.Sprintf("unknown event type %q", ev.Type))
	}
}

// handleSendMessage persists through the delivery engine, acks the sender
// with the durable id (replacing the client's optimistic placeholder) and
// fans the message out.
func (c *wsClient) handleSendMessage(raw json.RawMessage) {
	var payload sendMessageEvent
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.sendError("malformed send_message payload")
		return
	}
	convID, err := bson.ObjectIDFromHex(payload.ChatID)
	if err != nil {
		c.sendError("invalid chat id")
		return
	}
	if payload.Text == "" {
		c.sendError("message text required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg, err := c.api.chat.SendMessage(ctx, convID, c.userID, html.EscapeString(payload.Text))
	if err != nil && !chat.IsPartialReplication(err) {
		c.api.log.Info("send_message failed",
			zap.String("conversation_id", payload.ChatID),
			zap.String("user_id", c.userID.Hex()),
			zap.Error(err))
		c.sendError("failed to send message")
		return
	}
	if err != nil {
		// Partial replication: the sender's copy is durable, so the send
		// proceeds; the engine already logged the missing copies.
		c.api.log.Warn("message sent with partial replication", zap.Error(err))
	}

	_ = c.SendEvent(Event{Type: "message_ack", Data: gin.H{
		"tempId":    payload.TempID,
		"realId":    msg.ID.Hex(),
		"timestamp": msg.Timestamp,
	}})

	c.api.fanoutMessage(ctx, convID, msg, c.connID)
}

// handleDeleteMessage routes through the engine, which decides between
// unsend and delete-for-me; only an unsend is anyone else's business.
func (c *wsClient) handleDeleteMessage(raw json.RawMessage) {
	var payload deleteMessageEvent
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.sendError("malformed delete_message payload")
		return
	}
	convID, err := bson.ObjectIDFromHex(payload.ChatID)
	if err != nil {
		c.sendError("invalid chat id")
		return
	}
	messageID, err := bson.ObjectIDFromHex(payload.MessageID)
	if err != nil {
		c.sendError("invalid message id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := c.api.chat.DeleteMessage(ctx, convID, c.userID, messageID)
	if err != nil {
		if errors.Is(err, data.ErrMessageNotFound) {
			c.sendError("message not found")
		} else {
			c.api.log.Info("delete_message failed", zap.Error(err))
			c.sendError("failed to delete message")
		}
		return
	}

	if res.Outcome == chat.OutcomeUnsent {
		c.api.fanoutUnsend(ctx, convID, messageID, res.TombstoneSet, c.connID)
	}
}

func (c *wsClient) sendError(msg string) {
	_ = c.SendEvent(Event{Type: "error", Data: gin.H{"message": msg}})
}
