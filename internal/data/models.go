package data

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// BucketCapacity is the maximum number of messages a single ledger page
// ("bucket") holds. Once a page reaches capacity it is immutable and a new
// page with the next page number takes over appends.
const BucketCapacity = 50

// UserStatus carries the real-time presence fields shown in the sidebar.
type UserStatus struct {
	IsOnline bool      `bson:"is_online" json:"isOnline"`
	LastSeen time.Time `bson:"last_seen" json:"lastSeen"`
}

// User maps to the users collection.
type User struct {
	ID        bson.ObjectID `bson:"_id,omitempty" json:"id"`
	Username  string        `bson:"username" json:"username"`
	Email     string        `bson:"email" json:"email"`
	Password  string        `bson:"password" json:"-"`
	Avatar    string        `bson:"avatar,omitempty" json:"avatar,omitempty"`
	Status    UserStatus    `bson:"status" json:"status"`
	CreatedAt time.Time     `bson:"created_at" json:"-"`
	UpdatedAt time.Time     `bson:"updated_at" json:"-"`
}

// LastMessage is the denormalized preview stored on a conversation so the
// sidebar renders without touching the ledger.
type LastMessage struct {
	Text      string        `bson:"text" json:"text"`
	SenderID  bson.ObjectID `bson:"sender_id" json:"senderId"`
	Timestamp time.Time     `bson:"timestamp" json:"timestamp"`
	LogicalID bson.ObjectID `bson:"logical_id,omitempty" json:"-"`
}

// Conversation maps to the conversations collection — one document per
// unordered pair of users. Unread is keyed by participant id in hex; keys
// are always a subset of Participants.
type Conversation struct {
	ID              bson.ObjectID    `bson:"_id,omitempty" json:"id"`
	Participants    []bson.ObjectID  `bson:"participants" json:"participants"`
	ParticipantsKey string           `bson:"participants_key" json:"-"`
	LastMessage     *LastMessage     `bson:"last_message,omitempty" json:"lastMessage,omitempty"`
	Unread          map[string]int64 `bson:"unread,omitempty" json:"-"`
	CreatedAt       time.Time        `bson:"created_at" json:"createdAt"`
	UpdatedAt       time.Time        `bson:"updated_at" json:"updatedAt"`
}

// HasParticipant reports whether the user is currently a participant.
func (c *Conversation) HasParticipant(userID bson.ObjectID) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// UnreadFor returns the user's unread count, defaulting to 0 when the user
// has no counter (fresh conversation, or counter cleared on leave).
func (c *Conversation) UnreadFor(userID bson.ObjectID) int64 {
	if c.Unread == nil {
		return 0
	}
	return c.Unread[userID.Hex()]
}

// ParticipantsKey builds the canonical lookup key for an unordered user
// pair: both ids in hex, sorted, joined with ":". The unique index on this
// field is what stops two racing access calls from creating two
// conversations for the same pair.
func ParticipantsKey(a, b bson.ObjectID) string {
	ah, bh := a.Hex(), b.Hex()
	if ah > bh {
		ah, bh = bh, ah
	}
	return ah + ":" + bh
}

// Message is one entry inside a ledger page. ID identifies this owner's
// copy; LogicalID is shared by every participant's copy of the same send,
// and is what unsend matches on.
type Message struct {
	ID        bson.ObjectID `bson:"_id" json:"id"`
	LogicalID bson.ObjectID `bson:"logical_id,omitempty" json:"logicalId,omitempty"`
	SenderID  bson.ObjectID `bson:"sender_id" json:"senderId"`
	Text      string        `bson:"text" json:"text"`
	Timestamp time.Time     `bson:"timestamp" json:"timestamp"`
}

// MessageBucket maps to the message_buckets collection: one page of one
// owner's private copy of a conversation's history. Page numbering starts
// at 1; only the highest-numbered page accepts appends.
type MessageBucket struct {
	ID             bson.ObjectID `bson:"_id,omitempty"`
	ConversationID bson.ObjectID `bson:"conversation_id"`
	OwnerID        bson.ObjectID `bson:"owner_id"`
	Page           int32         `bson:"page"`
	Messages       []Message     `bson:"messages"`
	CreatedAt      time.Time     `bson:"created_at"`
	UpdatedAt      time.Time     `bson:"updated_at"`
}

// unreadField returns the dotted update path for one participant's counter.
func unreadField(userID bson.ObjectID) string {
	return strings.Join([]string{"unread", userID.Hex()}, ".")
}
