// Package chat implements the history and delivery engine: it coordinates
// writes across the per-owner message ledger and the conversation
// directory so that unread counts, previews and each participant's private
// history stay consistent with one another.
package chat

import (
	"context"
	"time"

	"github.com/aether-im/aether/internal/data"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

// Tombstone replaces the sidebar preview text when the previewed message
// was unsent, so the preview never dangles on a deleted message.
const Tombstone = "message withdrawn"

// Directory is the conversation metadata store the engine writes through.
// Implementations return data.ErrConversationNotFound for unknown ids.
type Directory interface {
	Access(ctx context.Context, requesterID, otherID bson.ObjectID) (*data.Conversation, error)
	GetByID(ctx context.Context, id bson.ObjectID) (*data.Conversation, error)
	ListForUser(ctx context.Context, userID bson.ObjectID) ([]*data.Conversation, error)
	RecordIncomingMessage(ctx context.Context, convID bson.ObjectID, preview data.LastMessage, recipients []bson.ObjectID) error
	MarkRead(ctx context.Context, convID, userID bson.ObjectID) error
	RemoveParticipant(ctx context.Context, convID, userID bson.ObjectID) error
	ReplaceLastMessageText(ctx context.Context, convID, logicalID bson.ObjectID, timestamp time.Time, text string) (bool, error)
}

// Ledger is the per-owner bucket store. Implementations return
// data.ErrMessageNotFound when an owner has no copy of a message.
type Ledger interface {
	Append(ctx context.Context, convID, ownerID bson.ObjectID, msg data.Message) (data.Message, error)
	FetchAll(ctx context.Context, convID, ownerID bson.ObjectID) ([]data.Message, error)
	FindMessage(ctx context.Context, convID, ownerID, messageID bson.ObjectID) (*data.Message, error)
	DeleteByID(ctx context.Context, convID, ownerID, messageID bson.ObjectID) error
	DeleteByLogicalID(ctx context.Context, convID, logicalID bson.ObjectID) error
	DeleteByContent(ctx context.Context, convID, senderID bson.ObjectID, timestamp time.Time, text string) error
	DeleteAllForOwner(ctx context.Context, convID, ownerID bson.ObjectID) error
}

// Identity resolves user ids to display info for conversation views.
type Identity interface {
	GetManyByID(ctx context.Context, ids []bson.ObjectID) (map[bson.ObjectID]*data.User, error)
}

// Service orchestrates directory, ledger and identity lookups.
type Service struct {
	dir    Directory
	ledger Ledger
	users  Identity
	log    *zap.Logger
}

// NewService wires a Service.
func NewService(dir Directory, ledger Ledger, users Identity, log *zap.Logger) *Service {
	return &Service{dir: dir, ledger: ledger, users: users, log: log}
}

// ConversationView is a conversation as one requester sees it: participants
// resolved to display info and the unread map projected down to the
// requester's own count.
type ConversationView struct {
	ID           bson.ObjectID     `json:"id"`
	Participants []*data.User      `json:"participants"`
	LastMessage  *data.LastMessage `json:"lastMessage,omitempty"`
	Unread       int64             `json:"unreadCount"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// DeleteOutcome tags what a delete request turned into.
type DeleteOutcome string

const (
	// OutcomeUnsent: the requester was the sender; every participant's
	// copy was removed.
	OutcomeUnsent DeleteOutcome = "unsent"
	// OutcomeDeletedForMe: only the requester's own copy was removed.
	OutcomeDeletedForMe DeleteOutcome = "deleted_for_me"
)

// DeleteResult reports the outcome of DeleteMessage and whether the
// conversation preview was replaced with the tombstone.
type DeleteResult struct {
	Outcome      DeleteOutcome `json:"outcome"`
	TombstoneSet bool          `json:"tombstoneSet"`
}

// Access opens (or lazily creates) the conversation between requester and
// other. Whichever member of the pair had left is re-added to the
// participant set, no matter which side opens the conversation.
func (s *Service) Access(ctx context.Context, requesterID, otherID bson.ObjectID) (*ConversationView, error) {
	conv, err := s.dir.Access(ctx, requesterID, otherID)
	if err != nil {
		return nil, err
	}
	views, err := s.buildViews(ctx, requesterID, []*data.Conversation{conv})
	if err != nil {
		return nil, err
	}
	return views[0], nil
}

// List returns the requester's sidebar: every conversation they are in,
// most recently active first, each carrying only their own unread count.
func (s *Service) List(ctx context.Context, userID bson.ObjectID) ([]*ConversationView, error) {
	convs, err := s.dir.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.buildViews(ctx, userID, convs)
}

// buildViews resolves participant display info for a batch of
// conversations with a single identity lookup.
func (s *Service) buildViews(ctx context.Context, requesterID bson.ObjectID, convs []*data.Conversation) ([]*ConversationView, error) {
	idSet := map[bson.ObjectID]struct{}{}
	for _, c := range convs {
		for _, p := range c.Participants {
			idSet[p] = struct{}{}
		}
	}
	ids := make([]bson.ObjectID, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}

	usersByID, err := s.users.GetManyByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	views := make([]*ConversationView, 0, len(convs))
	for _, c := range convs {
		view := &ConversationView{
			ID:          c.ID,
			LastMessage: c.LastMessage,
			Unread:      c.UnreadFor(requesterID),
			UpdatedAt:   c.UpdatedAt,
		}
		for _, p := range c.Participants {
			if u, ok := usersByID[p]; ok {
				view.Participants = append(view.Participants, u)
			}
		}
		views = append(views, view)
	}
	return views, nil
}

// Conversation loads the raw directory record. The transport layer uses it
// to target fan-out at the current participant set.
func (s *Service) Conversation(ctx context.Context, id bson.ObjectID) (*data.Conversation, error) {
	return s.dir.GetByID(ctx, id)
}

// FetchHistory returns the requester's full copy of the conversation
// history and resets their unread counter. Only current participants may
// read; a leaver's stale client gets ErrNotParticipant, and the counter
// map never gains a key outside the participant set. The reset runs before
// the read so the window in which a racing send re-increments the counter
// stays small.
func (s *Service) FetchHistory(ctx context.Context, convID, userID bson.ObjectID) ([]data.Message, error) {
	conv, err := s.dir.GetByID(ctx, convID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	if err := s.dir.MarkRead(ctx, convID, userID); err != nil {
		return nil, err
	}
	return s.ledger.FetchAll(ctx, convID, userID)
}

// SendMessage appends one copy of the message to every current
// participant's ledger, updates the directory preview and unread counters,
// and returns the sender's persisted copy (the id the client reconciles
// its optimistic placeholder against).
//
// The timestamp is assigned once, truncated to milliseconds so it
// round-trips BSON unchanged, and shared by all copies; the logical id is
// likewise assigned once so unsend can match copies unambiguously.
//
// If the sender's own append fails the send fails. If a recipient's append
// fails after that, the persisted message is still returned together with
// a *PartialReplicationError: the missing copy is reconciled at read time
// instead of being rolled back.
func (s *Service) SendMessage(ctx context.Context, convID, senderID bson.ObjectID, text string) (data.Message, error) {
	conv, err := s.dir.GetByID(ctx, convID)
	if err != nil {
		return data.Message{}, err
	}
	if !conv.HasParticipant(senderID) {
		return data.Message{}, ErrNotParticipant
	}

	msg := data.Message{
		LogicalID: bson.NewObjectID(),
		SenderID:  senderID,
		Text:      text,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}

	senderCopy, err := s.ledger.Append(ctx, convID, senderID, msg)
	if err != nil {
		return data.Message{}, err
	}

	var failed []bson.ObjectID
	var firstErr error
	recipients := make([]bson.ObjectID, 0, len(conv.Participants)-1)
	for _, p := range conv.Participants {
		if p == senderID {
			continue
		}
		recipients = append(recipients, p)
		if _, err := s.ledger.Append(ctx, convID, p, msg); err != nil {
			failed = append(failed, p)
			if firstErr == nil {
				firstErr = err
			}
			s.log.Warn("recipient ledger copy not written",
				zap.String("conversation_id", convID.Hex()),
				zap.String("owner_id", p.Hex()),
				zap.Error(err),
			)
		}
	}

	preview := data.LastMessage{Text: msg.Text, SenderID: senderID, Timestamp: msg.Timestamp, LogicalID: msg.LogicalID}
	if err := s.dir.RecordIncomingMessage(ctx, convID, preview, recipients); err != nil {
		return senderCopy, err
	}

	if len(failed) > 0 {
		return senderCopy, &PartialReplicationError{
			ConversationID: convID,
			FailedOwners:   failed,
			First:          firstErr,
		}
	}
	return senderCopy, nil
}

// DeleteMessage handles both deletion modes. The requester must hold a
// copy of the message in their own ledger; which mode applies depends on
// whether they sent it:
//
//   - sender: unsend — every participant's copy is removed (matched by the
//     shared logical id; content match is the fallback for copies persisted
//     before logical ids), and if the conversation preview still pointed at
//     the message its text becomes the tombstone.
//   - anyone else: delete-for-me — only the requester's own copy goes.
func (s *Service) DeleteMessage(ctx context.Context, convID, requesterID, messageID bson.ObjectID) (DeleteResult, error) {
	msg, err := s.ledger.FindMessage(ctx, convID, requesterID, messageID)
	if err != nil {
		return DeleteResult{}, err
	}

	if msg.SenderID != requesterID {
		if err := s.ledger.DeleteByID(ctx, convID, requesterID, messageID); err != nil {
			return DeleteResult{}, err
		}
		return DeleteResult{Outcome: OutcomeDeletedForMe}, nil
	}

	if msg.LogicalID.IsZero() {
		err = s.ledger.DeleteByContent(ctx, convID, msg.SenderID, msg.Timestamp, msg.Text)
	} else {
		err = s.ledger.DeleteByLogicalID(ctx, convID, msg.LogicalID)
	}
	if err != nil {
		return DeleteResult{}, err
	}

	swapped, err := s.dir.ReplaceLastMessageText(ctx, convID, msg.LogicalID, msg.Timestamp, Tombstone)
	if err != nil {
		return DeleteResult{}, err
	}
	return DeleteResult{Outcome: OutcomeUnsent, TombstoneSet: swapped}, nil
}

// ClearHistory wipes the requester's own pages for the conversation.
// Other participants' pages, the directory entry and the participant set
// stay as they are; the next incoming message simply starts the requester
// a fresh page 1. Like reads, clearing requires current membership.
func (s *Service) ClearHistory(ctx context.Context, convID, userID bson.ObjectID) error {
	conv, err := s.dir.GetByID(ctx, convID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return ErrNotParticipant
	}
	return s.ledger.DeleteAllForOwner(ctx, convID, userID)
}

// LeaveConversation wipes the requester's pages and removes them from the
// participant set. The conversation document survives for the other
// participant; a later access between the same pair re-adds the leaver
// with empty history.
func (s *Service) LeaveConversation(ctx context.Context, convID, userID bson.ObjectID) error {
	if err := s.ledger.DeleteAllForOwner(ctx, convID, userID); err != nil {
		return err
	}
	return s.dir.RemoveParticipant(ctx, convID, userID)
}
