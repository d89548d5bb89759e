package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ErrConversationNotFound is returned when no conversation matches the id.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationsStore is the conversation directory: participants, the
// denormalized last-message preview, per-participant unread counters and
// the updated_at sort key. All mutations are targeted field updates
// ($set/$inc/$pull on specific paths), never whole-document writes, so
// concurrent participants can mutate the same conversation safely without
// a conversation-level lock.
type ConversationsStore struct {
	coll *mongo.Collection
}

// NewConversationsStore returns a ConversationsStore using the given collection.
func NewConversationsStore(coll *mongo.Collection) *ConversationsStore {
	return &ConversationsStore{coll: coll}
}

// Access finds the conversation for the unordered pair {requester, other},
// creating it when absent. A member of the pair who previously left is
// re-added to the participant set no matter which side opens the
// conversation; the document itself is never recreated.
//
// Concurrent double-creation is resolved by the unique index on
// participants_key: the losing InsertOne fails with a duplicate key error
// and the loop re-reads the winner's document.
func (s *ConversationsStore) Access(ctx context.Context, requesterID, otherID bson.ObjectID) (*Conversation, error) {
	key := ParticipantsKey(requesterID, otherID)

	for attempt := 0; attempt < 3; attempt++ {
		var conv Conversation
		err := s.coll.FindOne(ctx, bson.M{"participants_key": key}).Decode(&conv)
		if err == nil {
			var missing []bson.ObjectID
			for _, id := range []bson.ObjectID{requesterID, otherID} {
				if !conv.HasParticipant(id) {
					missing = append(missing, id)
				}
			}
			if len(missing) == 0 {
				return &conv, nil
			}
			// Someone in the pair left earlier; accessing the conversation
			// puts them back into the set, whichever side opens it.
			opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
			err = s.coll.FindOneAndUpdate(ctx,
				bson.M{"_id": conv.ID},
				bson.M{"$addToSet": bson.M{"participants": bson.M{"$each": missing}}},
				opts,
			).Decode(&conv)
			if err != nil {
				return nil, err
			}
			return &conv, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}

		now := time.Now()
		conv = Conversation{
			Participants:    []bson.ObjectID{requesterID, otherID},
			ParticipantsKey: key,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		result, insertErr := s.coll.InsertOne(ctx, &conv)
		if insertErr == nil {
			conv.ID = result.InsertedID.(bson.ObjectID)
			return &conv, nil
		}
		if !mongo.IsDuplicateKeyError(insertErr) {
			return nil, insertErr
		}
		// Lost the create race; retry the read and use the winner's document.
	}

	return nil, fmt.Errorf("access conversation %s: create race did not settle", key)
}

// GetByID loads one conversation.
func (s *ConversationsStore) GetByID(ctx context.Context, id bson.ObjectID) (*Conversation, error) {
	var conv Conversation
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// ListForUser returns every conversation the user participates in, most
// recently active first.
func (s *ConversationsStore) ListForUser(ctx context.Context, userID bson.ObjectID) ([]*Conversation, error) {
	opts := options.Find().SetSort(bson.M{"updated_at": -1})

	cursor, err := s.coll.Find(ctx, bson.M{"participants": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var convs []*Conversation
	if err := cursor.All(ctx, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// RecordIncomingMessage sets the preview and sort key and bumps each
// recipient's unread counter, all in one update. The counters use $inc so
// two concurrent sends both land; there is no read-modify-write anywhere.
func (s *ConversationsStore) RecordIncomingMessage(ctx context.Context, convID bson.ObjectID, preview LastMessage, recipients []bson.ObjectID) error {
	set := bson.M{
		"last_message": preview,
		"updated_at":   time.Now(),
	}
	inc := bson.M{}
	for _, r := range recipients {
		inc[unreadField(r)] = 1
	}

	update := bson.M{"$set": set}
	if len(inc) > 0 {
		update["$inc"] = inc
	}

	result, err := s.coll.UpdateByID(ctx, convID, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// MarkRead zeroes the user's unread counter. Idempotent. The filter
// requires current membership: a non-participant's read must not mint an
// unread key, since unread keys stay a subset of participants.
func (s *ConversationsStore) MarkRead(ctx context.Context, convID, userID bson.ObjectID) error {
	result, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": convID, "participants": userID},
		bson.M{"$set": bson.M{unreadField(userID): 0}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// RemoveParticipant pulls the user from the participant set and drops their
// unread counter, keeping the unread keys a subset of participants. The
// conversation document persists for the remaining participant.
func (s *ConversationsStore) RemoveParticipant(ctx context.Context, convID, userID bson.ObjectID) error {
	result, err := s.coll.UpdateByID(ctx, convID, bson.M{
		"$pull":  bson.M{"participants": userID},
		"$unset": bson.M{unreadField(userID): ""},
	})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// ReplaceLastMessageText swaps the preview text if the stored preview
// still refers to the given message (set-if-matches, so a preview already
// overwritten by a newer send is left alone). The match uses the logical
// id when the message carries one; the timestamp match remains only for
// copies persisted before logical ids existed. Returns whether the swap
// happened.
func (s *ConversationsStore) ReplaceLastMessageText(ctx context.Context, convID, logicalID bson.ObjectID, timestamp time.Time, text string) (bool, error) {
	filter := bson.M{"_id": convID}
	if logicalID.IsZero() {
		filter["last_message.timestamp"] = timestamp
	} else {
		filter["last_message.logical_id"] = logicalID
	}

	result, err := s.coll.UpdateOne(ctx,
		filter,
		bson.M{"$set": bson.M{"last_message.text": text}},
	)
	if err != nil {
		return false, err
	}
	return result.ModifiedCount > 0, nil
}
