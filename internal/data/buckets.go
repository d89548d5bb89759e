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

// ErrMessageNotFound is returned when an owner's ledger has no copy of the
// requested message. It covers both "never existed" and "already deleted".
var ErrMessageNotFound = errors.New("message not found")

// maxAppendRetries bounds how often Append re-resolves its target page
// after losing a capacity or page-creation race. Each retry re-runs the
// full resolution, so a small bound is plenty.
const maxAppendRetries = 5

// notFullFilter matches buckets with room for one more message: if the
// element at index capacity-1 does not exist, the array holds fewer than
// BucketCapacity entries.
var notFullFilter = fmt.Sprintf("messages.%d", BucketCapacity-1)

// BucketsStore is the per-owner message ledger. Each (conversation, owner)
// pair owns an independent sequence of pages; nothing outside that pair's
// operations ever writes to them, which is what makes delete-for-me and
// clear-history single-sided.
type BucketsStore struct {
	coll *mongo.Collection
}

// NewBucketsStore returns a BucketsStore using the given collection.
func NewBucketsStore(coll *mongo.Collection) *BucketsStore {
	return &BucketsStore{coll: coll}
}

// Append adds one message to the owner's highest-numbered page, creating
// the next page when that one is full. Only the newest page ever accepts
// appends: deletions may punch holes into older pages, but those pages are
// closed and never reopened, which keeps FetchAll's page-order
// concatenation chronological. The "not full" check and the push are a
// single findOneAndUpdate, so two concurrent appends cannot both take the
// last slot: the loser's filter no longer matches and it retries against
// the freshly-resolved page.
//
// The per-copy message id is assigned here, at persistence time.
func (s *BucketsStore) Append(ctx context.Context, convID, ownerID bson.ObjectID, msg Message) (Message, error) {
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		msg.ID = bson.NewObjectID()

		page, err := s.highestPage(ctx, convID, ownerID)
		if err != nil {
			return Message{}, err
		}

		if page > 0 {
			filter := bson.M{
				"conversation_id": convID,
				"owner_id":        ownerID,
				"page":            page,
				notFullFilter:     bson.M{"$exists": false},
			}
			update := bson.M{
				"$push": bson.M{"messages": msg},
				"$set":  bson.M{"updated_at": time.Now()},
			}
			opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

			var bucket MessageBucket
			err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&bucket)
			if err == nil {
				return msg, nil
			}
			if !errors.Is(err, mongo.ErrNoDocuments) {
				return Message{}, err
			}
			// The newest page is full (or a concurrent append just filled
			// it); fall through and open the next one.
		}

		// The unique page index turns a concurrent create of the same page
		// number into a duplicate key error, and we retry from the top.
		now := time.Now()
		_, err = s.coll.InsertOne(ctx, &MessageBucket{
			ConversationID: convID,
			OwnerID:        ownerID,
			Page:           page + 1,
			Messages:       []Message{msg},
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if err == nil {
			return msg, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return Message{}, err
		}
	}

	return Message{}, fmt.Errorf("append for owner %s: page race did not settle", ownerID.Hex())
}

// highestPage returns the owner's current highest page number, 0 when the
// owner has no pages yet.
func (s *BucketsStore) highestPage(ctx context.Context, convID, ownerID bson.ObjectID) (int32, error) {
	opts := options.FindOne().
		SetSort(bson.M{"page": -1}).
		SetProjection(bson.M{"page": 1})

	var bucket MessageBucket
	err := s.coll.FindOne(ctx, bson.M{"conversation_id": convID, "owner_id": ownerID}, opts).Decode(&bucket)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, err
	}
	return bucket.Page, nil
}

// FetchAll returns the owner's full history: all pages ascending by page
// number, messages concatenated in insertion order.
func (s *BucketsStore) FetchAll(ctx context.Context, convID, ownerID bson.ObjectID) ([]Message, error) {
	opts := options.Find().SetSort(bson.M{"page": 1})

	cursor, err := s.coll.Find(ctx, bson.M{"conversation_id": convID, "owner_id": ownerID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var buckets []MessageBucket
	if err := cursor.All(ctx, &buckets); err != nil {
		return nil, err
	}

	var messages []Message
	for _, b := range buckets {
		messages = append(messages, b.Messages...)
	}
	return messages, nil
}

// FindMessage locates the owner's copy of a message by id.
func (s *BucketsStore) FindMessage(ctx context.Context, convID, ownerID, messageID bson.ObjectID) (*Message, error) {
	var bucket MessageBucket
	err := s.coll.FindOne(ctx, bson.M{
		"conversation_id": convID,
		"owner_id":        ownerID,
		"messages._id":    messageID,
	}).Decode(&bucket)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}

	for i := range bucket.Messages {
		if bucket.Messages[i].ID == messageID {
			return &bucket.Messages[i], nil
		}
	}
	// The page matched but a concurrent pull removed the entry in between.
	return nil, ErrMessageNotFound
}

// DeleteByID removes one message from whichever of the owner's pages holds
// it. Absence is a no-op, not an error.
func (s *BucketsStore) DeleteByID(ctx context.Context, convID, ownerID, messageID bson.ObjectID) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"conversation_id": convID, "owner_id": ownerID, "messages._id": messageID},
		bson.M{"$pull": bson.M{"messages": bson.M{"_id": messageID}}},
	)
	return err
}

// DeleteByLogicalID removes every owner's copy of one logical message.
// Each owner's copy carries its own _id, but all copies of the same send
// share the logical id assigned at send time, so this is the unambiguous
// cross-owner match used by unsend.
func (s *BucketsStore) DeleteByLogicalID(ctx context.Context, convID, logicalID bson.ObjectID) error {
	_, err := s.coll.UpdateMany(ctx,
		bson.M{"conversation_id": convID, "messages.logical_id": logicalID},
		bson.M{"$pull": bson.M{"messages": bson.M{"logical_id": logicalID}}},
	)
	return err
}

// DeleteByContent removes matching messages across all owners' pages by
// (sender, timestamp, text). Retained for copies persisted before logical
// ids existed; the match is ambiguous when a sender repeats the same text
// within one millisecond, which is exactly why logical ids took over.
func (s *BucketsStore) DeleteByContent(ctx context.Context, convID, senderID bson.ObjectID, timestamp time.Time, text string) error {
	_, err := s.coll.UpdateMany(ctx,
		bson.M{"conversation_id": convID},
		bson.M{"$pull": bson.M{"messages": bson.M{
			"sender_id": senderID,
			"timestamp": timestamp,
			"text":      text,
		}}},
	)
	return err
}

// DeleteAllForOwner drops every page the owner has in this conversation.
// Used by clear-history and leave; other owners' pages are untouched.
func (s *BucketsStore) DeleteAllForOwner(ctx context.Context, convID, ownerID bson.ObjectID) error {
	_, err := s.coll.DeleteMany(ctx, bson.M{"conversation_id": convID, "owner_id": ownerID})
	return err
}
