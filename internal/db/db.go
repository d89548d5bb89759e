// Package db manages the MongoDB connection and collection handles.
package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// Client wraps mongo.Client and exposes the collections the stores use.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
}

// New connects to MongoDB, verifies the connection with a ping and returns
// a Client bound to the aether_db database.
func New(ctx context.Context, mongoURI string) (*Client, error) {
	opts := options.Client().
		ApplyURI(mongoURI).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Client{
		client: client,
		db:     client.Database("aether_db"),
	}, nil
}

// UsersCollection returns the users collection.
func (c *Client) UsersCollection() *mongo.Collection {
	return c.db.Collection("users")
}

// ConversationsCollection returns the conversations collection
// (the conversation directory).
func (c *Client) ConversationsCollection() *mongo.Collection {
	return c.db.Collection("conversations")
}

// BucketsCollection returns the message_buckets collection
// (the per-owner message ledger pages).
func (c *Client) BucketsCollection() *mongo.Collection {
	return c.db.Collection("message_buckets")
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// CreateIndexes creates the indexes the stores rely on. Two of them are
// correctness requirements, not optimizations: the unique participants_key
// index is the tie-break for two racing access calls on the same user pair,
// and the unique (conversation_id, owner_id, page) index is the tie-break
// for two appends racing to create the same ledger page.
func (c *Client) CreateIndexes(ctx context.Context) error {
	userIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "username", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := c.UsersCollection().Indexes().CreateMany(ctx, userIndexes); err != nil {
		return fmt.Errorf("failed to create users indexes: %w", err)
	}

	convIndexes := []mongo.IndexModel{
		{
			// One conversation per unordered participant pair. Losing a
			// concurrent create surfaces as a duplicate key error, which the
			// directory resolves by re-reading the winner's document.
			Keys:    bson.D{{Key: "participants_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			// Sidebar query: all conversations containing a user, newest first.
			Keys: bson.D{{Key: "participants", Value: 1}, {Key: "updated_at", Value: -1}},
		},
	}
	if _, err := c.ConversationsCollection().Indexes().CreateMany(ctx, convIndexes); err != nil {
		return fmt.Errorf("failed to create conversations indexes: %w", err)
	}

	bucketIndexes := []mongo.IndexModel{
		{
			// Page lookups are always (conversation, owner) sorted by page;
			// uniqueness prevents two racing appends from both creating page N.
			Keys: bson.D{
				{Key: "conversation_id", Value: 1},
				{Key: "owner_id", Value: 1},
				{Key: "page", Value: -1},
			},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := c.BucketsCollection().Indexes().CreateMany(ctx, bucketIndexes); err != nil {
		return fmt.Errorf("failed to create message_buckets indexes: %w", err)
	}

	return nil
}
