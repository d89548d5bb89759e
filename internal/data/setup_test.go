package data

import (
	"context"
	"os"
	"testing"

	"github.com/aether-im/aether/internal/db"
)

// testClient connects to the database named by MONGODB_URI, drops the
// collections under test and recreates the indexes. Tests are skipped when
// the variable is unset.
func testClient(t *testing.T) *db.Client {
	t.Helper()

	// no env loader; require MONGODB_URI set externally for integration tests
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set; skipping integration test")
	}

	ctx := context.Background()
	c, err := db.New(ctx, uri)
	if err != nil {
		t.Fatalf("db.New failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	_ = c.UsersCollection().Drop(ctx)
	_ = c.ConversationsCollection().Drop(ctx)
	_ = c.BucketsCollection().Drop(ctx)

	if err := c.CreateIndexes(ctx); err != nil {
		t.Fatalf("CreateIndexes failed: %v", err)
	}
	return c
}
