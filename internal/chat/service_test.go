package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aether-im/aether/internal/data"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

// In-memory fakes implementing the same contracts as the Mongo stores,
// including page capacity, so the orchestration logic can be exercised
// without a database.

type fakeDirectory struct {
	mu    sync.Mutex
	convs map[bson.ObjectID]*data.Conversation
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{convs: map[bson.ObjectID]*data.Conversation{}}
}

func (d *fakeDirectory) Access(_ context.Context, requesterID, otherID bson.ObjectID) (*data.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := data.ParticipantsKey(requesterID, otherID)
	for _, c := range d.convs {
		if c.ParticipantsKey == key {
			for _, id := range []bson.ObjectID{requesterID, otherID} {
				if !c.HasParticipant(id) {
					c.Participants = append(c.Participants, id)
				}
			}
			cp := *c
			return &cp, nil
		}
	}

	now := time.Now()
	conv := &data.Conversation{
		ID:              bson.NewObjectID(),
		Participants:    []bson.ObjectID{requesterID, otherID},
		ParticipantsKey: key,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	d.convs[conv.ID] = conv
	cp := *conv
	return &cp, nil
}

func (d *fakeDirectory) GetByID(_ context.Context, id bson.ObjectID) (*data.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.convs[id]
	if !ok {
		return nil, data.ErrConversationNotFound
	}
	cp := *c
	return &cp, nil
}

func (d *fakeDirectory) ListForUser(_ context.Context, userID bson.ObjectID) ([]*data.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*data.Conversation
	for _, c := range d.convs {
		if c.HasParticipant(userID) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (d *fakeDirectory) RecordIncomingMessage(_ context.Context, convID bson.ObjectID, preview data.LastMessage, recipients []bson.ObjectID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.convs[convID]
	if !ok {
		return data.ErrConversationNotFound
	}
	p := preview
	c.LastMessage = &p
	c.UpdatedAt = time.Now()
	if c.Unread == nil {
		c.Unread = map[string]int64{}
	}
	for _, r := range recipients {
		c.Unread[r.Hex()]++
	}
	return nil
}

func (d *fakeDirectory) MarkRead(_ context.Context, convID, userID bson.ObjectID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.convs[convID]
	if !ok || !c.HasParticipant(userID) {
		return data.ErrConversationNotFound
	}
	if c.Unread != nil {
		c.Unread[userID.Hex()] = 0
	}
	return nil
}

func (d *fakeDirectory) RemoveParticipant(_ context.Context, convID, userID bson.ObjectID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.convs[convID]
	if !ok {
		return data.ErrConversationNotFound
	}
	var kept []bson.ObjectID
	for _, p := range c.Participants {
		if p != userID {
			kept = append(kept, p)
		}
	}
	c.Participants = kept
	delete(c.Unread, userID.Hex())
	return nil
}

func (d *fakeDirectory) ReplaceLastMessageText(_ context.Context, convID, logicalID bson.ObjectID, timestamp time.Time, text string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.convs[convID]
	if !ok || c.LastMessage == nil {
		return false, nil
	}
	if logicalID.IsZero() {
		if !c.LastMessage.Timestamp.Equal(timestamp) {
			return false, nil
		}
	} else if c.LastMessage.LogicalID != logicalID {
		return false, nil
	}
	c.LastMessage.Text = text
	return true, nil
}

type ledgerKey struct {
	conv, owner bson.ObjectID
}

type fakeLedger struct {
	mu    sync.Mutex
	pages map[ledgerKey][]*data.MessageBucket
	// failOwners makes Append fail for these owners, to exercise the
	// partial-replication path.
	failOwners map[bson.ObjectID]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{pages: map[ledgerKey][]*data.MessageBucket{}, failOwners: map[bson.ObjectID]bool{}}
}

func (l *fakeLedger) Append(_ context.Context, convID, ownerID bson.ObjectID, msg data.Message) (data.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failOwners[ownerID] {
		return data.Message{}, fmt.Errorf("append failed for owner %s", ownerID.Hex())
	}

	key := ledgerKey{convID, ownerID}
	pages := l.pages[key]
	msg.ID = bson.NewObjectID()

	if len(pages) == 0 || len(pages[len(pages)-1].Messages) >= data.BucketCapacity {
		next := int32(1)
		if len(pages) > 0 {
			next = pages[len(pages)-1].Page + 1
		}
		l.pages[key] = append(pages, &data.MessageBucket{
			ConversationID: convID,
			OwnerID:        ownerID,
			Page:           next,
			Messages:       []data.Message{msg},
		})
		return msg, nil
	}

	last := pages[len(pages)-1]
	last.Messages = append(last.Messages, msg)
	return msg, nil
}

func (l *fakeLedger) FetchAll(_ context.Context, convID, ownerID bson.ObjectID) ([]data.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []data.Message
	for _, b := range l.pages[ledgerKey{convID, ownerID}] {
		out = append(out, b.Messages...)
	}
	return out, nil
}

func (l *fakeLedger) FindMessage(_ context.Context, convID, ownerID, messageID bson.ObjectID) (*data.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.pages[ledgerKey{convID, ownerID}] {
		for i := range b.Messages {
			if b.Messages[i].ID == messageID {
				m := b.Messages[i]
				return &m, nil
			}
		}
	}
	return nil, data.ErrMessageNotFound
}

func (l *fakeLedger) DeleteByID(_ context.Context, convID, ownerID, messageID bson.ObjectID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.pages[ledgerKey{convID, ownerID}] {
		b.Messages = deleteWhere(b.Messages, func(m data.Message) bool { return m.ID == messageID })
	}
	return nil
}

func (l *fakeLedger) DeleteByLogicalID(_ context.Context, convID, logicalID bson.ObjectID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, pages := range l.pages {
		if key.conv != convID {
			continue
		}
		for _, b := range pages {
			b.Messages = deleteWhere(b.Messages, func(m data.Message) bool { return m.LogicalID == logicalID })
		}
	}
	return nil
}

func (l *fakeLedger) DeleteByContent(_ context.Context, convID, senderID bson.ObjectID, timestamp time.Time, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, pages := range l.pages {
		if key.conv != convID {
			continue
		}
		for _, b := range pages {
			b.Messages = deleteWhere(b.Messages, func(m data.Message) bool {
				return m.SenderID == senderID && m.Timestamp.Equal(timestamp) && m.Text == text
			})
		}
	}
	return nil
}

func (l *fakeLedger) DeleteAllForOwner(_ context.Context, convID, ownerID bson.ObjectID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pages, ledgerKey{convID, ownerID})
	return nil
}

func deleteWhere(msgs []data.Message, match func(data.Message) bool) []data.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if !match(m) {
			out = append(out, m)
		}
	}
	return out
}

type fakeIdentity struct {
	users map[bson.ObjectID]*data.User
}

func (f *fakeIdentity) GetManyByID(_ context.Context, ids []bson.ObjectID) (map[bson.ObjectID]*data.User, error) {
	out := map[bson.ObjectID]*data.User{}
	for _, id := range ids {
		if u, ok := f.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

type fixture struct {
	svc    *Service
	dir    *fakeDirectory
	ledger *fakeLedger
	alice  bson.ObjectID
	bob    bson.ObjectID
	carol  bson.ObjectID
}

func newFixture() *fixture {
	alice, bob, carol := bson.NewObjectID(), bson.NewObjectID(), bson.NewObjectID()
	identity := &fakeIdentity{users: map[bson.ObjectID]*data.User{
		alice: {ID: alice, Username: "alice", Email: "alice@example.com"},
		bob:   {ID: bob, Username: "bob", Email: "bob@example.com"},
		carol: {ID: carol, Username: "carol", Email: "carol@example.com"},
	}}
	dir := newFakeDirectory()
	ledger := newFakeLedger()
	return &fixture{
		svc:    NewService(dir, ledger, identity, zap.NewNop()),
		dir:    dir,
		ledger: ledger,
		alice:  alice,
		bob:    bob,
		carol:  carol,
	}
}

func TestAccessIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.svc.Access(ctx, f.alice, f.bob)
	require.NoError(t, err)
	second, err := f.svc.Access(ctx, f.alice, f.bob)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "same pair must resolve to the same conversation")
	assert.Len(t, first.Participants, 2)
	assert.Zero(t, first.Unread)
}

func TestSendMessageReplicatesAndCounts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	conv, err := f.svc.Access(ctx, f.alice, f.bob)
	require.NoError(t, err)

	sent, err := f.svc.SendMessage(ctx, conv.ID, f.alice, "hi")
	require.NoError(t, err)
	assert.False(t, sent.ID.IsZero(), "persisted copy must carry a durable id")
	assert.False(t, sent.LogicalID.IsZero(), "send must assign a shared logical id")
	assert.Equal(t, f.alice, sent.SenderID)

	aliceHist, err := f.ledger.FetchAll(ctx, conv.ID, f.alice)
	require.NoError(t, err)
	bobHist, err := f.ledger.FetchAll(ctx, conv.ID, f.bob)
	require.NoError(t, err)
	require.Len(t, aliceHist, 1)
	require.Len(t, bobHist, 1)
	assert.Equal(t, "hi", aliceHist[0].Text)
	assert.Equal(t, "hi", bobHist[0].Text)
	assert.Equal(t, aliceHist[0].LogicalID, bobHist[0].LogicalID, "copies share the logical id")
	assert.NotEqual(t, aliceHist[0].ID, bobHist[0].ID, "copies are independent records")

	bobView, err := f.svc.List(ctx, f.bob)
	require.NoError(t, err)
	require.Len(t, bobView, 1)
	assert.EqualValues(t, 1, bobView[0].Unread)
	require.NotNil(t, bobView[0].LastMessage)
	assert.Equal(t, "hi", bobView[0].LastMessage.Text)

	aliceView, err := f.svc.List(ctx, f.alice)
	require.NoError(t, err)
	assert.Zero(t, aliceView[0].Unread, "sender's own counter is untouched")
}

func TestFetchHistoryResetsUnread(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	conv, _ := f.svc.Access(ctx, f.alice, f.bob)
	_, err := f.svc.SendMessage(ctx, conv.ID, f.alice, "hi")
	require.NoError(t, err)

	hist, err := f.svc.FetchHistory(ctx, conv.ID, f.bob)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "hi", hist[0].Text)

	views, err := f.svc.List(ctx, f.bob)
	require.NoError(t, err)
	assert.Zero(t, views[0].Unread)

	// idempotent: a second fetch is fine and still returns the history
	hist, err = f.svc.FetchHistory(ctx, conv.ID, f.bob)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestPaginationRollsOverAtCapacity(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	conv, _ := f.svc.Access(ctx, f.alice, f.bob)
	total := data.BucketCapacity + 1
	for i := 0; i < total; i++ {
		_, err := f.svc.SendMessage(ctx, conv.ID, f.alice, fmt.Sprintf("msg-%d", i))
		require.NoError(t, err)
	}

	pages := f.ledger.pages[ledgerKey{conv.ID, f.alice}]
	require.Len(t, pages, 2)
	assert.EqualValues(t, 1, pages[0].Page)
	assert.Len(t, pages[0].Messages, data.BucketCapacity, "every page below the highest is exactly full")
	assert.EqualValues(t, 2, pages[1].Page)
	assert.Len(t, pages[1].Messages, 1)

	hist, err := f.svc.FetchHistory(ctx, conv.ID, f.alice)
	require.NoError(t, err)
	require.Len(t, hist, total)
	for i, m := range hist {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), m.Text, "concatenated pages preserve send order")
	}
}

func TestUnsendRemovesEveryCopy(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	conv, _ := f.svc.Access(ctx, f.alice, f.bob)
	first, err := f.svc.SendMessage(ctx, conv.ID, f.alice, "first")
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, conv.ID, f.alice, "second")
	require.NoError(t, err)

	res, err := f.svc.DeleteMessage(ctx, conv.ID, f.alice, first.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnsent, res.Outcome)
	assert.False(t, res.TombstoneSet, "unsending a non-latest message leaves the preview alone")

	for _, owner := range []bson.ObjectID{f.alice, f.bob} {
		hist, err := f.svc.FetchHistory(ctx, conv.ID, owner)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, "second", hist[0].Text)
	}
}

func TestUnsendLatestSetsTombstone(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	conv, _ := f.svc.Access(ctx, f.alice, f.bob)
	sent, err := f.svc.SendMessage(ctx, conv.ID, f.alice, "oops")
	require.NoError(t, err)

	res, err := f.svc.DeleteMessage(ctx, conv.ID, f.alice, sent.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnsent, res.Outcome)
	assert.True(t, res.TombstoneSet)

	views, err := f.svc.List(ctx, f.bob)
	require.NoError(t, err)
	require.NotNil(t, views[0].LastMessage)
	assert.Equal(t, Tombstone, views[0].LastMessage.Text)
}

func TestDeleteForMeIsSingleSided(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	conv, _ := f.svc.Access(ctx, f.alice, f.bob)
	_, err := f.svc.SendMessage(ctx, conv.ID, f.alice, "keep me")
	require.NoError(t, err)

	bobHist, err := f.svc.FetchHistory(ctx, conv.ID, f.bob)
	require.NoError(t, err)
	require.Len(t, bobHist, 1)

	res, err := f.svc.DeleteMessage(ctx, conv.ID, f.bob, bobHist[0].ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeletedForMe, res.Outcome)
	assert.False(t, res.TombstoneSet)

	bobHist, _ = f.svc.FetchHistory(ctx, conv.ID, f.bob)
	assert.Empty(t, bobHist)

	aliceHist, _ := f.svc.FetchHistory(ctx, conv.ID, f.alice)
	assert.Len(t, aliceHist, 1, "the sender's copy is untouched")

	views, _ := f.svc.List(ctx, f.alice)
	require.NotNil(t, views[0].LastMessage)
	assert.Equal(t, "keep me", views[0].LastMessage.Text, "preview is untouched by delete-for-me")
}

func TestClearHistoryIsSingleSided(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	conv, _ := f.svc.Access(ctx, f.alice, f.bob)
	_, err := f.svc.SendMessage(ctx, conv.ID, f.alice, "hello")
	require.NoError(t, err)

	require.NoError(t, f.svc.ClearHistory(ctx, conv.ID, f.bob))

	bobHist, _ := f.svc.FetchHistory(ctx, conv.ID, f.bob)
	assert.Empty(t, bobHist)
	aliceHist, _ := f.svc.FetchHistory(ctx, conv.ID, f.alice)
	assert.Len(t, aliceHist, 1)

	// a later send starts bob a fresh page 1
	_, err = f.svc.SendMessage(ctx, conv.ID, f.alice, "again")
	require.NoError(t, err)
	pages := f.ledger.pages[ledgerKey{conv.ID, f.bob}]
	require.Len(t, pages, 1)
	assert.EqualValues(t, 1, pages[0].Page)
	assert.Len(t, pages[0].Messages, 1)
}

func TestLeaveAndRejoinStartsEmpty(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	conv, _ := f.svc.Access(ctx, f.alice, f.bob)
	_, err := f.svc.SendMessage(ctx, conv.ID, f.alice, "before leave")
	require.NoError(t, err)

	require.NoError(t, f.svc.LeaveConversation(ctx, conv.ID, f.bob))

	stored, err := f.dir.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Participants, 1)
	assert.False(t, stored.HasParticipant(f.bob))

	// messages into a one-participant conversation only reach alice
	_, err = f.svc.SendMessage(ctx, conv.ID, f.alice, "while gone")
	require.NoError(t, err)

	rejoined, err := f.svc.Access(ctx, f.alice, f.bob)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, rejoined.ID, "rejoin reuses the conversation record")

	stored, _ = f.dir.GetByID(ctx, conv.ID)
	assert.True(t, stored.HasParticipant(f.bob))

	bobHist, _ := f.svc.FetchHistory(ctx, conv.ID, f.bob)
	assert.Empty(t, bobHist, "old pages were deleted on leave")
}

func TestFetchHistoryRequiresMembership(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	conv, _ := f.svc.Access(ctx, f.alice, f.bob)
	_, err := f.svc.SendMessage(ctx, conv.ID, f.alice, "hi")
	require.NoError(t, err)

	require.NoError(t, f.svc.LeaveConversation(ctx, conv.ID, f.bob))

	// A leaver's stale client must not read, and must not re-mint an
	// unread key for someone outside the participant set.
	_, err = f.svc.FetchHistory(ctx, conv.ID, f.bob)
	assert.ErrorIs(t, err, ErrNotParticipant)

	stored, err := f.dir.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	_, present := stored.Unread[f.bob.Hex()]
	assert.False(t, present, "unread keys must stay a subset of participants")

	_, err = f.svc.FetchHistory(ctx, conv.ID, f.carol)
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestClearHistoryRequiresMembership(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	conv, _ := f.svc.Access(ctx, f.alice, f.bob)
	_, err := f.svc.SendMessage(ctx, conv.ID, f.alice, "hi")
	require.NoError(t, err)

	err = f.svc.ClearHistory(ctx, conv.ID, f.carol)
	assert.ErrorIs(t, err, ErrNotParticipant)

	aliceHist, err := f.svc.FetchHistory(ctx, conv.ID, f.alice)
	require.NoError(t, err)
	assert.Len(t, aliceHist, 1)
}

func TestListOrdersByActivity(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	withBob, _ := f.svc.Access(ctx, f.alice, f.bob)
	_, err := f.svc.SendMessage(ctx, withBob.ID, f.alice, "to bob")
	require.NoError(t, err)

	withCarol, _ := f.svc.Access(ctx, f.alice, f.carol)
	_, err = f.svc.SendMessage(ctx, withCarol.ID, f.alice, "to carol")
	require.NoError(t, err)

	views, err := f.svc.List(ctx, f.alice)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, withCarol.ID, views[0].ID)

	// sending into the older conversation moves it to the front
	_, err = f.svc.SendMessage(ctx, withBob.ID, f.bob, "bump")
	require.NoError(t, err)

	views, err = f.svc.List(ctx, f.alice)
	require.NoError(t, err)
	assert.Equal(t, withBob.ID, views[0].ID)
}

func TestSendMessageUnknownConversation(t *testing.T) {
	f := newFixture()

	_, err := f.svc.SendMessage(context.Background(), bson.NewObjectID(), f.alice, "into the void")
	assert.ErrorIs(t, err, data.ErrConversationNotFound)
}

func TestSendMessageRequiresMembership(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	conv, _ := f.svc.Access(ctx, f.alice, f.bob)
	_, err := f.svc.SendMessage(ctx, conv.ID, f.carol, "butting in")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestDeleteMessageWithoutCopy(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	conv, _ := f.svc.Access(ctx, f.alice, f.bob)
	_, err := f.svc.DeleteMessage(ctx, conv.ID, f.bob, bson.NewObjectID())
	assert.ErrorIs(t, err, data.ErrMessageNotFound)
}

func TestSendMessagePartialReplication(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	conv, _ := f.svc.Access(ctx, f.alice, f.bob)
	f.ledger.failOwners[f.bob] = true

	sent, err := f.svc.SendMessage(ctx, conv.ID, f.alice, "half delivered")
	require.Error(t, err)
	assert.True(t, IsPartialReplication(err), "recipient append failure is a soft warning")
	assert.False(t, sent.ID.IsZero(), "sender's copy is still returned")

	var pre *PartialReplicationError
	require.ErrorAs(t, err, &pre)
	assert.Equal(t, []bson.ObjectID{f.bob}, pre.FailedOwners)

	// the directory still recorded the send for the sidebar
	views, _ := f.svc.List(ctx, f.bob)
	require.Len(t, views, 1)
	assert.EqualValues(t, 1, views[0].Unread)
}
