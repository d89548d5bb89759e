package chat

import (
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ErrNotParticipant is returned when a user operates on a conversation
// they are not currently part of.
var ErrNotParticipant = errors.New("not a participant of this conversation")

// errPartialReplication is the sentinel PartialReplicationError unwraps to.
var errPartialReplication = errors.New("partial replication")

// PartialReplicationError reports that one or more recipients' ledger
// copies could not be written during a send. The sender's own copy did
// succeed and was returned to the caller; the missing copies are left for
// read-time reconciliation rather than rolled back.
type PartialReplicationError struct {
	ConversationID bson.ObjectID
	FailedOwners   []bson.ObjectID
	First          error
}

func (e *PartialReplicationError) Error() string {
	owners := make([]string, len(e.FailedOwners))
	for i, o := range e.FailedOwners {
		owners[i] = o.Hex()
	}
	return fmt.Sprintf("partial replication in conversation %s: copies for [%s] not written: %v",
		e.ConversationID.Hex(), strings.Join(owners, ", "), e.First)
}

func (e *PartialReplicationError) Unwrap() error { return errPartialReplication }

// IsPartialReplication reports whether err is a soft partial-replication
// warning, as opposed to a failure of the send itself.
func IsPartialReplication(err error) bool {
	return errors.Is(err, errPartialReplication)
}
