package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"net"

	"github.com/tallyhq/tally/internal/models"
)

// ErrUnavailable classifies a transient network-class failure talking to
// the remote store. Unavailable pushes are retried with backoff and never
// surfaced to the end user unless the retry budget runs out.
var ErrUnavailable = errors.New("remote store unavailable")

// PushResult is the remote store's answer to a push.
type PushResult struct {
	// OK means the record was accepted and the mutation can be destroyed.
	OK bool

	// Conflict is set when the target record was modified remotely with a
	// newer timestamp than the push's expected version.
	Conflict *Conflict
}

// Conflict describes the remote record that beat a local mutation.
type Conflict struct {
	// CurrentVersion is the remote record's Unix-millisecond timestamp.
	CurrentVersion int64

	// CurrentPayload is the remote record body; empty when the remote
	// record is a tombstone.
	CurrentPayload json.RawMessage
}

// RemoteStore is the opaque key-addressed record service the queue syncs
// against. The sync queue is the only component permitted to call it.
//
// Implementations must apply pushes idempotently per mutation ID: delivery
// is at-least-once because a mutation already sent but unacknowledged when
// connectivity drops is retried on the next flush.
type RemoteStore interface {
	// Push writes one record. A nil payload is a deletion. expectedVersion
	// is the local mutation's CreatedAt; the store answers with a conflict
	// when its copy is newer. Transport failures are network-class errors.
	Push(ctx context.Context, entityType models.EntityType, id string, payload json.RawMessage, expectedVersion int64) (PushResult, error)

	// Pull returns the deltas recorded after the given change token, in
	// order, plus the token to resume from. An empty token means "from
	// the beginning".
	Pull(ctx context.Context, since string) ([]models.RemoteDelta, string, error)
}

// isNetworkError reports whether err is a transient network-class failure:
// an explicit ErrUnavailable, a timeout, or any transport-level error.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
