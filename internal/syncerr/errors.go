// Package syncerr defines the closed set of error kinds the sync protocol
// can raise internally. None of them propagate above the protocol layer:
// every call site logs and handles its own kind per the disposition table.
package syncerr

import "github.com/cockroachdb/errors"

// Kind identifies one of the protocol's known failure classes.
type Kind int

const (
	// KindHashMismatch: a literal's recomputed hash does not match its declared hash.
	KindHashMismatch Kind = iota
	// KindInvalidOwnershipProof: an omitted dependency arrived without a matching proof.
	KindInvalidOwnershipProof
	// KindUnacceptableOp: an op's class is not accepted or its target is wrong.
	KindUnacceptableOp
	// KindMissingDependency: save was attempted before all prevOps were persisted.
	KindMissingDependency
	// KindWrongTargetMessage: a sync message named a target this agent doesn't own.
	KindWrongTargetMessage
	// KindPeerMessageSendFailure: the transport failed to deliver a message.
	KindPeerMessageSendFailure
	// KindReceiveRemoteStateError: a tracked agent rejected a remote state.
	KindReceiveRemoteStateError
)

func (k Kind) String() string {
	switch k {
	case KindHashMismatch:
		return "hash_mismatch"
	case KindInvalidOwnershipProof:
		return "invalid_ownership_proof"
	case KindUnacceptableOp:
		return "unacceptable_op"
	case KindMissingDependency:
		return "missing_dependency"
	case KindWrongTargetMessage:
		return "wrong_target_message"
	case KindPeerMessageSendFailure:
		return "peer_message_send_failure"
	case KindReceiveRemoteStateError:
		return "receive_remote_state_error"
	default:
		return "unknown"
	}
}

// sentinel markers, one per kind, used only for errors.Is matching.
var sentinels = map[Kind]error{
	KindHashMismatch:            errors.New("hash mismatch"),
	KindInvalidOwnershipProof:   errors.New("invalid ownership proof"),
	KindUnacceptableOp:          errors.New("unacceptable op"),
	KindMissingDependency:       errors.New("missing dependency"),
	KindWrongTargetMessage:      errors.New("wrong target message"),
	KindPeerMessageSendFailure:  errors.New("peer message send failure"),
	KindReceiveRemoteStateError: errors.New("receive remote state error"),
}

// New creates a fresh error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) error {
	return errors.Mark(errors.Newf("%s: "+format, prepend(kind, args)...), sentinels[kind])
}

// Wrap attaches a kind and message to an underlying error, preserving its chain.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrapf(err, "%s: "+format, prepend(kind, args)...)
	return errors.Mark(wrapped, sentinels[kind])
}

// Is reports whether err (or any error in its chain) has the given kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, sentinels[kind])
}

func prepend(kind Kind, args []interface{}) []interface{} {
	out := make([]interface{}, 0, len(args)+1)
	out = append(out, kind)
	out = append(out, args...)
	return out
}
