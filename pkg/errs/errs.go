// Package errs defines the sentinel errors surfaced across the replication
// core. Call sites wrap them with fmt.Errorf("...: %w", err) so context is
// preserved while errors.Is still matches the sentinel.
package errs

import "errors"

var (
	// ErrTimeout is returned when messaging.Collect exhausts its timeout
	// without a matching reply (messaging.ErrTimeout is this value).
	ErrTimeout = errors.New("timeout")

	// ErrNoReplicas is returned when an operation is attempted against a
	// configuration with an empty replica list.
	ErrNoReplicas = errors.New("configuration has no replicas")

	// ErrBadQuorum is returned when a quorum configuration's r+w does not
	// exceed n, so reads would not be guaranteed to see prior writes.
	ErrBadQuorum = errors.New("quorum sizes do not satisfy r+w>n")

	// ErrUnknownCommand is returned when a state machine does not
	// recognise a command it was asked to handle.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrNotInConfiguration is returned when a message names a
	// configuration version a replica does not (yet, or any longer) hold.
	ErrNotInConfiguration = errors.New("replica is not a member of that configuration")

	// ErrReplicaStopped is returned when an operation targets a replica
	// that has already terminated.
	ErrReplicaStopped = errors.New("replica has stopped")

	// ErrNotPrimary is not returned by any protocol in this repository: a
	// primary/backup backup answers a mutating command sent to it directly
	// with its own reply value naming the primary, and a chain non-head
	// does the same naming the head.
	ErrNotPrimary = errors.New("replica is not the primary")
)
