package replica

import (
	"fmt"
	"time"
)

// Config holds the election-less tunables a Replica's ambient machinery
// runs on: how long a remote Fork spawn is allowed to take, plus two fields
// (RPCTimeout, MailboxBufferSize) that are validated but not read. It plays the
// role raft.Config plays for the teacher's node -- a struct of doc-commented
// fields, a DefaultConfig constructor, and a Validate method -- minus
// anything election-specific, since this replication core has no leader
// election.
type Config struct {
	// RemoteSpawnTimeout bounds how long ForkCmd waits for a RemoteSpawner
	// to come back with the forked replica's address.
	// Default: 5 seconds.
	RemoteSpawnTimeout time.Duration

	// RPCTimeout is not read by the Replica and is not passed to a
	// transport.Forwarder, which uses its own timeout (see
	// transport.WithRPCTimeout).
	// Default: 2 seconds.
	RPCTimeout time.Duration

	// MailboxBufferSize is not read: every mailbox starts as an empty,
	// unbounded queue regardless of this value.
	// Default: 64.
	MailboxBufferSize int
}

// DefaultConfig returns a Config with the defaults documented on each
// field.
func DefaultConfig() *Config {
	return &Config{
		RemoteSpawnTimeout: 5 * time.Second,
		RPCTimeout:         2 * time.Second,
		MailboxBufferSize:  64,
	}
}

// Validate checks that c's fields are internally consistent.
func (c *Config) Validate() error {
	if c.RemoteSpawnTimeout <= 0 {
		return fmt.Errorf("replica: RemoteSpawnTimeout must be positive")
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("replica: RPCTimeout must be positive")
	}
	if c.MailboxBufferSize < 0 {
		return fmt.Errorf("replica: MailboxBufferSize must not be negative")
	}
	return nil
}
