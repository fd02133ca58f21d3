// Package config defines the immutable Configuration value that is passed
// alongside every message in the replication core: which protocol governs
// the replica set, who the replicas are, and the protocol-specific options
// in force.
package config

import (
	"encoding/gob"
	"fmt"

	"github.com/mkuznets/repliq/pkg/errs"
	"github.com/mkuznets/repliq/pkg/messaging"
)

func init() {
	// Config.Args is interface{} and crosses gob wherever a Config does
	// (Reconfigure envelopes, exported snapshots), so every concrete
	// options type needs registering here rather than in each protocol
	// package.
	gob.Register(PrimaryBackupArgs{})
	gob.Register(ChainArgs{})
	gob.Register(QuorumArgs{})
	// Config itself travels as a bare interface{} value in GetConf's reply,
	// not just nested inside a statically-typed field, so pkg/transport's
	// gob codec needs it registered too.
	gob.Register(Config{})
}

// ProtocolTag identifies a replication protocol implementation.
type ProtocolTag int

const (
	// Single is the trivial one-replica protocol.
	Single ProtocolTag = iota
	// PrimaryBackup orders replicas as one primary followed by backups.
	PrimaryBackup
	// Chain replicates head-to-tail.
	Chain
	// Quorum replicates via overlapping read/write quorums.
	Quorum
)

// String renders the protocol tag for logging and CLI output.
func (t ProtocolTag) String() string {
	switch t {
	case Single:
		return "single"
	case PrimaryBackup:
		return "primary-backup"
	case Chain:
		return "chain"
	case Quorum:
		return "quorum"
	default:
		return "unknown"
	}
}

// ReadSource selects which replica serves a non-mutating command under the
// primary/backup protocol.
type ReadSource int

const (
	// ReadPrimary always routes reads to the primary (index 0). Default.
	ReadPrimary ReadSource = iota
	// ReadBackup routes reads to a uniformly random backup.
	ReadBackup
	// ReadRandom routes reads to any replica, primary included.
	ReadRandom
)

// PrimaryBackupArgs holds primary/backup-specific configuration options.
type PrimaryBackupArgs struct {
	ReadSrc ReadSource
}

// ChainArgs holds chain-specific configuration options.
type ChainArgs struct {
	// SloppyReads, when true, allows any replica in the chain to answer a
	// non-mutating command. The default (false) serves reads only from the
	// tail, which is the only replica guaranteed to reflect every commit.
	SloppyReads bool
}

// QuorumArgs holds quorum-specific configuration options.
type QuorumArgs struct {
	// R and W are the read and write quorum sizes. Zero means "use the
	// default of n/2+1", resolved by Config.ResolvedQuorum.
	R, W int
	// Shuffle, when true, round-robins the coordinator across replicas
	// instead of always using index 0.
	Shuffle bool
}

// SMModule identifies the state-machine factory a configuration was
// created with. It exists so that Export/Import and administrative
// tooling can report what kind of object a configuration replicates
// without inspecting live state.
type SMModule string

// Config is the immutable descriptor of a replicated object: the protocol
// governing it, the ordered replica list, the monotonic version, and
// protocol-specific options. Reconfiguration never mutates a Config in
// place; it produces a new value with Version+1.
type Config struct {
	Protocol ProtocolTag
	SMModule SMModule
	Replicas []messaging.Address
	Version  uint64
	Args     interface{}

	// ShardAgent is populated only when this configuration is wrapped by
	// an external partitioning layer. This repository never sets it; it
	// exists so the field has a stable home for that (out-of-scope)
	// collaborator to occupy.
	ShardAgent *messaging.Address
}

// N returns the number of replicas.
func (c Config) N() int {
	return len(c.Replicas)
}

// Next produces the successor configuration: same protocol and SM module,
// the given replica set, and Version+1. It never mutates c.
func (c Config) Next(replicas []messaging.Address, args interface{}) Config {
	next := c
	next.Replicas = append([]messaging.Address(nil), replicas...)
	next.Args = args
	next.Version = c.Version + 1
	return next
}

// ResolvedQuorum returns the effective (r, w) quorum sizes for this
// configuration, applying the n/2+1 default when Args does not specify one
// or is not QuorumArgs at all.
func (c Config) ResolvedQuorum() (r, w int) {
	n := c.N()
	majority := n/2 + 1
	r, w = majority, majority
	if args, ok := c.Args.(QuorumArgs); ok {
		if args.R > 0 {
			r = args.R
		}
		if args.W > 0 {
			w = args.W
		}
	}
	return r, w
}

// ValidateQuorum checks the r+w>n overlap condition that makes quorum reads
// linearisable with respect to quorum writes.
func (c Config) ValidateQuorum() error {
	if c.Protocol != Quorum {
		return nil
	}
	r, w := c.ResolvedQuorum()
	n := c.N()
	if r+w <= n {
		return fmt.Errorf("config: quorum sizes r=%d w=%d n=%d: %w", r, w, n, errs.ErrBadQuorum)
	}
	if r < 1 || w < 1 || r > n || w > n {
		return fmt.Errorf("config: quorum sizes r=%d w=%d out of range for n=%d", r, w, n)
	}
	return nil
}

// IndexOf returns the index of addr within Replicas, or -1.
func (c Config) IndexOf(addr messaging.Address) int {
	for i, r := range c.Replicas {
		if r.Equal(addr) {
			return i
		}
	}
	return -1
}

// Contains reports whether addr is a member of this configuration.
func (c Config) Contains(addr messaging.Address) bool {
	return c.IndexOf(addr) >= 0
}
