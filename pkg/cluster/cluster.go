// Package cluster orchestrates configuration changes across a replica set:
// reconfiguration (the two-stage multicast described in the replication
// core's fork-and-reconfigure design), replica removal, and forking a
// replica onto a new address. It holds no state of its own -- the
// authoritative configuration always lives at the replicas themselves --
// and exists only to sequence the messages that move them from one
// config.Config to the next.
package cluster

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mkuznets/repliq/pkg/config"
	"github.com/mkuznets/repliq/pkg/errs"
	"github.com/mkuznets/repliq/pkg/messaging"
	"github.com/mkuznets/repliq/pkg/replica"
	"github.com/mkuznets/repliq/pkg/transport"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the default stderr logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// Manager sequences configuration changes against a replica set on behalf
// of a caller (typically package client, or cmd/repliqctl directly).
type Manager struct {
	logger *log.Logger
}

// New returns a Manager.
func New(opts ...Option) *Manager {
	m := &Manager{logger: log.New(os.Stderr, "", log.LstdFlags)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func unionAddrs(a, b []messaging.Address) []messaging.Address {
	union := append([]messaging.Address(nil), a...)
	for _, addr := range b {
		found := false
		for _, existing := range union {
			if existing.Equal(addr) {
				found = true
				break
			}
		}
		if !found {
			union = append(union, addr)
		}
	}
	return union
}

// Reconfigure bumps conf's version, builds the successor configuration
// bound to newReplicas and args, and multicasts it to union(conf.Replicas,
// newReplicas). Every recipient must acknowledge before Reconfigure
// returns; a recipient outside the new set stops after acknowledging, a
// recipient inside it installs the new configuration and (if newly joined)
// recomputes its protocol state via UpdateState/InitReplica.
func (m *Manager) Reconfigure(ctx context.Context, self messaging.Address, conf config.Config, newReplicas []messaging.Address, args interface{}, retry time.Duration) (config.Config, error) {
	if len(newReplicas) == 0 {
		return config.Config{}, errs.ErrNoReplicas
	}
	newConf := conf.Next(newReplicas, args)
	if err := newConf.ValidateQuorum(); err != nil {
		return config.Config{}, fmt.Errorf("cluster: reconfigure to v%d: %w", newConf.Version, err)
	}

	targets := unionAddrs(conf.Replicas, newReplicas)
	acks, err := messaging.Multicall(ctx, self, targets, replica.Reconfigure{NewConf: newConf}, len(targets), retry)
	if err != nil {
		return config.Config{}, fmt.Errorf("cluster: reconfigure to v%d: %w", newConf.Version, err)
	}
	for i, raw := range acks {
		if a, ok := raw.(replica.ReconfigureAck); ok && a.Err != "" {
			return config.Config{}, fmt.Errorf("cluster: replica %s rejected v%d: %s", targets[i], newConf.Version, a.Err)
		}
	}

	m.logger.Printf("[INFO] cluster: reconfigured to v%d (%d replicas, %d notified)", newConf.Version, len(newReplicas), len(targets))
	return newConf, nil
}

// StopReplica reconfigures conf to drop the replica at index, notifying it
// (and everyone else) so it can stop cleanly. It is Reconfigure with a
// convenience index-based removal.
func (m *Manager) StopReplica(ctx context.Context, self messaging.Address, conf config.Config, index int, reason string, retry time.Duration) (config.Config, error) {
	if index < 0 || index >= len(conf.Replicas) {
		return config.Config{}, fmt.Errorf("cluster: stop replica: index %d out of range for %d replicas", index, len(conf.Replicas))
	}
	remaining := make([]messaging.Address, 0, len(conf.Replicas)-1)
	for i, addr := range conf.Replicas {
		if i != index {
			remaining = append(remaining, addr)
		}
	}
	if len(remaining) == 0 {
		return config.Config{}, errs.ErrNoReplicas
	}
	newConf, err := m.Reconfigure(ctx, self, conf, remaining, conf.Args, retry)
	if err != nil {
		return config.Config{}, fmt.Errorf("cluster: stop replica %d (%s): %w", index, reason, err)
	}
	return newConf, nil
}

// ForkReplica asks the replica at index to spawn a copy of itself on node,
// seeded from its current snapshot, and returns the new replica's address.
// The forked replica starts unconfigured; a subsequent Reconfigure that
// includes it in Replicas is what admits it to the cluster.
func (m *Manager) ForkReplica(ctx context.Context, self messaging.Address, conf config.Config, index int, node transport.Node, args interface{}, retry time.Duration) (messaging.Address, error) {
	if index < 0 || index >= len(conf.Replicas) {
		return messaging.None, fmt.Errorf("cluster: fork replica: index %d out of range for %d replicas", index, len(conf.Replicas))
	}
	source := conf.Replicas[index]
	resp, err := messaging.Call(ctx, self, source, replica.ForkCmd{Node: node, Args: args}, retry)
	if err != nil {
		return messaging.None, fmt.Errorf("cluster: fork replica %d: %w", index, err)
	}
	switch v := resp.(type) {
	case messaging.Address:
		m.logger.Printf("[INFO] cluster: forked replica %d (%s) onto %s", index, source, v)
		return v, nil
	case error:
		return messaging.None, fmt.Errorf("cluster: fork replica %d: %w", index, v)
	default:
		return messaging.None, fmt.Errorf("cluster: fork replica %d: unexpected reply %T", index, resp)
	}
}

// GetConf asks pid to report its current configuration.
func (m *Manager) GetConf(ctx context.Context, self, pid messaging.Address, retry time.Duration) (config.Config, error) {
	resp, err := messaging.Call(ctx, self, pid, replica.GetConf{}, retry)
	if err != nil {
		return config.Config{}, fmt.Errorf("cluster: get configuration from %s: %w", pid, err)
	}
	conf, ok := resp.(config.Config)
	if !ok {
		return config.Config{}, fmt.Errorf("cluster: get configuration from %s: unexpected reply %T", pid, resp)
	}
	return conf, nil
}
