// Package client is the caller-facing entry point into the replication
// core: spawning a fresh replica set, issuing commands against it, and
// driving reconfiguration/fork/stop through package cluster. It plays the
// role the teacher's pkg/api.Client plays for keyval, adapted from a
// leader-tracking key-value client into a protocol-agnostic one that
// routes every call through whichever protocol.Protocol a configuration
// names.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/mkuznets/repliq/pkg/cluster"
	"github.com/mkuznets/repliq/pkg/config"
	"github.com/mkuznets/repliq/pkg/errs"
	"github.com/mkuznets/repliq/pkg/messaging"
	"github.com/mkuznets/repliq/pkg/protocol"
	"github.com/mkuznets/repliq/pkg/protocol/chain"
	"github.com/mkuznets/repliq/pkg/protocol/primarybackup"
	"github.com/mkuznets/repliq/pkg/protocol/quorum"
	"github.com/mkuznets/repliq/pkg/protocol/singleton"
	"github.com/mkuznets/repliq/pkg/replica"
	"github.com/mkuznets/repliq/pkg/statemachine"
	"github.com/mkuznets/repliq/pkg/transport"
)

// registry is the client library's view of the protocol table: the same
// four built-in implementations the replicas themselves run, so Cast's
// routing decision here always agrees with what the destination replica
// will do with the envelope it receives.
var registry = protocol.NewRegistry(singleton.New(), primarybackup.New(), chain.New(), quorum.New())

var mgr = cluster.New()

// New spawns len(nodes) replicas of smFactory under protoTag, reconfigures
// them into a fresh version-1 configuration, and returns it. Every node
// must be local (transport.Node{Local: true}); spawning directly onto a
// remote node has no source replica to fork from, so remote membership is
// grown afterward via ForkReplica + Reconfigure instead.
func New(smFactory statemachine.Factory, smArgs interface{}, protoTag config.ProtocolTag, protoArgs interface{}, nodes []transport.Node, retry time.Duration) (config.Config, error) {
	if len(nodes) == 0 {
		return config.Config{}, errs.ErrNoReplicas
	}
	if _, err := registry.Lookup(protoTag); err != nil {
		return config.Config{}, fmt.Errorf("client: new: %w", err)
	}

	replicas := make([]messaging.Address, len(nodes))
	for i, node := range nodes {
		if !node.Local {
			return config.Config{}, fmt.Errorf("client: new: node %d (%s) is not local; spawn locally and grow the cluster with ForkReplica instead", i, node.Addr)
		}
		addr, _ := replica.New(fmt.Sprintf("replica-%d", i), registry, smFactory, smArgs)
		replicas[i] = addr
	}

	seed := config.Config{Protocol: protoTag, Args: protoArgs}
	conf, err := mgr.Reconfigure(context.Background(), messaging.None, seed, replicas, protoArgs, retry)
	if err != nil {
		return config.Config{}, fmt.Errorf("client: new: %w", err)
	}
	return conf, nil
}

// send addresses req at dst with a caller-chosen ref, routed back to
// replyTo -- the same shape messaging.Cast/Call use internally, exposed
// here because protocol.ClientCmd needs its Ref/Client fields populated
// before the envelope goes out, which the fire-and-forget Cast helper
// (which mints its own ref after the fact) cannot do.
func send(dst messaging.Address, ref messaging.Ref, replyTo messaging.Address, req interface{}) {
	messaging.Reply(dst, ref, replyTo, req)
}

func routeCmd(smFactory statemachine.Factory, conf config.Config, cmd interface{}) (messaging.Address, protocol.ClientCmd, error) {
	proto, err := registry.Lookup(conf.Protocol)
	if err != nil {
		return messaging.None, protocol.ClientCmd{}, fmt.Errorf("client: %w", err)
	}
	if len(conf.Replicas) == 0 {
		return messaging.None, protocol.ClientCmd{}, errs.ErrNoReplicas
	}
	probe := smFactory()
	dst, wrapped := proto.Cast(conf, cmd, probe.IsMutating)
	req, ok := wrapped.(protocol.ClientCmd)
	if !ok {
		return messaging.None, protocol.ClientCmd{}, fmt.Errorf("client: protocol %v: Cast returned %T, want protocol.ClientCmd", conf.Protocol, wrapped)
	}
	return dst, req, nil
}

// Do routes cmd to the appropriate replica for conf's protocol and blocks
// until its reply arrives, retransmitting every retry interval until ctx is
// cancelled. smFactory must be the same factory the replicas in conf were
// constructed with -- it is used only to build a throwaway Machine for
// IsMutating classification, per Machine's documented (state-free) purity
// on that method.
func Do(ctx context.Context, smFactory statemachine.Factory, conf config.Config, cmd interface{}, retry time.Duration) (interface{}, error) {
	dst, req, err := routeCmd(smFactory, conf, cmd)
	if err != nil {
		return nil, err
	}

	replyTo, in := messaging.NewMailbox("client-do")
	defer in.Close()

	ref := messaging.NewRef()
	req.Ref = ref
	req.Client = replyTo
	send(dst, ref, replyTo, req)

	ticker := time.NewTicker(retry)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		resp, err := messaging.Collect(in, ref, retry)
		if err == nil {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			send(dst, ref, replyTo, req)
		}
	}
}

// Cast is Do's asynchronous form: it addresses cmd at the right replica and
// returns immediately with the Ref the eventual reply will carry, without
// waiting for it. self is the caller's own mailbox, where that reply will
// land -- the caller is responsible for draining it (e.g. via
// messaging.Collect), the same way a replica drains its own inbox for
// replies to messages it cast.
func Cast(self messaging.Address, smFactory statemachine.Factory, conf config.Config, cmd interface{}) (messaging.Ref, error) {
	dst, req, err := routeCmd(smFactory, conf, cmd)
	if err != nil {
		return "", err
	}
	ref := messaging.NewRef()
	req.Ref = ref
	req.Client = self
	send(dst, ref, self, req)
	return ref, nil
}

// Reconfigure bumps conf's version to include exactly newReplicas and
// notifies every affected replica, old and new.
func Reconfigure(ctx context.Context, conf config.Config, newReplicas []messaging.Address, retry time.Duration) (config.Config, error) {
	return mgr.Reconfigure(ctx, messaging.None, conf, newReplicas, conf.Args, retry)
}

// StopReplica reconfigures conf to drop the replica at index.
func StopReplica(ctx context.Context, conf config.Config, index int, reason string, retry time.Duration) (config.Config, error) {
	return mgr.StopReplica(ctx, messaging.None, conf, index, reason, retry)
}

// ForkReplica asks the replica at index to spawn a copy of itself on node.
func ForkReplica(ctx context.Context, conf config.Config, index int, node transport.Node, args interface{}, retry time.Duration) (messaging.Address, error) {
	return mgr.ForkReplica(ctx, messaging.None, conf, index, node, args, retry)
}

// GetConf asks pid to report its current configuration.
func GetConf(ctx context.Context, pid messaging.Address, retry time.Duration) (config.Config, error) {
	return mgr.GetConf(ctx, messaging.None, pid, retry)
}
