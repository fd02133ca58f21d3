// Package chain implements chain replication: writes enter at the head and
// propagate node-by-node to the tail, which answers the client directly and
// then acknowledges back up the chain so each predecessor can retire its
// pending entry.
package chain

import (
	"encoding/gob"
	"math/rand"

	"github.com/mkuznets/repliq/pkg/config"
	"github.com/mkuznets/repliq/pkg/messaging"
	"github.com/mkuznets/repliq/pkg/protocol"
	"github.com/mkuznets/repliq/pkg/statemachine"
)

func init() {
	gob.Register(update{})
	gob.Register(ack{})
	gob.Register(notHead{})
}

// update carries a mutation one hop down the chain.
type update struct {
	Ref    messaging.Ref
	Client messaging.Address
	Cmd    interface{}
}

// ack propagates one hop back up the chain once the tail has committed.
type ack struct {
	Ref messaging.Ref
}

// notHead is what a non-head replica replies when handed a mutating command
// directly, naming the actual head so the caller can redirect.
type notHead struct {
	Head messaging.Address
}

type pendingUpdate struct {
	ref    messaging.Ref
	client messaging.Address
	cmd    interface{}
}

// State is the chain protocol's private per-replica state. Head/Tail/
// Prev/Next/IsHead/IsTail are recomputed from the configuration on every
// UpdateState call; Pending -- the FIFO of updates sent downstream but not
// yet acknowledged -- is carried forward unchanged.
type State struct {
	Head, Tail     messaging.Address
	Prev, Next     messaging.Address
	IsHead, IsTail bool

	Pending []pendingUpdate
}

func roleFor(me messaging.Address, conf config.Config) State {
	if len(conf.Replicas) == 0 {
		return State{}
	}
	_, prev, next, isHead, isTail := messaging.Ipn(me, conf.Replicas)
	return State{
		Head:   conf.Replicas[0],
		Tail:   conf.Replicas[len(conf.Replicas)-1],
		Prev:   prev,
		Next:   next,
		IsHead: isHead,
		IsTail: isTail,
	}
}

type exportedState struct {
	Head, Tail     messaging.Address
	Prev, Next     messaging.Address
	IsHead, IsTail bool
	Pending        []exportedPending
}

type exportedPending struct {
	Ref    messaging.Ref
	Client messaging.Address
	Cmd    interface{}
}

// Protocol implements protocol.Protocol for chain replication.
type Protocol struct {
	rand *rand.Rand
}

// New returns a chain Protocol.
func New() *Protocol {
	return &Protocol{rand: rand.New(rand.NewSource(1))}
}

func (Protocol) Type() config.ProtocolTag { return config.Chain }

func (Protocol) ConfArgs() interface{} { return config.ChainArgs{} }

func (Protocol) Overloads() []string { return nil }

// Cast routes mutating commands to the head. Non-mutating commands go to
// the tail by default, or to a uniformly random replica when the
// configuration's ChainArgs.SloppyReads is set.
func (p *Protocol) Cast(conf config.Config, cmd interface{}, isMutating func(interface{}) bool) (messaging.Address, interface{}) {
	if len(conf.Replicas) == 0 {
		return messaging.None, nil
	}
	if isMutating(cmd) {
		return conf.Replicas[0], protocol.ClientCmd{Cmd: cmd}
	}

	sloppy := false
	if args, ok := conf.Args.(config.ChainArgs); ok {
		sloppy = args.SloppyReads
	}
	if sloppy {
		idx := p.rand.Intn(len(conf.Replicas))
		return conf.Replicas[idx], protocol.ClientCmd{Cmd: cmd}
	}
	return conf.Replicas[len(conf.Replicas)-1], protocol.ClientCmd{Cmd: cmd}
}

func (Protocol) InitReplica(me messaging.Address, conf config.Config, args interface{}) interface{} {
	s := roleFor(me, conf)
	return &s
}

func (Protocol) Export(st interface{}) []byte {
	s := st.(*State)
	exp := exportedState{
		Head: s.Head, Tail: s.Tail, Prev: s.Prev, Next: s.Next,
		IsHead: s.IsHead, IsTail: s.IsTail,
		Pending: make([]exportedPending, len(s.Pending)),
	}
	for i, p := range s.Pending {
		exp.Pending[i] = exportedPending{Ref: p.ref, Client: p.client, Cmd: p.cmd}
	}
	return protocol.GobEncode(exp)
}

func (Protocol) Import(data []byte) interface{} {
	if len(data) == 0 {
		return &State{}
	}
	var exp exportedState
	protocol.GobDecode(data, &exp)
	s := &State{
		Head: exp.Head, Tail: exp.Tail, Prev: exp.Prev, Next: exp.Next,
		IsHead: exp.IsHead, IsTail: exp.IsTail,
		Pending: make([]pendingUpdate, len(exp.Pending)),
	}
	for i, p := range exp.Pending {
		s.Pending[i] = pendingUpdate{ref: p.Ref, client: p.Client, cmd: p.Cmd}
	}
	return s
}

// UpdateState recomputes chain position from the new configuration but
// carries the pending-ack queue forward unchanged.
func (Protocol) UpdateState(me messaging.Address, newConf config.Config, oldState interface{}) interface{} {
	old := oldState.(*State)
	next := roleFor(me, newConf)
	next.Pending = old.Pending
	return &next
}

func (Protocol) HandleFailure(me messaging.Address, conf config.Config, state interface{}, failed messaging.Address, info error) (config.Config, interface{}) {
	return conf, state
}

func (p *Protocol) HandleMsg(me messaging.Address, env messaging.Envelope, allowSideEffects bool, sm *statemachine.Wrapper, stateVal interface{}) protocol.Directive {
	s := stateVal.(*State)

	switch req := env.Payload.(type) {
	case protocol.ClientCmd:
		return p.handleClientCmd(me, req, allowSideEffects, sm, s)
	case update:
		return p.handleUpdate(me, req, allowSideEffects, sm, s)
	case ack:
		return p.handleAck(me, req, s)
	default:
		return protocol.NoMatch()
	}
}

func (p *Protocol) handleClientCmd(me messaging.Address, req protocol.ClientCmd, allowSideEffects bool, sm *statemachine.Wrapper, s *State) protocol.Directive {
	if !sm.IsMutating(req.Cmd) {
		result := sm.Do(req.Cmd, allowSideEffects)
		if allowSideEffects && !result.NoReply {
			messaging.Reply(req.Client, req.Ref, me, result.Reply)
		}
		return protocol.Consume()
	}

	if !s.IsHead {
		if allowSideEffects {
			messaging.Reply(req.Client, req.Ref, me, notHead{Head: s.Head})
		}
		return protocol.Consume()
	}

	return p.handleUpdate(me, update{Ref: req.Ref, Client: req.Client, Cmd: req.Cmd}, allowSideEffects, sm, s)
}

func (p *Protocol) handleUpdate(me messaging.Address, req update, allowSideEffects bool, sm *statemachine.Wrapper, s *State) protocol.Directive {
	result := sm.Do(req.Cmd, allowSideEffects)

	if !s.IsTail {
		s.Pending = append(s.Pending, pendingUpdate{ref: req.Ref, client: req.Client, cmd: req.Cmd})
		messaging.Cast(me, s.Next, update{Ref: req.Ref, Client: req.Client, Cmd: req.Cmd})
		return protocol.ConsumeWithState(s)
	}

	if allowSideEffects && !result.NoReply {
		messaging.Reply(req.Client, req.Ref, me, result.Reply)
	}
	if !s.IsHead {
		messaging.Cast(me, s.Prev, ack{Ref: req.Ref})
	}
	return protocol.ConsumeWithState(s)
}

func (p *Protocol) handleAck(me messaging.Address, req ack, s *State) protocol.Directive {
	for i, pending := range s.Pending {
		if pending.ref == req.Ref {
			s.Pending = append(s.Pending[:i], s.Pending[i+1:]...)
			break
		}
	}
	if !s.IsHead {
		messaging.Cast(me, s.Prev, ack{Ref: req.Ref})
	}
	return protocol.ConsumeWithState(s)
}
