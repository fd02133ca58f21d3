// Package quorum implements read/write quorum replication: any replica may
// act as coordinator for an operation, fans it out to its peers, and
// answers once enough responses have arrived, repairing the answer to the
// freshest version seen among the responders and itself.
package quorum

import (
	"encoding/gob"
	"sync/atomic"

	"github.com/mkuznets/repliq/pkg/config"
	"github.com/mkuznets/repliq/pkg/messaging"
	"github.com/mkuznets/repliq/pkg/protocol"
	"github.com/mkuznets/repliq/pkg/statemachine"
)

func init() {
	gob.Register(peerOp{})
	gob.Register(stabilized{})
}

// Qtag classifies a quorum operation as a read or a write, decided once at
// Cast time from Machine.IsMutating. It travels as protocol.ClientCmd's
// Variant field between the client edge and the coordinator.
type Qtag int

const (
	// Read selects the r-sized quorum.
	Read Qtag = iota
	// Write selects the w-sized quorum.
	Write
)

// peerOp is what the coordinator sends to every other replica.
type peerOp struct {
	Ref   messaging.Ref
	Coord messaging.Address
	Qtag  Qtag
	Cmd   interface{}
}

// stabilized is a peer's response back to the coordinator.
type stabilized struct {
	Ref    messaging.Ref
	Count  uint64
	Result interface{}
}

type peerReply struct {
	Count  uint64
	Result interface{}
}

// pendingOp is a coordinator-side in-flight operation awaiting quorum.
type pendingOp struct {
	ref          messaging.Ref
	client       messaging.Address
	qtag         Qtag
	cmd          interface{}
	remResponses int
	remReplicas  int
	maxCount     uint64
	maxResult    interface{}
}

// State is the quorum protocol's private per-replica state.
type State struct {
	N, R, W int
	Others  []messaging.Address

	Unstable     map[messaging.Ref]*pendingOp
	UpdatesCount uint64
	LastReply    map[messaging.Ref]peerReply
}

func othersFor(me messaging.Address, conf config.Config) []messaging.Address {
	others := make([]messaging.Address, 0, len(conf.Replicas))
	for _, r := range conf.Replicas {
		if !r.Equal(me) {
			others = append(others, r)
		}
	}
	return others
}

func newState(me messaging.Address, conf config.Config) *State {
	r, w := conf.ResolvedQuorum()
	return &State{
		N:         conf.N(),
		R:         r,
		W:         w,
		Others:    othersFor(me, conf),
		Unstable:  make(map[messaging.Ref]*pendingOp),
		LastReply: make(map[messaging.Ref]peerReply),
	}
}

type exportedState struct {
	N, R, W      int
	Others       []messaging.Address
	Unstable     map[messaging.Ref]exportedOp
	UpdatesCount uint64
	LastReply    map[messaging.Ref]peerReply
}

type exportedOp struct {
	Client       messaging.Address
	Qtag         Qtag
	Cmd          interface{}
	RemResponses int
	RemReplicas  int
	MaxCount     uint64
	MaxResult    interface{}
}

// Protocol implements protocol.Protocol for quorum replication.
type Protocol struct {
	roundRobin uint64
}

// New returns a quorum Protocol.
func New() *Protocol { return &Protocol{} }

func (Protocol) Type() config.ProtocolTag { return config.Quorum }

func (Protocol) ConfArgs() interface{} { return config.QuorumArgs{} }

func (Protocol) Overloads() []string { return []string{"Read", "Write"} }

// Cast picks the coordinator (index 0, or round-robin across calls when
// QuorumArgs.Shuffle is set) and tags the command Read or Write.
func (p *Protocol) Cast(conf config.Config, cmd interface{}, isMutating func(interface{}) bool) (messaging.Address, interface{}) {
	if len(conf.Replicas) == 0 {
		return messaging.None, nil
	}
	qtag := Read
	if isMutating(cmd) {
		qtag = Write
	}

	coordIdx := 0
	if args, ok := conf.Args.(config.QuorumArgs); ok && args.Shuffle {
		n := atomic.AddUint64(&p.roundRobin, 1) - 1
		coordIdx = int(n % uint64(len(conf.Replicas)))
	}
	return conf.Replicas[coordIdx], protocol.ClientCmd{Cmd: cmd, Variant: int(qtag)}
}

func (Protocol) InitReplica(me messaging.Address, conf config.Config, args interface{}) interface{} {
	return newState(me, conf)
}

func (Protocol) Export(st interface{}) []byte {
	s := st.(*State)
	exp := exportedState{
		N: s.N, R: s.R, W: s.W, Others: s.Others,
		Unstable:     make(map[messaging.Ref]exportedOp, len(s.Unstable)),
		UpdatesCount: s.UpdatesCount,
		LastReply:    s.LastReply,
	}
	for ref, op := range s.Unstable {
		exp.Unstable[ref] = exportedOp{
			Client: op.client, Qtag: op.qtag, Cmd: op.cmd,
			RemResponses: op.remResponses, RemReplicas: op.remReplicas,
			MaxCount: op.maxCount, MaxResult: op.maxResult,
		}
	}
	return protocol.GobEncode(exp)
}

func (Protocol) Import(data []byte) interface{} {
	if len(data) == 0 {
		return &State{Unstable: make(map[messaging.Ref]*pendingOp), LastReply: make(map[messaging.Ref]peerReply)}
	}
	var exp exportedState
	protocol.GobDecode(data, &exp)
	s := &State{
		N: exp.N, R: exp.R, W: exp.W, Others: exp.Others,
		Unstable:     make(map[messaging.Ref]*pendingOp, len(exp.Unstable)),
		UpdatesCount: exp.UpdatesCount,
		LastReply:    exp.LastReply,
	}
	if s.LastReply == nil {
		s.LastReply = make(map[messaging.Ref]peerReply)
	}
	for ref, op := range exp.Unstable {
		s.Unstable[ref] = &pendingOp{
			ref: ref, client: op.Client, qtag: op.Qtag, cmd: op.Cmd,
			remResponses: op.RemResponses, remReplicas: op.RemReplicas,
			maxCount: op.MaxCount, maxResult: op.MaxResult,
		}
	}
	return s
}

// UpdateState recomputes n/r/w and the peer list from the new configuration
// but carries the unstable table, update counter and reply cache forward
// unchanged, so in-flight operations complete against the new membership.
func (Protocol) UpdateState(me messaging.Address, newConf config.Config, oldState interface{}) interface{} {
	old := oldState.(*State)
	r, w := newConf.ResolvedQuorum()
	return &State{
		N: newConf.N(), R: r, W: w, Others: othersFor(me, newConf),
		Unstable:     old.Unstable,
		UpdatesCount: old.UpdatesCount,
		LastReply:    old.LastReply,
	}
}

func (Protocol) HandleFailure(me messaging.Address, conf config.Config, state interface{}, failed messaging.Address, info error) (config.Config, interface{}) {
	return conf, state
}

func (p *Protocol) HandleMsg(me messaging.Address, env messaging.Envelope, allowSideEffects bool, sm *statemachine.Wrapper, stateVal interface{}) protocol.Directive {
	s := stateVal.(*State)

	switch req := env.Payload.(type) {
	case protocol.ClientCmd:
		return p.handleClientCmd(me, req, allowSideEffects, sm, s)
	case peerOp:
		return p.handlePeerOp(me, req, allowSideEffects, sm, s)
	case stabilized:
		return p.handleStabilized(me, req, allowSideEffects, sm, s)
	default:
		return protocol.NoMatch()
	}
}

func (p *Protocol) handleClientCmd(me messaging.Address, req protocol.ClientCmd, allowSideEffects bool, sm *statemachine.Wrapper, s *State) protocol.Directive {
	qtag := Qtag(req.Variant)
	qsize := s.R
	if qtag == Write {
		qsize = s.W
	}

	if qsize <= 1 {
		if qtag == Write {
			s.UpdatesCount++
		}
		result := sm.Do(req.Cmd, allowSideEffects)
		if allowSideEffects && !result.NoReply {
			messaging.Reply(req.Client, req.Ref, me, result.Reply)
		}
		return protocol.ConsumeWithState(s)
	}

	s.Unstable[req.Ref] = &pendingOp{
		ref: req.Ref, client: req.Client, qtag: qtag, cmd: req.Cmd,
		remResponses: qsize - 1, remReplicas: len(s.Others),
	}
	for _, other := range s.Others {
		messaging.Cast(me, other, peerOp{Ref: req.Ref, Coord: me, Qtag: qtag, Cmd: req.Cmd})
	}
	return protocol.ConsumeWithState(s)
}

func (p *Protocol) handlePeerOp(me messaging.Address, req peerOp, allowSideEffects bool, sm *statemachine.Wrapper, s *State) protocol.Directive {
	if cached, ok := s.LastReply[req.Ref]; ok {
		messaging.Cast(me, req.Coord, stabilized{Ref: req.Ref, Count: cached.Count, Result: cached.Result})
		return protocol.Consume()
	}

	var count uint64
	var result statemachine.Result
	if req.Qtag == Read {
		result = sm.Do(req.Cmd, false)
		count = s.UpdatesCount
	} else {
		s.UpdatesCount++
		result = sm.Do(req.Cmd, allowSideEffects)
		count = s.UpdatesCount
	}

	s.LastReply[req.Ref] = peerReply{Count: count, Result: result.Reply}
	messaging.Cast(me, req.Coord, stabilized{Ref: req.Ref, Count: count, Result: result.Reply})
	return protocol.ConsumeWithState(s)
}

func (p *Protocol) handleStabilized(me messaging.Address, req stabilized, allowSideEffects bool, sm *statemachine.Wrapper, s *State) protocol.Directive {
	op, ok := s.Unstable[req.Ref]
	if !ok {
		return protocol.Consume()
	}

	if req.Count > op.maxCount {
		op.maxCount = req.Count
		op.maxResult = req.Result
	}
	op.remResponses--
	op.remReplicas--

	if op.remResponses == 0 {
		myCount := s.UpdatesCount + 1
		if op.qtag == Write {
			s.UpdatesCount++
		}
		result := sm.Do(op.cmd, true)

		reply := op.maxResult
		if myCount > op.maxCount {
			reply = result.Reply
		}
		if allowSideEffects {
			messaging.Reply(op.client, op.ref, me, reply)
		}
	}

	if op.remReplicas <= 0 {
		delete(s.Unstable, req.Ref)
	}
	return protocol.ConsumeWithState(s)
}
