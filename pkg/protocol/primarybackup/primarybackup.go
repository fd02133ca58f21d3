// Package primarybackup implements ordered dispatch through a designated
// primary with stabilization acknowledgements from backups, per the
// replication core's primary/backup protocol.
package primarybackup

import (
	"encoding/gob"
	"math/rand"

	"github.com/mkuznets/repliq/pkg/config"
	"github.com/mkuznets/repliq/pkg/messaging"
	"github.com/mkuznets/repliq/pkg/protocol"
	"github.com/mkuznets/repliq/pkg/statemachine"
)

func init() {
	gob.Register(replicate{})
	gob.Register(stabilized{})
	gob.Register(notPrimary{})
}

// replicate is what the primary sends to each backup for a mutation.
type replicate struct {
	CmdNum uint64
	Ref    messaging.Ref
	Client messaging.Address
	Cmd    interface{}
}

// stabilized is a backup's acknowledgement back to the primary.
type stabilized struct {
	CmdNum uint64
}

// notPrimary is what a backup replies when it is handed a mutating command
// directly, so the caller can redirect its retry.
type notPrimary struct {
	Primary messaging.Address
}

// pendingCmd is a mutation the primary is still waiting on backups to
// acknowledge.
type pendingCmd struct {
	remaining int
	ref       messaging.Ref
	client    messaging.Address
	cmd       interface{}
}

// State is the primary/backup protocol's private per-replica state. Role
// fields (IsPrimary/Primary/Backups) are recomputed from the configuration
// every time UpdateState runs; Unstable/StableCount/NextCmdNum are carried
// forward unchanged across reconfigurations so in-flight mutations survive.
type State struct {
	IsPrimary bool
	Primary   messaging.Address
	Backups   []messaging.Address

	Unstable    map[uint64]*pendingCmd
	StableCount uint64
	NextCmdNum  uint64
}

func roleFor(me messaging.Address, conf config.Config) (isPrimary bool, primary messaging.Address, backups []messaging.Address) {
	if len(conf.Replicas) == 0 {
		return false, messaging.None, nil
	}
	primary = conf.Replicas[0]
	isPrimary = me.Equal(primary)
	if isPrimary {
		backups = append([]messaging.Address(nil), conf.Replicas[1:]...)
	}
	return isPrimary, primary, backups
}

// exportedState is the gob-friendly encoding of State.
type exportedState struct {
	IsPrimary   bool
	Primary     messaging.Address
	Backups     []messaging.Address
	Unstable    map[uint64]exportedPending
	StableCount uint64
	NextCmdNum  uint64
}

type exportedPending struct {
	Remaining int
	Ref       messaging.Ref
	Client    messaging.Address
	Cmd       interface{}
}

// Protocol implements protocol.Protocol for primary/backup replication.
type Protocol struct {
	rand *rand.Rand
}

// New returns a primary/backup Protocol.
func New() *Protocol {
	return &Protocol{rand: rand.New(rand.NewSource(1))}
}

func (Protocol) Type() config.ProtocolTag { return config.PrimaryBackup }

func (Protocol) ConfArgs() interface{} { return config.PrimaryBackupArgs{} }

func (Protocol) Overloads() []string { return nil }

// Cast routes mutating commands to the primary (index 0) and non-mutating
// commands per the configuration's ReadSrc policy.
func (p *Protocol) Cast(conf config.Config, cmd interface{}, isMutating func(interface{}) bool) (messaging.Address, interface{}) {
	if len(conf.Replicas) == 0 {
		return messaging.None, nil
	}
	if isMutating(cmd) {
		return conf.Replicas[0], protocol.ClientCmd{Cmd: cmd}
	}

	readSrc := config.ReadPrimary
	if args, ok := conf.Args.(config.PrimaryBackupArgs); ok {
		readSrc = args.ReadSrc
	}

	switch readSrc {
	case config.ReadBackup:
		if len(conf.Replicas) == 1 {
			return conf.Replicas[0], protocol.ClientCmd{Cmd: cmd}
		}
		idx := 1 + p.rand.Intn(len(conf.Replicas)-1)
		return conf.Replicas[idx], protocol.ClientCmd{Cmd: cmd}
	case config.ReadRandom:
		idx := p.rand.Intn(len(conf.Replicas))
		return conf.Replicas[idx], protocol.ClientCmd{Cmd: cmd}
	default:
		return conf.Replicas[0], protocol.ClientCmd{Cmd: cmd}
	}
}

func (Protocol) InitReplica(me messaging.Address, conf config.Config, args interface{}) interface{} {
	isPrimary, primary, backups := roleFor(me, conf)
	return &State{
		IsPrimary: isPrimary,
		Primary:   primary,
		Backups:   backups,
		Unstable:  make(map[uint64]*pendingCmd),
	}
}

func (Protocol) Export(st interface{}) []byte {
	s := st.(*State)
	exp := exportedState{
		IsPrimary:   s.IsPrimary,
		Primary:     s.Primary,
		Backups:     s.Backups,
		Unstable:    make(map[uint64]exportedPending, len(s.Unstable)),
		StableCount: s.StableCount,
		NextCmdNum:  s.NextCmdNum,
	}
	for n, pc := range s.Unstable {
		exp.Unstable[n] = exportedPending{Remaining: pc.remaining, Ref: pc.ref, Client: pc.client, Cmd: pc.cmd}
	}
	return protocol.GobEncode(exp)
}

func (Protocol) Import(data []byte) interface{} {
	if len(data) == 0 {
		return &State{Unstable: make(map[uint64]*pendingCmd)}
	}
	var exp exportedState
	protocol.GobDecode(data, &exp)
	s := &State{
		IsPrimary:   exp.IsPrimary,
		Primary:     exp.Primary,
		Backups:     exp.Backups,
		Unstable:    make(map[uint64]*pendingCmd, len(exp.Unstable)),
		StableCount: exp.StableCount,
		NextCmdNum:  exp.NextCmdNum,
	}
	for n, pc := range exp.Unstable {
		s.Unstable[n] = &pendingCmd{remaining: pc.Remaining, ref: pc.Ref, client: pc.Client, cmd: pc.Cmd}
	}
	return s
}

// UpdateState recomputes role from the new configuration but carries the
// unstable table forward unchanged, so mutations already in flight before
// the reconfigure still complete.
func (Protocol) UpdateState(me messaging.Address, newConf config.Config, oldState interface{}) interface{} {
	old := oldState.(*State)
	isPrimary, primary, backups := roleFor(me, newConf)
	return &State{
		IsPrimary:   isPrimary,
		Primary:     primary,
		Backups:     backups,
		Unstable:    old.Unstable,
		StableCount: old.StableCount,
		NextCmdNum:  old.NextCmdNum,
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
	case replicate:
		return p.handleReplicate(me, req, allowSideEffects, sm, s)
	case stabilized:
		return p.handleStabilized(me, req, allowSideEffects, sm, s)
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

	if !s.IsPrimary {
		if allowSideEffects {
			messaging.Reply(req.Client, req.Ref, me, notPrimary{Primary: s.Primary})
		}
		return protocol.Consume()
	}

	n := s.NextCmdNum
	s.NextCmdNum++

	if len(s.Backups) == 0 {
		result := sm.Do(req.Cmd, allowSideEffects)
		if allowSideEffects && !result.NoReply {
			messaging.Reply(req.Client, req.Ref, me, result.Reply)
		}
		s.StableCount = n + 1
		return protocol.ConsumeWithState(s)
	}

	s.Unstable[n] = &pendingCmd{remaining: len(s.Backups), ref: req.Ref, client: req.Client, cmd: req.Cmd}
	for _, backup := range s.Backups {
		messaging.Cast(me, backup, replicate{CmdNum: n, Ref: req.Ref, Client: req.Client, Cmd: req.Cmd})
	}
	return protocol.ConsumeWithState(s)
}

func (p *Protocol) handleReplicate(me messaging.Address, req replicate, allowSideEffects bool, sm *statemachine.Wrapper, s *State) protocol.Directive {
	sm.Do(req.Cmd, allowSideEffects)
	s.StableCount = req.CmdNum + 1
	s.NextCmdNum = req.CmdNum + 1
	messaging.Cast(me, s.Primary, stabilized{CmdNum: req.CmdNum})
	return protocol.ConsumeWithState(s)
}

func (p *Protocol) handleStabilized(me messaging.Address, req stabilized, allowSideEffects bool, sm *statemachine.Wrapper, s *State) protocol.Directive {
	pending, ok := s.Unstable[req.CmdNum]
	if !ok {
		// Late or duplicate stabilization; already committed. Drop it.
		return protocol.Consume()
	}
	pending.remaining--
	if pending.remaining > 0 {
		return protocol.ConsumeWithState(s)
	}

	result := sm.Do(pending.cmd, allowSideEffects)
	if allowSideEffects && !result.NoReply {
		messaging.Reply(pending.client, pending.ref, me, result.Reply)
	}
	delete(s.Unstable, req.CmdNum)
	s.StableCount++
	return protocol.ConsumeWithState(s)
}
