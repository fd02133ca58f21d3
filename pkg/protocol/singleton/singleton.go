// Package singleton implements the trivial one-replica protocol: every
// command goes straight to the single replica, which answers directly out
// of its state machine. It exists mainly to establish the Protocol
// callback shape that the other three protocols elaborate on.
package singleton

import (
	"github.com/mkuznets/repliq/pkg/config"
	"github.com/mkuznets/repliq/pkg/messaging"
	"github.com/mkuznets/repliq/pkg/protocol"
	"github.com/mkuznets/repliq/pkg/statemachine"
)

// Protocol implements protocol.Protocol for the singleton case.
type Protocol struct{}

// New returns a singleton Protocol.
func New() *Protocol { return &Protocol{} }

func (Protocol) Type() config.ProtocolTag { return config.Single }

func (Protocol) ConfArgs() interface{} { return nil }

func (Protocol) Overloads() []string { return nil }

func (Protocol) Cast(conf config.Config, cmd interface{}, isMutating func(interface{}) bool) (messaging.Address, interface{}) {
	if len(conf.Replicas) == 0 {
		return messaging.None, nil
	}
	return conf.Replicas[0], protocol.ClientCmd{Cmd: cmd}
}

func (Protocol) InitReplica(me messaging.Address, conf config.Config, args interface{}) interface{} {
	return nil
}

func (Protocol) Import(data []byte) interface{} { return nil }

func (Protocol) Export(state interface{}) []byte { return nil }

func (Protocol) UpdateState(me messaging.Address, newConf config.Config, oldState interface{}) interface{} {
	return oldState
}

func (Protocol) HandleFailure(me messaging.Address, conf config.Config, state interface{}, failed messaging.Address, info error) (config.Config, interface{}) {
	return conf, state
}

func (Protocol) HandleMsg(me messaging.Address, env messaging.Envelope, allowSideEffects bool, sm *statemachine.Wrapper, state interface{}) protocol.Directive {
	req, ok := env.Payload.(protocol.ClientCmd)
	if !ok {
		return protocol.NoMatch()
	}
	result := sm.Do(req.Cmd, allowSideEffects)
	if allowSideEffects && !result.NoReply {
		messaging.Reply(req.Client, req.Ref, me, result.Reply)
	}
	return protocol.Consume()
}
