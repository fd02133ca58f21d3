// Package protocol defines the callback interface every replication
// protocol (singleton, primary/backup, chain, quorum) implements, and the
// tagged-variant registry the replica kernel uses to dispatch to one.
package protocol

import (
	"encoding/gob"

	"github.com/mkuznets/repliq/pkg/config"
	"github.com/mkuznets/repliq/pkg/messaging"
	"github.com/mkuznets/repliq/pkg/statemachine"
)

// ClientCmd is the envelope payload every protocol's Cast wraps a client
// command in. Sharing one type (rather than each protocol inventing its
// own) lets the replica kernel recognise "this is client work" generically,
// which it needs before a replica has accepted its first configuration
// (see replica.Replica's neutral-state gate). Variant is protocol-specific:
// quorum stores its Read/Write tag there; the other protocols ignore it.
type ClientCmd struct {
	Ref     messaging.Ref
	Client  messaging.Address
	Cmd     interface{}
	Variant int
}

func init() {
	gob.Register(ClientCmd{})
}

// Directive is what HandleMsg returns to the replica kernel: whether the
// message was consumed (with an optional new protocol state), or whether
// it should fall through to the kernel's built-in handlers.
type Directive struct {
	Matched  bool
	NewState interface{}
	// StateChanged distinguishes Consume (no state change) from
	// ConsumeWithState (swap state), since Go has no sum type to spell
	// that out at the call site.
	StateChanged bool
}

// Consume reports the message as handled with no protocol-state change.
func Consume() Directive { return Directive{Matched: true} }

// ConsumeWithState reports the message as handled and installs newState as
// the protocol's new custom state.
func ConsumeWithState(newState interface{}) Directive {
	return Directive{Matched: true, NewState: newState, StateChanged: true}
}

// NoMatch reports that this protocol has no handler for the message; the
// kernel should try its built-in handlers (reconfigure/get_conf/stop/...).
func NoMatch() Directive { return Directive{Matched: false} }

// Protocol is the callback set every replication protocol implements. All
// methods are pure functions of their arguments plus whatever they choose
// to send over messaging -- none of them may block waiting for a reply
// (that would stall the replica's single-threaded event loop).
type Protocol interface {
	// Type returns this protocol's registry tag.
	Type() config.ProtocolTag

	// ConfArgs returns the zero value of this protocol's Args type, for
	// documentation/introspection purposes.
	ConfArgs() interface{}

	// Overloads names the client-visible command types this protocol
	// recognises beyond a plain SM command (e.g. quorum's read/write
	// tags), for documentation purposes.
	Overloads() []string

	// Cast decides which replica a client command should be delivered to
	// and how it should be wrapped for that replica (every protocol wraps it
	// in a ClientCmd; quorum sets its Variant to Read/Write, the others
	// leave Variant zero).
	// isMutating classifies cmd without requiring a live SM instance --
	// Machine.IsMutating is a pure function of cmd, so the client library
	// hands in a throwaway Machine built from the same Factory the
	// replicas run, purely for this routing decision.
	Cast(conf config.Config, cmd interface{}, isMutating func(interface{}) bool) (messaging.Address, interface{})

	// InitReplica builds the protocol's private state for a brand new
	// replica joining conf for the first time.
	InitReplica(me messaging.Address, conf config.Config, args interface{}) interface{}

	// Import decodes protocol state previously produced by Export.
	Import(data []byte) interface{}

	// Export encodes protocol state to bytes.
	Export(state interface{}) []byte

	// UpdateState recomputes protocol state when a replica accepts a new
	// configuration -- e.g. chain recomputes neighbours; primary/backup
	// and quorum carry their unstable tables forward unchanged.
	UpdateState(me messaging.Address, newConf config.Config, oldState interface{}) interface{}

	// HandleFailure is the hook a monitor/heartbeat collaborator would
	// call on a detected delivery failure. Every protocol in this
	// repository masks (returns its inputs unchanged); a production
	// deployment could override this to trigger an automatic
	// reconfiguration.
	HandleFailure(me messaging.Address, conf config.Config, state interface{}, failed messaging.Address, info error) (config.Config, interface{})

	// HandleMsg is invoked by the kernel for every inbound envelope. sm
	// gives access to the local state machine; allowSideEffects controls
	// whether a reply the SM produces should actually be delivered
	// externally (false during quorum's shadow peer reads).
	HandleMsg(me messaging.Address, env messaging.Envelope, allowSideEffects bool, sm *statemachine.Wrapper, state interface{}) Directive
}
