// Package kv is a small in-memory key-value store implementing
// statemachine.Machine, adapted from the teacher's KVStateMachine (which
// implemented its own bespoke Raft StateMachine interface) onto the
// replication core's Machine contract. It is the object cmd/repliqd serves
// and cmd/repliqctl drives; the protocol tests use the echo machine instead.
package kv

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/mkuznets/repliq/pkg/statemachine"
)

func init() {
	gob.Register(Command{})
	gob.Register(Reply{})
}

// CommandType names the operation a Command performs.
type CommandType int

const (
	// Put sets a key to a value.
	Put CommandType = iota
	// Delete removes a key.
	Delete
	// Get retrieves a value without mutating state.
	Get
)

// Command is the only cmd type this module's Machine accepts.
type Command struct {
	Type  CommandType
	Key   string
	Value []byte
}

// Reply is what HandleCmd returns as its Result.Reply.
type Reply struct {
	Found bool
	Value []byte
	Err   string
}

// state is the Machine's replicated state: a plain map guarded entirely by
// the statemachine.Wrapper goroutine that owns it -- Machine implementations
// are never called concurrently with themselves, so no lock is needed here
// the way KVStateMachine needed one guarding concurrent Apply/Get/Snapshot
// calls from multiple Raft goroutines.
type state map[string][]byte

// Machine implements statemachine.Machine for the kv module.
type Machine struct{}

// NewFactory returns a statemachine.Factory that produces fresh Machine
// instances -- Machine itself carries no fields, since all of its state
// lives in the `state` value the wrapper threads through HandleCmd.
func NewFactory() statemachine.Factory {
	return func() statemachine.Machine { return Machine{} }
}

// Init ignores args and starts from an empty store.
func (Machine) Init(args interface{}) interface{} {
	return state{}
}

// HandleCmd applies cmd to st and returns the resulting Result. Put/Delete
// mutate; Get does not.
func (Machine) HandleCmd(st, cmd interface{}, allowSideEffects bool) statemachine.Result {
	s := st.(state)
	c, ok := cmd.(Command)
	if !ok {
		return statemachine.Result{Reply: Reply{Err: fmt.Sprintf("kv: unknown command type %T", cmd)}}
	}

	switch c.Type {
	case Put:
		next := make(state, len(s)+1)
		for k, v := range s {
			next[k] = v
		}
		next[c.Key] = c.Value
		return statemachine.Result{
			Reply:        Reply{Found: true, Value: c.Value},
			State:        next,
			StateChanged: true,
		}

	case Delete:
		if _, existed := s[c.Key]; !existed {
			return statemachine.Result{Reply: Reply{Found: false}}
		}
		next := make(state, len(s))
		for k, v := range s {
			if k != c.Key {
				next[k] = v
			}
		}
		return statemachine.Result{
			Reply:        Reply{Found: true},
			State:        next,
			StateChanged: true,
		}

	case Get:
		v, found := s[c.Key]
		return statemachine.Result{Reply: Reply{Found: found, Value: v}}

	default:
		return statemachine.Result{Reply: Reply{Err: fmt.Sprintf("kv: unknown command type %d", c.Type)}}
	}
}

// IsMutating reports whether cmd's Type changes the store, without applying
// it -- a pure function of the command alone, as statemachine.Machine
// requires.
func (Machine) IsMutating(cmd interface{}) bool {
	c, ok := cmd.(Command)
	if !ok {
		return false
	}
	return c.Type == Put || c.Type == Delete
}

// Export gob-encodes the whole store, the same approach KVStateMachine.Snapshot
// used for its Raft snapshots.
func (Machine) Export(st interface{}) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st.(state)); err != nil {
		panic(fmt.Sprintf("kv: export: %v", err))
	}
	return buf.Bytes()
}

// ExportTag exports the single key named by tag, or an empty store if it is
// absent -- the closest a flat key-value map has to a named partition.
func (Machine) ExportTag(st interface{}, tag string) []byte {
	s := st.(state)
	partial := state{}
	if v, ok := s[tag]; ok {
		partial[tag] = v
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(partial); err != nil {
		panic(fmt.Sprintf("kv: export tag %q: %v", tag, err))
	}
	return buf.Bytes()
}

// Import decodes bytes produced by Export back into a store.
func (Machine) Import(data []byte) interface{} {
	s := state{}
	if len(data) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
			panic(fmt.Sprintf("kv: import: %v", err))
		}
	}
	return s
}

// Stop is a no-op: the store holds no resources beyond the map itself.
func (Machine) Stop(interface{}, string) {}
