// Package echo is the simplest possible Machine: its only state is a count
// of applied mutations, and every command it is given comes back unchanged.
// It exists to exercise
// the replication core's control flow (ordering, quorum bookkeeping,
// reconfiguration) without any state-machine-specific noise, mirroring the
// role a trivial counter service plays in the retrieval pack's other
// consensus examples.
package echo

import (
	"encoding/gob"

	"github.com/mkuznets/repliq/pkg/statemachine"
)

func init() {
	// Echo's command type is whatever the caller passes; gob only needs
	// concrete types registered when they travel inside an interface{}
	// field, so the common built-in probes the test suite uses are
	// covered here. A caller with its own command type crossing the
	// transport-layer gob codec must register it itself.
	gob.Register(0)
	gob.Register("")
}

// Machine implements statemachine.Machine by echoing its command as the
// reply. IsMutating returns the same value for every command, as chosen
// by Factory.
type Machine struct {
	mutating bool
}

// Factory returns a statemachine.Factory building an echo Machine.
// mutating controls whether commands are treated as mutations (routed
// through the primary/head/coordinator write path) or reads.
func Factory(mutating bool) statemachine.Factory {
	return func() statemachine.Machine { return &Machine{mutating: mutating} }
}

// Init ignores args; echo carries only a mutation count as state.
func (m *Machine) Init(args interface{}) interface{} {
	return 0
}

// IsMutating reports the factory-configured mutation policy.
func (m *Machine) IsMutating(cmd interface{}) bool {
	return m.mutating
}

// HandleCmd echoes cmd back and, if configured as mutating, bumps the
// observed-mutation counter kept as state.
func (m *Machine) HandleCmd(state, cmd interface{}, allowSideEffects bool) statemachine.Result {
	count := state.(int)
	if m.mutating {
		count++
		return statemachine.Result{Reply: cmd, State: count, StateChanged: true}
	}
	return statemachine.Result{Reply: cmd}
}

// Export encodes the mutation counter as a single big-endian byte (fine
// for demonstration purposes; counts above 255 wrap, which tests never
// exercise).
func (m *Machine) Export(state interface{}) []byte {
	return []byte{byte(state.(int))}
}

// ExportTag ignores tag; echo has no partitionable state.
func (m *Machine) ExportTag(state interface{}, tag string) []byte {
	return m.Export(state)
}

// Import decodes what Export produced.
func (m *Machine) Import(data []byte) interface{} {
	if len(data) == 0 {
		return 0
	}
	return int(data[0])
}

// Stop is a no-op.
func (m *Machine) Stop(state interface{}, reason string) {}
