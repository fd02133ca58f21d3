// Package statemachine wraps a user-supplied deterministic Machine as a
// dedicated goroutine, serializing commands the way a replica's kernel
// expects: one Do/Export/Import/Stop request handled to completion before
// the next is even dequeued.
package statemachine

// Result is what Machine.HandleCmd returns: a reply to send back (unless
// NoReply is set), and the machine's possibly-updated state.
type Result struct {
	Reply        interface{}
	NoReply      bool
	State        interface{}
	StateChanged bool
}

// Machine is the interface a user module implements to be replicated.
// HandleCmd must be deterministic given (state, cmd): same inputs, same
// (Result, state) pair, every time it is called, on every replica.
// IsMutating must be a pure function of cmd alone.
type Machine interface {
	// Init constructs the initial state from factory arguments.
	Init(args interface{}) interface{}

	// HandleCmd applies cmd to state. When allowSideEffects is false the
	// machine must still compute deterministically but the wrapper
	// suppresses delivery of the reply to any external mailbox (used for
	// shadow execution of quorum peer reads).
	HandleCmd(state, cmd interface{}, allowSideEffects bool) Result

	// IsMutating reports whether cmd changes state, without executing it.
	IsMutating(cmd interface{}) bool

	// Export serializes state to bytes for fork/reconfiguration/archival.
	Export(state interface{}) []byte

	// ExportTag serializes a partition of state named by tag, for the
	// (out-of-scope) shard-agent partitioning layer to consume.
	ExportTag(state interface{}, tag string) []byte

	// Import deserializes bytes produced by Export back into state.
	Import(data []byte) interface{}

	// Stop is invoked once, with the reason the replica is terminating
	// ("reconfiguration", or the reason carried by a stop request), for
	// cleanup. It is not invoked when HandleCmd panics.
	Stop(state interface{}, reason string)
}

// Factory constructs a fresh Machine instance. Replicas hold a Factory
// rather than a live Machine so that InitReplica/Fork/Import can each build
// their own instance from the same recipe.
type Factory func() Machine
