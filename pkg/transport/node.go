// Package transport carries messaging.Envelopes between processes. Replicas
// exchange plain Go values through in-process mailboxes as long as every
// participant lives in the same process; Node and Forwarder extend that to
// a set of processes reachable over gRPC, without requiring protoc-compiled
// stubs for the message types the replication core invents at will.
package transport

// Node names a place a replica can run: either this process (Local) or a
// remote process reachable at Addr, dialed through a Forwarder.
type Node struct {
	Local bool
	Addr  string
}

// LocalNode is the Node value meaning "spawn here".
var LocalNode = Node{Local: true}

// RemoteNode names a peer process's Forwarder listen address.
func RemoteNode(addr string) Node {
	return Node{Addr: addr}
}
