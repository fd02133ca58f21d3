package transport

import (
	"encoding/gob"

	"github.com/mkuznets/repliq/pkg/config"
)

func init() {
	gob.Register(wireError{})
	gob.Register(wireEmptyAck{})
}

// wireError stands in for a plain error value crossing Deliver. A gob
// codec can only decode a concrete type it knows the name of, and the
// errors fmt.Errorf/errors.New produce are unexported types private to the
// standard library -- there is no way to register them. wireError carries
// the message across instead; the receiving end sees an error (it
// implements the interface) but loses whatever errors.Is/As chain the
// original had, the same information a plain string reason would.
type wireError struct {
	Msg string
}

func (e wireError) Error() string { return e.Msg }

// wireEmptyAck stands in for struct{}{}, the zero-information ack several
// replica kernel replies use (StopCmd, ImportCmd, Reconfigure's success
// case is ReconfigureAck instead, but nothing stops a future built-in from
// reusing struct{}{}). Anonymous struct types are awkward to register with
// gob reliably across encoder/decoder versions, so Deliver never puts one
// on the wire directly.
type wireEmptyAck struct{}

// wireEnvelope is what actually crosses a Deliver call. Payload is the
// gob encoding of an interface{} rather than a bare interface{} field so
// that decoding it is a separate, explicit step (see forwarder.go) -- the
// From address embedded in a live messaging.Envelope cannot cross the wire
// as-is (its mailbox pointer is only meaningful in the sending process), so
// From travels as a (node, name) pair instead and is turned back into a
// local proxy Address on arrival.
type wireEnvelope struct {
	Ref      string
	ToName   string
	FromNode string
	FromName string
	Payload  []byte

	// ClientNode/ClientName carry protocol.ClientCmd.Client across the wire
	// separately from Payload: it is a raw messaging.Address embedded
	// inside a gob-encoded interface{} value, so it cannot be resolved the
	// way From is (see Forwarder.deliverRemote/deliver). Empty when the
	// payload is not a protocol.ClientCmd.
	ClientNode string
	ClientName string
}

// wireAck is Deliver's reply. It carries no data of its own; Err is set
// when the target mailbox is not (or no longer) exported by the receiving
// Forwarder.
type wireAck struct {
	Err string
}

// spawnRequest asks a remote Forwarder to materialise a replica from a
// snapshot exported by ForkCmd, the way replica.RemoteSpawner is specified
// to for a non-local transport.Node.
type spawnRequest struct {
	Protocol config.ProtocolTag
	SMModule config.SMModule
	Snapshot []byte
}

// spawnReply names the local mailbox the new replica was exported under, so
// the caller can build a proxy Address for it.
type spawnReply struct {
	Name string
	Err  string
}
