// Package messaging implements the shared-nothing actor primitives that the
// replication core is built on: mailboxes, cast/call/multicall, and the
// chain-position utility used by the chain protocol.
package messaging

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Envelope is what actually travels through a mailbox: a request or reply
// tagged with the Ref it belongs to and the address the sender expects a
// reply at.
type Envelope struct {
	Ref     Ref
	From    Address
	Payload interface{}
}

// Address is a mailbox handle, the direct analogue of an actor pid. The
// zero value, None, never has anything delivered to it.
type Address struct {
	id     uint64
	name   string
	box    *mailbox
}

// None is the sentinel address used for "no predecessor"/"no successor" in
// Ipn, and for addresses that have not been assigned a mailbox yet.
var None = Address{}

func init() {
	// Address travels as a bare interface{} value wherever a reply payload
	// names one directly (e.g. ForkCmd's success reply), not just as a
	// struct field with a statically known type -- pkg/transport's gob
	// codec needs it registered to decode those replies at all.
	gob.Register(Address{})
}

// IsZero reports whether addr is the None address.
func (a Address) IsZero() bool {
	return a.box == nil
}

// String renders the address for logging.
func (a Address) String() string {
	if a.IsZero() {
		return "<none>"
	}
	if a.name != "" {
		return a.name
	}
	return fmt.Sprintf("addr-%d", a.id)
}

// Equal reports whether two addresses name the same mailbox.
func (a Address) Equal(b Address) bool {
	return a.box == b.box
}

// addressWire is what actually crosses gob: an Address's box pointer is a
// live handle into this process's mailbox table and cannot be serialized
// directly. GobEncode/GobDecode carry (id, name) instead, and GobDecode
// re-resolves box against the process-wide mailbox registry -- this works
// for the same-process round trips Export/Import/Fork are specified to
// support, and produces a harmless dangling (IsZero) address when the id
// does not (or no longer) name a live local mailbox, e.g. after a process
// restart from an archived snapshot.
type addressWire struct {
	ID   uint64
	Name string
}

// GobEncode implements gob.GobEncoder.
func (a Address) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(addressWire{ID: a.id, Name: a.name}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (a *Address) GobDecode(data []byte) error {
	var w addressWire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return err
	}
	a.id = w.ID
	a.name = w.Name
	if box, ok := lookupMailbox(w.ID); ok {
		a.box = box
	}
	return nil
}
