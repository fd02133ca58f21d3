package messaging

import (
	"sync"
	"sync/atomic"

	"github.com/mkuznets/repliq/pkg/errs"
)

// mailbox is an unbounded FIFO queue backed by a growable slice, guarded by
// a condition variable. It is the concrete realisation of "unbounded MPSC
// channel" from the concurrency model: any number of senders may Send
// concurrently, and exactly one receiver goroutine drains it via Recv.
type mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Envelope
	closed  bool
	forward func(Envelope)
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) send(e Envelope) {
	if m.forward != nil {
		m.forward(e)
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		notifyStopped(e)
		return
	}
	defer m.mu.Unlock()
	m.queue = append(m.queue, e)
	m.cond.Signal()
}

// rawSend enqueues e without ever calling notifyStopped itself, so telling a
// caller its destination stopped can never recurse into telling someone else
// the same thing.
func (m *mailbox) rawSend(e Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.queue = append(m.queue, e)
	m.cond.Signal()
}

// notifyStopped tells e's sender that its destination mailbox is already
// closed, so a Call spinning on retransmission (see sync.go) observes
// ErrReplicaStopped on its next retry instead of resending forever against a
// mailbox that will never reply.
func notifyStopped(e Envelope) {
	if e.From.IsZero() || e.Ref == "" {
		return
	}
	e.From.box.rawSend(Envelope{Ref: e.Ref, From: Address{}, Payload: errs.ErrReplicaStopped})
}

// recv blocks until an envelope is available or the mailbox is closed.
// ok is false only when the mailbox has been closed and drained.
func (m *mailbox) recv() (Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.queue) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.queue) == 0 {
		return Envelope{}, false
	}
	e := m.queue[0]
	m.queue = m.queue[1:]
	return e, true
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
}

var addrCounter uint64

// registry maps an address id to its live mailbox in this process, so a
// gob-decoded Address (see addressWire in address.go) can be resolved back
// to something messages can actually be delivered to.
var registry sync.Map // uint64 -> *mailbox

// NewMailbox allocates a fresh mailbox and returns its address plus the
// Inbox that receives from it. There is no channel-based receive: Inbox.Recv
// blocks until an envelope arrives or the mailbox is closed.
func NewMailbox(name string) (Address, *Inbox) {
	box := newMailbox()
	id := atomic.AddUint64(&addrCounter, 1)
	registry.Store(id, box)
	addr := Address{id: id, name: name, box: box}
	return addr, &Inbox{addr: addr, box: box}
}

// lookupMailbox resolves an address id to its live mailbox, if this process
// still holds one.
func lookupMailbox(id uint64) (*mailbox, bool) {
	v, ok := registry.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*mailbox), true
}

// Inbox is the receive side of a mailbox, held by the goroutine that owns
// the address (a replica, an SM wrapper, a collector).
type Inbox struct {
	addr Address
	box  *mailbox
}

// Address returns the address this inbox drains.
func (in *Inbox) Address() Address { return in.addr }

// Recv blocks for the next envelope.
func (in *Inbox) Recv() (Envelope, bool) {
	return in.box.recv()
}

// Close stops future delivery, wakes any blocked Recv, and removes this
// address from the registry gob-decoded addresses resolve against, so a
// stopped replica's old address decodes as harmlessly dangling rather than
// silently reusing a slot a later mailbox might claim.
func (in *Inbox) Close() {
	in.box.close()
	registry.Delete(in.addr.id)
}

// send delivers e to dst unchanged, Ref included; sending to None is a
// no-op.
func send(dst Address, e Envelope) {
	if dst.IsZero() {
		return
	}
	dst.box.send(e)
}

// NewForwardingMailbox returns an Address that is not backed by a local
// queue: every envelope sent to it is handed to fn instead, forever. It is
// never registered for gob address resolution (see addressWire) because
// nothing outside this process can name it by id; callers that need a
// cross-process-nameable stub identify it out of band (a node address plus
// an exported name), the way pkg/transport's Forwarder does.
func NewForwardingMailbox(name string, fn func(Envelope)) Address {
	return Address{id: 0, name: name, box: &mailbox{forward: fn}}
}

// Inject delivers a fully-formed envelope to dst exactly as if it had
// arrived over a local Cast/Reply. pkg/transport uses this to hand off an
// envelope decoded off the wire to the local mailbox it names.
func Inject(dst Address, e Envelope) {
	send(dst, e)
}

// Reply sends resp back to whoever is waiting on ref at address to.
func Reply(to Address, ref Ref, self Address, resp interface{}) {
	send(to, Envelope{Ref: ref, From: self, Payload: resp})
}
