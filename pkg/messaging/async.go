package messaging

import (
	"time"

	"github.com/mkuznets/repliq/pkg/errs"
)

// ErrTimeout is returned by Collect when its timeout elapses before a
// matching reply arrives. It is the same value as errs.ErrTimeout.
var ErrTimeout = errs.ErrTimeout

// Cast attaches a fresh Ref, sends {Ref, self, req} to dst, and returns the
// Ref immediately without waiting for a reply.
func Cast(self Address, dst Address, req interface{}) Ref {
	ref := NewRef()
	send(dst, Envelope{Ref: ref, From: self, Payload: req})
	return ref
}

// Collect waits up to timeout for a reply matching ref to arrive on in's
// mailbox. Envelopes for other refs that arrive meanwhile are discarded, so
// Collect is only safe on an inbox that nothing else reads or relies on (see
// Call/Multicall in sync.go, which each take a private scratch mailbox of
// their own).
func Collect(in *Inbox, ref Ref, timeout time.Duration) (interface{}, error) {
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			return nil, ErrTimeout
		default:
		}
		e, ok := recvTimeout(in, timeout)
		if !ok {
			return nil, ErrTimeout
		}
		if e.Ref == ref {
			return e.Payload, nil
		}
		// Not our reply; drop it. A dedicated collector inbox never
		// receives anything except replies it is waiting for, so
		// this path is only exercised by misdirected traffic.
	}
}

// recvTimeout adapts the blocking Inbox.Recv to a bounded wait by racing it
// against a timer goroutine. The mailbox has no native select-based receive
// because it is condvar-backed (unbounded queue, no channel capacity to
// select on); this bridges the two worlds for the one caller (Collect) that
// needs a deadline.
func recvTimeout(in *Inbox, timeout time.Duration) (Envelope, bool) {
	type result struct {
		e  Envelope
		ok bool
	}
	ch := make(chan result, 1)
	go func() {
		e, ok := in.Recv()
		ch <- result{e, ok}
	}()
	select {
	case r := <-ch:
		return r.e, r.ok
	case <-time.After(timeout):
		return Envelope{}, false
	}
}
