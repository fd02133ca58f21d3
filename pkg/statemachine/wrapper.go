package statemachine

import (
	"log"

	"github.com/mkuznets/repliq/pkg/messaging"
)

// request is the internal message shape the wrapper's loop drains; every
// public method below constructs one, sends it, and waits on done so calls
// only return once the SM has finished handling that particular request --
// this is what "serializes commands" means in practice.
type request struct {
	kind interface{}
	done chan interface{}
}

type doReq struct {
	cmd              interface{}
	allowSideEffects bool
}

type doReplyReq struct {
	ref              messaging.Ref
	client           messaging.Address
	self             messaging.Address
	cmd              interface{}
	allowSideEffects bool
}

type exportReq struct{ tag string }
type importReq struct{ data []byte }
type getStateReq struct{}
type setStateReq struct{ state interface{} }
type stopReq struct{ reason string }

// Wrapper runs a Machine on a dedicated goroutine so that concurrent
// callers (the replica kernel handling client and peer traffic, plus any
// shadow reads) never interleave two commands against the same state.
type Wrapper struct {
	machine Machine
	state   interface{}
	reqs    chan request
	done    chan struct{}
}

// NewWrapper starts a Wrapper goroutine around machine, initialised with
// args.
func NewWrapper(machine Machine, args interface{}) *Wrapper {
	w := &Wrapper{
		machine: machine,
		state:   machine.Init(args),
		reqs:    make(chan request),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Wrapper) loop() {
	defer func() {
		select {
		case <-w.done:
		default:
			close(w.done)
		}
	}()
	for r := range w.reqs {
		switch req := r.kind.(type) {
		case doReq:
			result, ok := w.safeHandleCmd(req.cmd, req.allowSideEffects)
			if !ok {
				// NoReply so a caller that replies based on the Result
				// itself (e.g. singleton/chain/quorum's HandleMsg) does not
				// send a stray nil reply; the kernel notices Stopped()
				// closed and sends the real ErrReplicaStopped instead.
				close(w.done)
				r.done <- Result{NoReply: true}
				return
			}
			if result.StateChanged {
				w.state = result.State
			}
			r.done <- result

		case doReplyReq:
			result, ok := w.safeHandleCmd(req.cmd, req.allowSideEffects)
			if !ok {
				// NoReply so a caller that replies based on the Result
				// itself (e.g. singleton/chain/quorum's HandleMsg) does not
				// send a stray nil reply; the kernel notices Stopped()
				// closed and sends the real ErrReplicaStopped instead.
				close(w.done)
				r.done <- Result{NoReply: true}
				return
			}
			if result.StateChanged {
				w.state = result.State
			}
			if req.allowSideEffects && !result.NoReply {
				messaging.Reply(req.client, req.ref, req.self, result.Reply)
			}
			r.done <- result

		case exportReq:
			var data []byte
			if req.tag == "" {
				data = w.machine.Export(w.state)
			} else {
				data = w.machine.ExportTag(w.state, req.tag)
			}
			r.done <- data

		case importReq:
			w.state = w.machine.Import(req.data)
			r.done <- struct{}{}

		case getStateReq:
			r.done <- w.state

		case setStateReq:
			w.state = req.state
			r.done <- struct{}{}

		case stopReq:
			w.machine.Stop(w.state, req.reason)
			r.done <- struct{}{}
			return
		}
	}
}

// safeHandleCmd invokes Machine.HandleCmd with a panic recovered, since this
// is the one point at which arbitrary user-module code runs on the wrapper's
// own goroutine. ok is false if HandleCmd panicked; the loop must not trust
// w.state or resume serving requests afterward.
func (w *Wrapper) safeHandleCmd(cmd interface{}, allowSideEffects bool) (result Result, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[ERROR] statemachine: recovered panic in HandleCmd(%T): %v -- stopping", cmd, rec)
			ok = false
		}
	}()
	return w.machine.HandleCmd(w.state, cmd, allowSideEffects), true
}

func (w *Wrapper) call(kind interface{}) interface{} {
	done := make(chan interface{}, 1)
	select {
	case w.reqs <- request{kind: kind, done: done}:
	case <-w.done:
		return nil
	}
	// The loop answers every request it has taken, including the one whose
	// HandleCmd panicked, so waiting on done alone cannot hang.
	return <-done
}

// Do applies cmd synchronously and returns the machine's Result. If
// HandleCmd panics, the caller never sees the panic: that call returns a
// Result with NoReply set, Stopped is already closed when it returns, and
// every later call returns a zero Result.
func (w *Wrapper) Do(cmd interface{}, allowSideEffects bool) Result {
	result, _ := w.call(doReq{cmd: cmd, allowSideEffects: allowSideEffects}).(Result)
	return result
}

// DoReply applies cmd and, when allowSideEffects is true and the machine
// produced a reply, delivers it directly to client's mailbox tagged with
// ref -- bypassing whatever goroutine issued the request. It still returns
// the Result so the caller (typically a protocol's replica-side handler)
// can inspect it for bookkeeping (e.g. quorum's stabilized count). If
// HandleCmd panics, no reply is delivered and the Result is the same as Do's
// in that case.
func (w *Wrapper) DoReply(ref messaging.Ref, client, self messaging.Address, cmd interface{}, allowSideEffects bool) Result {
	result, _ := w.call(doReplyReq{ref: ref, client: client, self: self, cmd: cmd, allowSideEffects: allowSideEffects}).(Result)
	return result
}

// IsMutating classifies cmd without touching the wrapper's goroutine at
// all -- Machine.IsMutating is documented as a pure function of cmd alone,
// so there is nothing to serialize against.
func (w *Wrapper) IsMutating(cmd interface{}) bool {
	return w.machine.IsMutating(cmd)
}

// Export serializes the current state.
func (w *Wrapper) Export() []byte {
	data, _ := w.call(exportReq{}).([]byte)
	return data
}

// ExportTag serializes the partition of state named by tag.
func (w *Wrapper) ExportTag(tag string) []byte {
	data, _ := w.call(exportReq{tag: tag}).([]byte)
	return data
}

// Import replaces the current state with the decoding of data.
func (w *Wrapper) Import(data []byte) {
	w.call(importReq{data: data})
}

// GetState returns the current state value (used by protocol fork logic
// that needs the raw state rather than its exported bytes).
func (w *Wrapper) GetState() interface{} {
	return w.call(getStateReq{})
}

// SetState replaces the current state directly.
func (w *Wrapper) SetState(state interface{}) {
	w.call(setStateReq{state: state})
}

// Stop invokes Machine.Stop and terminates the wrapper's goroutine. Further
// calls return zero values immediately; callers must not use it again.
func (w *Wrapper) Stop(reason string) {
	w.call(stopReq{reason: reason})
	<-w.done
}

// Stopped is closed once the wrapper's loop goroutine has exited, whether
// via Stop or a recovered panic inside Machine.HandleCmd. The replica kernel
// polls this after every dispatch that may have called Do/DoReply so a
// HandleCmd panic -- which happens on this goroutine, not the kernel's --
// still brings the whole replica down.
func (w *Wrapper) Stopped() <-chan struct{} { return w.done }
