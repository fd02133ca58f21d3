package messaging

import (
	"context"
	"sync"
	"time"
)

// Call sends req to pid and retransmits every retry interval until a reply
// bearing the matching Ref arrives or ctx is cancelled. Retransmission is
// idempotent per Ref: the recipient is expected to treat a duplicate Ref as
// a single logical request (see the unstable tables in primarybackup/chain,
// and the last-reply cache in quorum).
//
// self is not used by Call. The reply itself is
// addressed at a scratch mailbox private to this call -- self's own inbox,
// if it has one, is not what Call blocks on, and routing the reply there
// instead would strand it.
func Call(ctx context.Context, self Address, pid Address, req interface{}, retry time.Duration) (interface{}, error) {
	replyTo, in := NewMailbox("")
	defer in.Close()

	ref := NewRef()
	send(pid, Envelope{Ref: ref, From: replyTo, Payload: req})

	ticker := time.NewTicker(retry)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			send(pid, Envelope{Ref: ref, From: replyTo, Payload: req})
		default:
		}

		e, ok := recvUntil(ctx, in, ticker.C)
		if !ok {
			continue
		}
		if e.Ref == ref {
			return e.Payload, nil
		}
	}
}

// recvUntil blocks for the next envelope, waking early on ctx cancellation
// or the retry tick so Call can retransmit without missing a reply that
// arrives in between.
func recvUntil(ctx context.Context, in *Inbox, tick <-chan time.Time) (Envelope, bool) {
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
	case <-ctx.Done():
		return Envelope{}, false
	case <-tick:
		return Envelope{}, false
	}
}

// Multicall issues parallel Calls to every address in pids and returns once
// n replies have arrived (or ctx is cancelled). Anycall is Multicall with
// n=1.
func Multicall(ctx context.Context, self Address, pids []Address, req interface{}, n int, retry time.Duration) ([]interface{}, error) {
	type result struct {
		resp interface{}
		err  error
	}

	results := make(chan result, len(pids))
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, pid := range pids {
		wg.Add(1)
		go func(pid Address) {
			defer wg.Done()
			resp, err := Call(callCtx, self, pid, req, retry)
			results <- result{resp, err}
		}(pid)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	collected := make([]interface{}, 0, n)
	for r := range results {
		if r.err != nil {
			continue
		}
		collected = append(collected, r.resp)
		if len(collected) >= n {
			return collected, nil
		}
	}
	return collected, ErrTimeout
}

// Anycall is Multicall(..., 1, ...): return as soon as any one of pids
// replies.
func Anycall(ctx context.Context, self Address, pids []Address, req interface{}, retry time.Duration) (interface{}, error) {
	resp, err := Multicall(ctx, self, pids, req, 1, retry)
	if err != nil {
		return nil, err
	}
	return resp[0], nil
}
