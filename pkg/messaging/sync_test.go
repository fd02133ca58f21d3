package messaging

import (
	"context"
	"testing"
	"time"
)

// echoResponder replies to every request it receives with the same payload,
// stopping once stop is closed.
func echoResponder(in *Inbox, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		e, ok := in.Recv()
		if !ok {
			return
		}
		Reply(e.From, e.Ref, in.Address(), e.Payload)
	}
}

func TestCall(t *testing.T) {
	addr, in := NewMailbox("responder")
	defer in.Close()
	stop := make(chan struct{})
	defer close(stop)
	go echoResponder(in, stop)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := Call(ctx, None, addr, "ping", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp != "ping" {
		t.Fatalf("Call: got %v", resp)
	}
}

func TestCallTimesOut(t *testing.T) {
	addr, in := NewMailbox("black-hole")
	defer in.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := Call(ctx, None, addr, "ping", 10*time.Millisecond); err == nil {
		t.Fatalf("Call: expected an error against an unresponsive mailbox")
	}
}

func TestAnycall(t *testing.T) {
	var addrs []Address
	var stops []chan struct{}
	for i := 0; i < 3; i++ {
		addr, in := NewMailbox("r")
		stop := make(chan struct{})
		go echoResponder(in, stop)
		addrs = append(addrs, addr)
		stops = append(stops, stop)
	}
	defer func() {
		for _, s := range stops {
			close(s)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := Anycall(ctx, None, addrs, "ping", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Anycall: %v", err)
	}
	if resp != "ping" {
		t.Fatalf("Anycall: got %v", resp)
	}
}

func TestMulticallWaitsForN(t *testing.T) {
	var addrs []Address
	var stops []chan struct{}
	for i := 0; i < 3; i++ {
		addr, in := NewMailbox("r")
		stop := make(chan struct{})
		go echoResponder(in, stop)
		addrs = append(addrs, addr)
		stops = append(stops, stop)
	}
	defer func() {
		for _, s := range stops {
			close(s)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := Multicall(ctx, None, addrs, "ping", 3, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Multicall: %v", err)
	}
	if len(resp) != 3 {
		t.Fatalf("Multicall: got %d replies, want 3", len(resp))
	}
}
