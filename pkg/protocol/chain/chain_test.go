package chain

import (
	"testing"

	"github.com/mkuznets/repliq/pkg/config"
	"github.com/mkuznets/repliq/pkg/messaging"
	"github.com/mkuznets/repliq/pkg/protocol"
	"github.com/mkuznets/repliq/pkg/statemachine"
	"github.com/mkuznets/repliq/pkg/statemachine/echo"
)

func testConf(replicas ...messaging.Address) config.Config {
	return config.Config{Protocol: config.Chain, Replicas: replicas, Version: 1}
}

func TestCastRoutesWritesToHeadReadsToTail(t *testing.T) {
	p := New()
	head, _ := messaging.NewMailbox("head")
	mid, _ := messaging.NewMailbox("mid")
	tail, _ := messaging.NewMailbox("tail")
	conf := testConf(head, mid, tail)

	dst, _ := p.Cast(conf, "w", func(interface{}) bool { return true })
	if !dst.Equal(head) {
		t.Fatalf("write: got %s, want head", dst)
	}
	dst, _ = p.Cast(conf, "r", func(interface{}) bool { return false })
	if !dst.Equal(tail) {
		t.Fatalf("read: got %s, want tail", dst)
	}
}

func TestCastSloppyReadGoesToAChainMember(t *testing.T) {
	p := New()
	head, _ := messaging.NewMailbox("head")
	tail, _ := messaging.NewMailbox("tail")
	conf := testConf(head, tail)
	conf.Args = config.ChainArgs{SloppyReads: true}

	dst, _ := p.Cast(conf, "r", func(interface{}) bool { return false })
	if !dst.Equal(head) && !dst.Equal(tail) {
		t.Fatalf("sloppy read: got %s, want head or tail", dst)
	}
}

func TestNonHeadRejectsDirectMutation(t *testing.T) {
	p := New()
	head, _ := messaging.NewMailbox("head")
	mid, _ := messaging.NewMailbox("mid")
	conf := testConf(head, mid)
	state := p.InitReplica(mid, conf, nil)

	client, clientIn := messaging.NewMailbox("client")
	defer clientIn.Close()
	sm := statemachine.NewWrapper(echo.Factory(true)(), true)
	defer sm.Stop("test")

	env := messaging.Envelope{From: mid, Payload: protocol.ClientCmd{Ref: messaging.NewRef(), Client: client, Cmd: 1}}
	directive := p.HandleMsg(mid, env, true, sm, state)
	if !directive.Matched {
		t.Fatalf("HandleMsg: expected match")
	}
	e, ok := clientIn.Recv()
	if !ok {
		t.Fatalf("client did not get a reply")
	}
	nh, ok := e.Payload.(notHead)
	if !ok || !nh.Head.Equal(head) {
		t.Fatalf("expected notHead{Head: head}, got %+v", e.Payload)
	}
}

func TestUpdatePropagatesHeadToTail(t *testing.T) {
	p := New()
	head, _ := messaging.NewMailbox("head")
	mid, midIn := messaging.NewMailbox("mid")
	defer midIn.Close()
	tail, _ := messaging.NewMailbox("tail")
	conf := testConf(head, mid, tail)
	state := p.InitReplica(head, conf, nil)

	client, _ := messaging.NewMailbox("client")
	sm := statemachine.NewWrapper(echo.Factory(true)(), true)
	defer sm.Stop("test")

	ref := messaging.NewRef()
	env := messaging.Envelope{From: head, Payload: protocol.ClientCmd{Ref: ref, Client: client, Cmd: 5}}
	directive := p.HandleMsg(head, env, true, sm, state)
	if !directive.Matched || !directive.StateChanged {
		t.Fatalf("HandleMsg: got %+v", directive)
	}
	s := directive.NewState.(*State)
	if len(s.Pending) != 1 || s.Pending[0].ref != ref {
		t.Fatalf("expected pending entry for ref %s, got %+v", ref, s.Pending)
	}

	e, ok := midIn.Recv()
	if !ok {
		t.Fatalf("mid did not receive update")
	}
	u, ok := e.Payload.(update)
	if !ok || u.Ref != ref || u.Cmd != 5 {
		t.Fatalf("expected update{Ref: ref, Cmd: 5}, got %+v", e.Payload)
	}
}

func TestTailRepliesAndAcksUpstream(t *testing.T) {
	p := New()
	head, headIn := messaging.NewMailbox("head")
	defer headIn.Close()
	tail, _ := messaging.NewMailbox("tail")
	conf := testConf(head, tail)
	state := p.InitReplica(tail, conf, nil)

	client, clientIn := messaging.NewMailbox("client")
	defer clientIn.Close()
	sm := statemachine.NewWrapper(echo.Factory(true)(), true)
	defer sm.Stop("test")

	ref := messaging.NewRef()
	env := messaging.Envelope{From: head, Payload: update{Ref: ref, Client: client, Cmd: 9}}
	directive := p.HandleMsg(tail, env, true, sm, state)
	if !directive.Matched || !directive.StateChanged {
		t.Fatalf("HandleMsg: got %+v", directive)
	}

	e, ok := clientIn.Recv()
	if !ok || e.Payload != 9 {
		t.Fatalf("client did not get reply: %+v, ok=%v", e, ok)
	}
	a, ok := headIn.Recv()
	if !ok {
		t.Fatalf("head did not receive ack")
	}
	ack, ok := a.Payload.(ack)
	if !ok || ack.Ref != ref {
		t.Fatalf("expected ack{Ref: ref}, got %+v", a.Payload)
	}
}

func TestHandleAckClearsPending(t *testing.T) {
	p := New()
	head, _ := messaging.NewMailbox("head")
	mid, _ := messaging.NewMailbox("mid")
	conf := testConf(head, mid)
	s := p.InitReplica(head, conf, nil).(*State)
	ref := messaging.NewRef()
	client, _ := messaging.NewMailbox("client")
	s.Pending = append(s.Pending, pendingUpdate{ref: ref, client: client, cmd: 1})

	env := messaging.Envelope{From: mid, Payload: ack{Ref: ref}}
	directive := p.HandleMsg(head, env, true, nil, s)
	if !directive.Matched {
		t.Fatalf("HandleMsg: expected match")
	}
	got := directive.NewState.(*State)
	if len(got.Pending) != 0 {
		t.Fatalf("expected Pending cleared, got %+v", got.Pending)
	}
}

func TestExportImportPreservesPending(t *testing.T) {
	p := New()
	head, _ := messaging.NewMailbox("head")
	tail, _ := messaging.NewMailbox("tail")
	conf := testConf(head, tail)
	s := p.InitReplica(head, conf, nil).(*State)
	client, _ := messaging.NewMailbox("client")
	s.Pending = append(s.Pending, pendingUpdate{ref: messaging.NewRef(), client: client, cmd: "x"})

	data := p.Export(s)
	restored := p.Import(data).(*State)
	if len(restored.Pending) != 1 || restored.Pending[0].cmd != "x" {
		t.Fatalf("Import: got %+v", restored.Pending)
	}
}
