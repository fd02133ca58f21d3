package quorum

import (
	"testing"

	"github.com/mkuznets/repliq/pkg/config"
	"github.com/mkuznets/repliq/pkg/messaging"
	"github.com/mkuznets/repliq/pkg/protocol"
	"github.com/mkuznets/repliq/pkg/statemachine"
	"github.com/mkuznets/repliq/pkg/statemachine/echo"
)

func testConf(replicas ...messaging.Address) config.Config {
	return config.Config{Protocol: config.Quorum, Replicas: replicas, Version: 1}
}

func TestCastTagsWritesAndReads(t *testing.T) {
	p := New()
	a, _ := messaging.NewMailbox("a")
	b, _ := messaging.NewMailbox("b")
	conf := testConf(a, b)

	_, payload := p.Cast(conf, "w", func(interface{}) bool { return true })
	cmd := payload.(protocol.ClientCmd)
	if Qtag(cmd.Variant) != Write {
		t.Fatalf("expected Write tag, got %v", cmd.Variant)
	}

	_, payload = p.Cast(conf, "r", func(interface{}) bool { return false })
	cmd = payload.(protocol.ClientCmd)
	if Qtag(cmd.Variant) != Read {
		t.Fatalf("expected Read tag, got %v", cmd.Variant)
	}
}

func TestCoordinatorFansOutToPeersOnQuorumGreaterThanOne(t *testing.T) {
	a, _ := messaging.NewMailbox("a")
	b, bIn := messaging.NewMailbox("b")
	defer bIn.Close()
	c, cIn := messaging.NewMailbox("c")
	defer cIn.Close()
	conf := testConf(a, b, c) // n=3, majority r=w=2

	p := New()
	state := p.InitReplica(a, conf, nil)

	client, _ := messaging.NewMailbox("client")
	sm := statemachine.NewWrapper(echo.Factory(true)(), true)
	defer sm.Stop("test")

	ref := messaging.NewRef()
	env := messaging.Envelope{From: a, Payload: protocol.ClientCmd{Ref: ref, Client: client, Cmd: 3, Variant: int(Write)}}
	directive := p.HandleMsg(a, env, true, sm, state)
	if !directive.Matched || !directive.StateChanged {
		t.Fatalf("HandleMsg: got %+v", directive)
	}
	s := directive.NewState.(*State)
	if _, ok := s.Unstable[ref]; !ok {
		t.Fatalf("expected an unstable entry for ref %s", ref)
	}

	be, ok := bIn.Recv()
	if !ok {
		t.Fatalf("peer b did not receive a peerOp")
	}
	if _, ok := be.Payload.(peerOp); !ok {
		t.Fatalf("expected peerOp, got %T", be.Payload)
	}
	ce, ok := cIn.Recv()
	if !ok {
		t.Fatalf("peer c did not receive a peerOp")
	}
	if _, ok := ce.Payload.(peerOp); !ok {
		t.Fatalf("expected peerOp, got %T", ce.Payload)
	}
}

func TestSingleReplicaQuorumAppliesImmediately(t *testing.T) {
	a, _ := messaging.NewMailbox("a")
	conf := testConf(a)
	p := New()
	state := p.InitReplica(a, conf, nil)

	client, clientIn := messaging.NewMailbox("client")
	defer clientIn.Close()
	sm := statemachine.NewWrapper(echo.Factory(true)(), true)
	defer sm.Stop("test")

	ref := messaging.NewRef()
	env := messaging.Envelope{From: a, Payload: protocol.ClientCmd{Ref: ref, Client: client, Cmd: 11, Variant: int(Write)}}
	directive := p.HandleMsg(a, env, true, sm, state)
	if !directive.Matched {
		t.Fatalf("HandleMsg: expected match")
	}
	e, ok := clientIn.Recv()
	if !ok || e.Payload != 11 {
		t.Fatalf("client did not get immediate reply: %+v, ok=%v", e, ok)
	}
}

func TestHandlePeerOpRepliesToCoordinator(t *testing.T) {
	a, aIn := messaging.NewMailbox("a")
	defer aIn.Close()
	b, _ := messaging.NewMailbox("b")
	conf := testConf(a, b)
	p := New()
	state := p.InitReplica(b, conf, nil)
	sm := statemachine.NewWrapper(echo.Factory(true)(), true)
	defer sm.Stop("test")

	ref := messaging.NewRef()
	env := messaging.Envelope{From: a, Payload: peerOp{Ref: ref, Coord: a, Qtag: Write, Cmd: 4}}
	directive := p.HandleMsg(b, env, true, sm, state)
	if !directive.Matched || !directive.StateChanged {
		t.Fatalf("HandleMsg: got %+v", directive)
	}

	e, ok := aIn.Recv()
	if !ok {
		t.Fatalf("coordinator did not get a stabilized reply")
	}
	st, ok := e.Payload.(stabilized)
	if !ok || st.Ref != ref || st.Result != 4 {
		t.Fatalf("expected stabilized{Ref: ref, Result: 4}, got %+v", e.Payload)
	}
}

func TestHandleStabilizedCompletesOnQuorum(t *testing.T) {
	a, _ := messaging.NewMailbox("a")
	b, _ := messaging.NewMailbox("b")
	c, _ := messaging.NewMailbox("c")
	conf := testConf(a, b, c)
	p := New()
	state := p.InitReplica(a, conf, nil).(*State)

	client, clientIn := messaging.NewMailbox("client")
	defer clientIn.Close()
	sm := statemachine.NewWrapper(echo.Factory(true)(), true)
	defer sm.Stop("test")

	ref := messaging.NewRef()
	state.Unstable[ref] = &pendingOp{
		ref: ref, client: client, qtag: Write, cmd: 6,
		remResponses: 1, remReplicas: 2,
	}

	env := messaging.Envelope{From: b, Payload: stabilized{Ref: ref, Count: 1, Result: 6}}
	directive := p.HandleMsg(a, env, true, sm, state)
	if !directive.Matched || !directive.StateChanged {
		t.Fatalf("HandleMsg: got %+v", directive)
	}

	e, ok := clientIn.Recv()
	if !ok || e.Payload != 6 {
		t.Fatalf("client did not get final reply: %+v, ok=%v", e, ok)
	}
}

func TestExportImportPreservesUnstable(t *testing.T) {
	a, _ := messaging.NewMailbox("a")
	b, _ := messaging.NewMailbox("b")
	conf := testConf(a, b)
	p := New()
	s := p.InitReplica(a, conf, nil).(*State)
	ref := messaging.NewRef()
	client, _ := messaging.NewMailbox("client")
	s.Unstable[ref] = &pendingOp{ref: ref, client: client, qtag: Read, cmd: "x", remResponses: 1, remReplicas: 1}
	s.UpdatesCount = 5

	data := p.Export(s)
	restored := p.Import(data).(*State)
	if restored.UpdatesCount != 5 {
		t.Fatalf("Import: UpdatesCount got %d, want 5", restored.UpdatesCount)
	}
	if len(restored.Unstable) != 1 || restored.Unstable[ref].cmd != "x" {
		t.Fatalf("Import: unstable table not preserved: %+v", restored.Unstable)
	}
}
