package replica

import (
	"context"
	"testing"
	"time"

	"github.com/mkuznets/repliq/pkg/config"
	"github.com/mkuznets/repliq/pkg/errs"
	"github.com/mkuznets/repliq/pkg/messaging"
	"github.com/mkuznets/repliq/pkg/protocol"
	"github.com/mkuznets/repliq/pkg/protocol/singleton"
	"github.com/mkuznets/repliq/pkg/statemachine"
	"github.com/mkuznets/repliq/pkg/statemachine/echo"
	"github.com/mkuznets/repliq/pkg/transport"
)

// panicMachine panics on the "boom" command and echoes everything else; it
// exists only to exercise the kernel's panic-recovery path.
type panicMachine struct{}

func panicFactory() statemachine.Factory {
	return func() statemachine.Machine { return panicMachine{} }
}

func (panicMachine) Init(args interface{}) interface{} { return nil }

func (panicMachine) HandleCmd(state, cmd interface{}, allowSideEffects bool) statemachine.Result {
	if cmd == "boom" {
		panic("kaboom")
	}
	return statemachine.Result{Reply: cmd}
}

func (panicMachine) IsMutating(cmd interface{}) bool { return true }

func (panicMachine) Export(state interface{}) []byte { return nil }

func (panicMachine) ExportTag(state interface{}, tag string) []byte { return nil }

func (panicMachine) Import(data []byte) interface{} { return nil }

func (panicMachine) Stop(state interface{}, reason string) {}

func newTestRegistry() *protocol.Registry {
	return protocol.NewRegistry(singleton.New())
}

func TestReplicaRejectsClientCmdBeforeConfiguration(t *testing.T) {
	registry := newTestRegistry()
	addr, _ := New("r", registry, echo.Factory(true), nil)

	client, in := messaging.NewMailbox("client")
	defer in.Close()

	ref := messaging.NewRef()
	messaging.Cast(client, addr, protocol.ClientCmd{Ref: ref, Client: client, Cmd: 1})

	e, ok := in.Recv()
	if !ok {
		t.Fatalf("client got no reply")
	}
	if e.Payload != errs.ErrNotInConfiguration {
		t.Fatalf("expected ErrNotInConfiguration, got %+v", e.Payload)
	}
}

func TestReplicaAcceptsInitialConfigurationAndServesCommands(t *testing.T) {
	registry := newTestRegistry()
	addr, _ := New("r", registry, echo.Factory(true), nil)

	self, in := messaging.NewMailbox("caller")
	defer in.Close()

	conf := config.Config{Protocol: config.Single, Replicas: []messaging.Address{addr}, Version: 1}
	resp, err := messaging.Call(context.Background(), self, addr, Reconfigure{NewConf: conf}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if ack, ok := resp.(ReconfigureAck); !ok || ack.Err != "" {
		t.Fatalf("Reconfigure: got %+v", resp)
	}

	client, clientIn := messaging.NewMailbox("client")
	defer clientIn.Close()
	ref := messaging.NewRef()
	messaging.Cast(client, addr, protocol.ClientCmd{Ref: ref, Client: client, Cmd: "hello"})

	e, ok := clientIn.Recv()
	if !ok || e.Payload != "hello" {
		t.Fatalf("client did not get echoed reply: %+v, ok=%v", e, ok)
	}
}

func TestReplicaIgnoresStaleReconfigure(t *testing.T) {
	registry := newTestRegistry()
	addr, _ := New("r", registry, echo.Factory(true), nil)
	self, in := messaging.NewMailbox("caller")
	defer in.Close()

	v2 := config.Config{Protocol: config.Single, Replicas: []messaging.Address{addr}, Version: 2}
	if _, err := messaging.Call(context.Background(), self, addr, Reconfigure{NewConf: v2}, 20*time.Millisecond); err != nil {
		t.Fatalf("Reconfigure v2: %v", err)
	}

	v1 := config.Config{Protocol: config.Single, Replicas: []messaging.Address{addr}, Version: 1}
	resp, err := messaging.Call(context.Background(), self, addr, Reconfigure{NewConf: v1}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Reconfigure v1: %v", err)
	}
	ack := resp.(ReconfigureAck)
	if ack.Err != "" {
		t.Fatalf("stale reconfigure should ack cleanly, got %+v", ack)
	}

	got, err := messaging.Call(context.Background(), self, addr, GetConf{}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("GetConf: %v", err)
	}
	if got.(config.Config).Version != 2 {
		t.Fatalf("stale reconfigure must not roll back the installed version: got %+v", got)
	}
}

func TestReplicaRemovedFromConfigurationStops(t *testing.T) {
	registry := newTestRegistry()
	addr, repl := New("r", registry, echo.Factory(true), nil)
	self, in := messaging.NewMailbox("caller")
	defer in.Close()

	other, _ := messaging.NewMailbox("other")
	conf := config.Config{Protocol: config.Single, Replicas: []messaging.Address{addr}, Version: 1}
	if _, err := messaging.Call(context.Background(), self, addr, Reconfigure{NewConf: conf}, 20*time.Millisecond); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	withoutMe := config.Config{Protocol: config.Single, Replicas: []messaging.Address{other}, Version: 2}
	if _, err := messaging.Call(context.Background(), self, addr, Reconfigure{NewConf: withoutMe}, 20*time.Millisecond); err != nil {
		t.Fatalf("Reconfigure (removal): %v", err)
	}

	select {
	case <-repl.Stopped():
	case <-time.After(time.Second):
		t.Fatalf("replica did not stop after being dropped from its own configuration")
	}
}

func TestReplicaStopCmdShutsDownCleanly(t *testing.T) {
	registry := newTestRegistry()
	addr, repl := New("r", registry, echo.Factory(true), nil)
	self, in := messaging.NewMailbox("caller")
	defer in.Close()

	resp, err := messaging.Call(context.Background(), self, addr, StopCmd{Reason: "test"}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("StopCmd: %v", err)
	}
	if _, ok := resp.(struct{}); !ok {
		t.Fatalf("StopCmd: got %+v", resp)
	}
	select {
	case <-repl.Stopped():
	case <-time.After(time.Second):
		t.Fatalf("replica did not stop")
	}
}

func TestReplicaExportImportRoundTrip(t *testing.T) {
	registry := newTestRegistry()
	addr, _ := New("r", registry, echo.Factory(true), nil)
	self, in := messaging.NewMailbox("caller")
	defer in.Close()

	conf := config.Config{Protocol: config.Single, Replicas: []messaging.Address{addr}, Version: 1}
	if _, err := messaging.Call(context.Background(), self, addr, Reconfigure{NewConf: conf}, 20*time.Millisecond); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	client, clientIn := messaging.NewMailbox("client")
	defer clientIn.Close()
	messaging.Cast(client, addr, protocol.ClientCmd{Ref: messaging.NewRef(), Client: client, Cmd: 7})
	if _, ok := clientIn.Recv(); !ok {
		t.Fatalf("did not observe the mutation before exporting")
	}

	resp, err := messaging.Call(context.Background(), self, addr, ExportCmd{}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("ExportCmd: %v", err)
	}
	data, ok := resp.([]byte)
	if !ok || len(data) == 0 {
		t.Fatalf("ExportCmd: got %+v", resp)
	}

	addr2, _ := New("r2", registry, echo.Factory(true), nil)
	if _, err := messaging.Call(context.Background(), self, addr2, ImportCmd{Data: data}, 20*time.Millisecond); err != nil {
		t.Fatalf("ImportCmd: %v", err)
	}
}

func TestReplicaStopsAfterMachinePanicAndSurfacesErrReplicaStopped(t *testing.T) {
	registry := newTestRegistry()
	addr, repl := New("r", registry, panicFactory(), nil)
	self, in := messaging.NewMailbox("caller")
	defer in.Close()

	conf := config.Config{Protocol: config.Single, Replicas: []messaging.Address{addr}, Version: 1}
	if _, err := messaging.Call(context.Background(), self, addr, Reconfigure{NewConf: conf}, 20*time.Millisecond); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	client, clientIn := messaging.NewMailbox("client")
	defer clientIn.Close()
	messaging.Cast(client, addr, protocol.ClientCmd{Ref: messaging.NewRef(), Client: client, Cmd: "boom"})

	e, ok := clientIn.Recv()
	if !ok || e.Payload != errs.ErrReplicaStopped {
		t.Fatalf("expected ErrReplicaStopped after a panicking command, got %+v, ok=%v", e, ok)
	}

	select {
	case <-repl.Stopped():
	case <-time.After(time.Second):
		t.Fatalf("replica did not stop after HandleCmd panicked")
	}

	resp, err := messaging.Call(context.Background(), self, addr, GetConf{}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Call against a stopped replica: %v", err)
	}
	if resp != errs.ErrReplicaStopped {
		t.Fatalf("Call against a stopped replica should surface ErrReplicaStopped, got %+v", resp)
	}
}

func TestReplicaForkLocalProducesIndependentReplica(t *testing.T) {
	registry := newTestRegistry()
	addr, _ := New("r", registry, echo.Factory(true), nil)
	self, in := messaging.NewMailbox("caller")
	defer in.Close()

	conf := config.Config{Protocol: config.Single, Replicas: []messaging.Address{addr}, Version: 1}
	if _, err := messaging.Call(context.Background(), self, addr, Reconfigure{NewConf: conf}, 20*time.Millisecond); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	resp, err := messaging.Call(context.Background(), self, addr, ForkCmd{Node: transport.LocalNode}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("ForkCmd: %v", err)
	}
	forked, ok := resp.(messaging.Address)
	if !ok || forked.Equal(addr) {
		t.Fatalf("ForkCmd: got %+v", resp)
	}

	// The fork target starts unconfigured until a Reconfigure names it.
	client, clientIn := messaging.NewMailbox("client")
	defer clientIn.Close()
	messaging.Cast(client, forked, protocol.ClientCmd{Ref: messaging.NewRef(), Client: client, Cmd: 1})
	e, ok := clientIn.Recv()
	if !ok || e.Payload != errs.ErrNotInConfiguration {
		t.Fatalf("forked replica should reject commands before its own Reconfigure: %+v, ok=%v", e, ok)
	}
}
