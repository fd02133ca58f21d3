package primarybackup

import (
	"testing"

	"github.com/mkuznets/repliq/pkg/config"
	"github.com/mkuznets/repliq/pkg/messaging"
	"github.com/mkuznets/repliq/pkg/protocol"
	"github.com/mkuznets/repliq/pkg/statemachine"
	"github.com/mkuznets/repliq/pkg/statemachine/echo"
)

func testConf(replicas ...messaging.Address) config.Config {
	return config.Config{Protocol: config.PrimaryBackup, Replicas: replicas, Version: 1}
}

func TestCastRoutesMutatingToPrimary(t *testing.T) {
	p := New()
	primary, _ := messaging.NewMailbox("primary")
	backup, _ := messaging.NewMailbox("backup")
	conf := testConf(primary, backup)

	dst, payload := p.Cast(conf, "write", func(interface{}) bool { return true })
	if !dst.Equal(primary) {
		t.Fatalf("Cast: got dst %s, want primary", dst)
	}
	cmd, ok := payload.(protocol.ClientCmd)
	if !ok || cmd.Cmd != "write" {
		t.Fatalf("Cast: got payload %+v", payload)
	}
}

func TestCastReadsDefaultToPrimary(t *testing.T) {
	p := New()
	primary, _ := messaging.NewMailbox("primary")
	backup, _ := messaging.NewMailbox("backup")
	conf := testConf(primary, backup)

	dst, _ := p.Cast(conf, "read", func(interface{}) bool { return false })
	if !dst.Equal(primary) {
		t.Fatalf("Cast: got dst %s, want primary by default", dst)
	}
}

func TestCastReadBackupPolicy(t *testing.T) {
	p := New()
	primary, _ := messaging.NewMailbox("primary")
	backup, _ := messaging.NewMailbox("backup")
	conf := testConf(primary, backup)
	conf.Args = config.PrimaryBackupArgs{ReadSrc: config.ReadBackup}

	dst, _ := p.Cast(conf, "read", func(interface{}) bool { return false })
	if !dst.Equal(backup) {
		t.Fatalf("Cast: got dst %s, want the only backup", dst)
	}
}

func TestPrimaryWithNoBackupsAppliesImmediately(t *testing.T) {
	p := New()
	primary, in := messaging.NewMailbox("primary")
	defer in.Close()
	conf := testConf(primary)
	state := p.InitReplica(primary, conf, nil)

	client, clientIn := messaging.NewMailbox("client")
	defer clientIn.Close()
	sm := statemachine.NewWrapper(echo.Factory(true)(), true)
	defer sm.Stop("test")

	ref := messaging.NewRef()
	env := messaging.Envelope{From: primary, Payload: protocol.ClientCmd{Ref: ref, Client: client, Cmd: 42}}
	directive := p.HandleMsg(primary, env, true, sm, state)
	if !directive.Matched || !directive.StateChanged {
		t.Fatalf("HandleMsg: got %+v", directive)
	}
	s := directive.NewState.(*State)
	if s.StableCount != 1 {
		t.Fatalf("StableCount: got %d, want 1", s.StableCount)
	}

	e, ok := clientIn.Recv()
	if !ok || e.Payload != 42 {
		t.Fatalf("client did not get reply: %+v, ok=%v", e, ok)
	}
}

func TestBackupRejectsDirectMutation(t *testing.T) {
	p := New()
	primary, _ := messaging.NewMailbox("primary")
	backup, backupIn := messaging.NewMailbox("backup")
	defer backupIn.Close()
	conf := testConf(primary, backup)
	state := p.InitReplica(backup, conf, nil)

	client, clientIn := messaging.NewMailbox("client")
	defer clientIn.Close()
	sm := statemachine.NewWrapper(echo.Factory(true)(), true)
	defer sm.Stop("test")

	ref := messaging.NewRef()
	env := messaging.Envelope{From: backup, Payload: protocol.ClientCmd{Ref: ref, Client: client, Cmd: 7}}
	directive := p.HandleMsg(backup, env, true, sm, state)
	if !directive.Matched {
		t.Fatalf("HandleMsg: expected match")
	}

	e, ok := clientIn.Recv()
	if !ok {
		t.Fatalf("client did not get a reply")
	}
	np, ok := e.Payload.(notPrimary)
	if !ok || !np.Primary.Equal(primary) {
		t.Fatalf("expected notPrimary{Primary: primary}, got %+v", e.Payload)
	}
}

func TestPrimaryWaitsForBackupStabilization(t *testing.T) {
	p := New()
	primary, primaryIn := messaging.NewMailbox("primary")
	defer primaryIn.Close()
	backup, backupIn := messaging.NewMailbox("backup")
	defer backupIn.Close()
	conf := testConf(primary, backup)
	state := p.InitReplica(primary, conf, nil)

	client, clientIn := messaging.NewMailbox("client")
	defer clientIn.Close()
	sm := statemachine.NewWrapper(echo.Factory(true)(), true)
	defer sm.Stop("test")

	ref := messaging.NewRef()
	env := messaging.Envelope{From: primary, Payload: protocol.ClientCmd{Ref: ref, Client: client, Cmd: 99}}
	directive := p.HandleMsg(primary, env, true, sm, state)
	if !directive.Matched || !directive.StateChanged {
		t.Fatalf("HandleMsg: got %+v", directive)
	}
	state = directive.NewState

	repl, ok := backupIn.Recv()
	if !ok {
		t.Fatalf("backup did not receive a replicate message")
	}
	rep, ok := repl.Payload.(replicate)
	if !ok || rep.CmdNum != 0 {
		t.Fatalf("expected replicate{CmdNum:0}, got %+v", repl.Payload)
	}

	stableEnv := messaging.Envelope{From: backup, Payload: stabilized{CmdNum: 0}}
	directive = p.HandleMsg(primary, stableEnv, true, sm, state)
	if !directive.Matched || !directive.StateChanged {
		t.Fatalf("HandleMsg(stabilized): got %+v", directive)
	}
	s := directive.NewState.(*State)
	if len(s.Unstable) != 0 {
		t.Fatalf("expected Unstable to be cleared, got %+v", s.Unstable)
	}

	e, ok := clientIn.Recv()
	if !ok || e.Payload != 99 {
		t.Fatalf("client did not receive final reply: %+v, ok=%v", e, ok)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	p := New()
	primary, _ := messaging.NewMailbox("primary")
	backup, _ := messaging.NewMailbox("backup")
	conf := testConf(primary, backup)
	state := p.InitReplica(primary, conf, nil).(*State)
	state.NextCmdNum = 3
	state.StableCount = 2
	client, _ := messaging.NewMailbox("client")
	state.Unstable[2] = &pendingCmd{remaining: 1, ref: messaging.NewRef(), client: client, cmd: "pending"}

	data := p.Export(state)
	restored := p.Import(data).(*State)
	if restored.NextCmdNum != 3 || restored.StableCount != 2 {
		t.Fatalf("Import: got %+v", restored)
	}
	if len(restored.Unstable) != 1 || restored.Unstable[2].cmd != "pending" {
		t.Fatalf("Import: unstable table not preserved: %+v", restored.Unstable)
	}
}
