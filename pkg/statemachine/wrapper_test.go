package statemachine_test

import (
	"testing"
	"time"

	"github.com/mkuznets/repliq/pkg/messaging"
	"github.com/mkuznets/repliq/pkg/statemachine"
	"github.com/mkuznets/repliq/pkg/statemachine/echo"
)

func TestWrapperDoAppliesAndReturnsResult(t *testing.T) {
	w := statemachine.NewWrapper(echo.Factory(true)(), true)
	defer w.Stop("test")

	result := w.Do(42, true)
	if result.Reply != 42 || !result.StateChanged {
		t.Fatalf("Do: got %+v", result)
	}
}

func TestWrapperDoReplyDeliversToMailbox(t *testing.T) {
	w := statemachine.NewWrapper(echo.Factory(true)(), true)
	defer w.Stop("test")

	self, _ := messaging.NewMailbox("sm")
	client, in := messaging.NewMailbox("client")
	defer in.Close()

	ref := messaging.NewRef()
	w.DoReply(ref, client, self, "hi", true)

	e, ok := in.Recv()
	if !ok || e.Ref != ref || e.Payload != "hi" {
		t.Fatalf("DoReply: got %+v, ok=%v", e, ok)
	}
}

func TestWrapperDoReplySuppressesWithoutSideEffects(t *testing.T) {
	w := statemachine.NewWrapper(echo.Factory(true)(), true)
	defer w.Stop("test")

	self, _ := messaging.NewMailbox("sm")
	client, in := messaging.NewMailbox("client")
	defer in.Close()

	w.DoReply(messaging.NewRef(), client, self, "shadow", false)

	select {
	case <-recvAsync(in):
		t.Fatalf("expected no reply when allowSideEffects is false")
	case <-time.After(50 * time.Millisecond):
	}
}

func recvAsync(in *messaging.Inbox) <-chan messaging.Envelope {
	ch := make(chan messaging.Envelope, 1)
	go func() {
		if e, ok := in.Recv(); ok {
			ch <- e
		}
	}()
	return ch
}

func TestWrapperExportImportRoundTrip(t *testing.T) {
	w := statemachine.NewWrapper(echo.Factory(true)(), true)
	defer w.Stop("test")

	w.Do(1, true)
	w.Do(2, true)
	data := w.Export()

	w2 := statemachine.NewWrapper(echo.Factory(true)(), true)
	defer w2.Stop("test")
	w2.Import(data)

	if w2.GetState() != w.GetState() {
		t.Fatalf("Import: got state %v, want %v", w2.GetState(), w.GetState())
	}
}

func TestWrapperIsMutatingDoesNotBlockOnLoop(t *testing.T) {
	w := statemachine.NewWrapper(echo.Factory(false)(), nil)
	defer w.Stop("test")

	if w.IsMutating("anything") {
		t.Fatalf("IsMutating: expected false for a read-only factory")
	}
}

func TestWrapperSetStateOverridesGetState(t *testing.T) {
	w := statemachine.NewWrapper(echo.Factory(true)(), true)
	defer w.Stop("test")

	w.SetState(99)
	if w.GetState() != 99 {
		t.Fatalf("SetState/GetState: got %v, want 99", w.GetState())
	}
}
