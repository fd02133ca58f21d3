package messaging

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Ref is a globally unique request token used to match replies to calls.
// It is never reused for the lifetime of the process that minted it.
type Ref string

var refCounter uint64

// processID is this process's start time in nanoseconds, set once at
// package init and mixed into every Ref so that refs minted by processes
// started at different instants never collide.
var processID = fmt.Sprintf("%d", time.Now().UnixNano())

// NewRef mints a fresh, globally unique Ref.
func NewRef() Ref {
	seq := atomic.AddUint64(&refCounter, 1)
	return Ref(fmt.Sprintf("%s-%d", processID, seq))
}
