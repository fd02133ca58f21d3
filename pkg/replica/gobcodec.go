package replica

import (
	"encoding/gob"

	"github.com/mkuznets/repliq/pkg/transport"
)

// registerGob registers every message type this package puts on the wire
// (or inside an exported Snapshot) so they decode correctly out of the
// interface{} fields messaging.Envelope and config.Config.Args carry them
// in.
func registerGob() {
	gob.Register(Reconfigure{})
	gob.Register(ReconfigureAck{})
	gob.Register(GetConf{})
	gob.Register(StopCmd{})
	gob.Register(ExportCmd{})
	gob.Register(ImportCmd{})
	gob.Register(ForkCmd{})
	gob.Register(Snapshot{})
	gob.Register(transport.Node{})
}
