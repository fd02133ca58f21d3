package protocol

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// GobEncode encodes v with encoding/gob, the same wire format the teacher's
// snapshot code uses for state-machine export. Protocol implementations
// share it for their own private-state export/import round trip.
func GobEncode(v interface{}) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		panic(fmt.Sprintf("protocol: gob encode: %v", err))
	}
	return buf.Bytes()
}

// GobDecode decodes data produced by GobEncode into v.
func GobDecode(data []byte, v interface{}) {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		panic(fmt.Sprintf("protocol: gob decode: %v", err))
	}
}
