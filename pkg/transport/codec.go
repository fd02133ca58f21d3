package transport

import (
	"bytes"
	"encoding/gob"
)

// gobCodec implements grpc's encoding.Codec. The Forwarder service has no
// .proto file: the replication core invents new message types at will (one
// per protocol, one per state machine), so a protoc-generated stub would
// need regenerating for every new statemachine.Machine. Both ends of a
// Forwarder connection are this same binary, so plain encoding/gob -- the
// same codec already used for snapshots and disk-crossing config -- is
// sufficient wire compatibility.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return "gob" }
