package protocol

import (
	"fmt"

	"github.com/mkuznets/repliq/pkg/config"
)

// Registry maps a config.ProtocolTag to its Protocol implementation. The
// replica kernel and the client library both consult a shared Registry so
// that adding a fifth protocol never requires touching either of them.
type Registry struct {
	protocols map[config.ProtocolTag]Protocol
}

// NewRegistry builds a Registry populated with protos, keyed by their own
// Type().
func NewRegistry(protos ...Protocol) *Registry {
	r := &Registry{protocols: make(map[config.ProtocolTag]Protocol, len(protos))}
	for _, p := range protos {
		r.protocols[p.Type()] = p
	}
	return r
}

// Lookup returns the Protocol registered for tag.
func (r *Registry) Lookup(tag config.ProtocolTag) (Protocol, error) {
	p, ok := r.protocols[tag]
	if !ok {
		return nil, fmt.Errorf("protocol: no implementation registered for tag %v", tag)
	}
	return p, nil
}
