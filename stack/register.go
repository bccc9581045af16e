package stack

import (
	"sync"

	"github.com/GunjiD/tapstack/types"
)

var (
	networkProtocols = make(map[string]types.NetworkProtocolFactory)

	transportProtocolFactories = make(map[string]TransportProtocolFactory)

	linkEndpointsMu    sync.RWMutex
	linkEndpoints      = make(map[types.LinkEndpointID]types.LinkEndpoint)
	nextLinkEndpointId types.LinkEndpointID
)

// RegisterNetworkProtocolFactory registers a new network protocol factory with
// the stack so that it becomes available to users of the stack. This function
// is intended to be called by init() functions of the protocols.
func RegisterNetworkProtocolFactory(name string, p types.NetworkProtocolFactory) {
	networkProtocols[name] = p
}

// RegisterTransportProtocolFactory registers a new transport protocol factory
// with the stack so that it becomes available to users of the stack. This
// function is intended to be called by init() functions of the protocols.
func RegisterTransportProtocolFactory(name string, p TransportProtocolFactory) {
	transportProtocolFactories[name] = p
}

// RegisterLinkEndpoint registers a new link-layer endpoint (e.g., a tap
// device, or a channel used for testing) and returns an Id that can later be
// used to attach it to a Nic via CreateNic
func RegisterLinkEndpoint(linkEp types.LinkEndpoint) types.LinkEndpointID {
	linkEndpointsMu.Lock()
	defer linkEndpointsMu.Unlock()

	nextLinkEndpointId++
	id := nextLinkEndpointId
	linkEndpoints[id] = linkEp

	return id
}

// FindLinkEndpoint finds the link endpoint associated with the given Id
func FindLinkEndpoint(id types.LinkEndpointID) types.LinkEndpoint {
	linkEndpointsMu.RLock()
	defer linkEndpointsMu.RUnlock()

	return linkEndpoints[id]
}
