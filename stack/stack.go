// Package stack provides the glue between networking protocols and the
// consumers of the networking stack.
//
// Its centerpiece is the dispatch loop started by New: a single goroutine
// that drains every Nic's inbound packet queue and drives the stack's timer
// wheel, so that packet processing and timer callbacks never run
// concurrently with each other. Link endpoints only ever enqueue; the loop
// is where packets actually get parsed and routed -- the "interrupt" and
// "softirq" halves of packet reception, in the terminology the dispatch
// loop borrows from
package stack

import (
	"sync"
	"time"

	"github.com/GunjiD/tapstack/buffer"
	"github.com/GunjiD/tapstack/network/arp"
	"github.com/GunjiD/tapstack/ports"
	"github.com/GunjiD/tapstack/types"
	"github.com/GunjiD/tapstack/waiter"
	log "github.com/GunjiD/tapstack/logging"
)

const (
	// inboundQueueSize bounds how many not-yet-processed packets a stack
	// will buffer across all of its Nics before it starts dropping them
	inboundQueueSize = 4096

	// dispatchTick is how often the dispatch loop drives the timer wheel
	dispatchTick = 100 * time.Millisecond

	// arpTickInterval is how often each Nic's neighbor cache retries its
	// incomplete entries and expires the ones that never got a reply
	arpTickInterval = 500 * time.Millisecond
)

// inboundPacket is a unit of work queued by a Nic's DeliverNetworkPacket and
// drained by the stack's dispatch loop
type inboundPacket struct {
	nic            *Nic
	remoteLinkAddr types.LinkAddress
	protocol       types.NetworkProtocolNumber
	vv             *buffer.VectorisedView
}

// timerEntry is one entry in the stack's flat timer wheel
type timerEntry struct {
	deadline  time.Time
	period    time.Duration
	fn        func()
	cancelled bool
	inWheel   bool
}

// TimerHandle lets code outside the stack package cancel or reschedule a
// timer it registered with AddTimer, the same way a *time.Timer would
type TimerHandle struct {
	s     *Stack
	entry *timerEntry
}

// Stop cancels h so its function never runs again
func (h *TimerHandle) Stop() {
	h.s.timersMu.Lock()
	defer h.s.timersMu.Unlock()
	h.entry.cancelled = true
	h.entry.inWheel = false
}

// Reset reschedules h to fire after d, undoing any previous Stop
func (h *TimerHandle) Reset(d time.Duration) {
	h.s.timersMu.Lock()
	defer h.s.timersMu.Unlock()
	h.entry.deadline = time.Now().Add(d)
	h.entry.cancelled = false
	if !h.entry.inWheel {
		h.entry.inWheel = true
		h.s.timers = append(h.s.timers, h.entry)
	}
}

// Stack is a networking stack, with all supported protocols, NICs, and route table.
type Stack struct {
	networkProtocols   map[types.NetworkProtocolNumber]types.NetworkProtocol
	transportProtocols map[types.TransportProtocolNumber]*TransportProtocolState

	demuxer *transportDemuxer
	ports   *ports.PortManager

	mu         sync.RWMutex
	nics       map[types.NicId]*Nic
	routeTable []types.RouteEntry

	inbound  chan inboundPacket
	shutdown chan struct{}
	wg       sync.WaitGroup

	timersMu sync.Mutex
	timers   []*timerEntry
}

// New allocates a new networking stack with only the requested networking and
// transport protocols configured with default options.
func New(network []string, transport []string) *Stack {
	s := &Stack{
		networkProtocols:   make(map[types.NetworkProtocolNumber]types.NetworkProtocol),
		transportProtocols: make(map[types.TransportProtocolNumber]*TransportProtocolState),
		ports:              ports.NewPortManager(),
		nics:               make(map[types.NicId]*Nic),
		inbound:            make(chan inboundPacket, inboundQueueSize),
		shutdown:           make(chan struct{}),
	}

	// Add specified network protocols.
	for _, name := range network {
		netProtocolFactory, ok := networkProtocols[name]
		if !ok {
			continue
		}
		netProtocol := netProtocolFactory()
		s.networkProtocols[netProtocol.Number()] = netProtocol
	}

	// Add specified transport protocols.
	for _, name := range transport {
		transProtocolFactory, ok := transportProtocolFactories[name]
		if !ok {
			continue
		}
		transProtocol := transProtocolFactory()
		s.transportProtocols[transProtocol.Number()] = &TransportProtocolState{Protocol: transProtocol}
	}

	s.demuxer = newTransportDemuxer(s)

	s.wg.Add(1)
	go s.dispatchLoop()

	return s
}

// dispatchLoop is the stack's single threaded event loop
func (s *Stack) dispatchLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(dispatchTick)
	defer ticker.Stop()

	for {
		select {
		case pkt := <-s.inbound:
			pkt.nic.handleNetworkPacket(pkt.remoteLinkAddr, pkt.protocol, pkt.vv)
		case <-ticker.C:
			s.runTimers()
		case <-s.shutdown:
			return
		}
	}
}

// enqueueInbound hands an inbound packet to the dispatch loop. It never
// blocks: if the queue is full, the packet is dropped, same as a NIC
// dropping a frame under memory pressure
func (s *Stack) enqueueInbound(pkt inboundPacket) {
	select {
	case s.inbound <- pkt:
	default:
		log.Printf("stack: inbound queue full, dropping packet\n")
	}
}

// addTimer schedules fn to run on the dispatch loop after d elapses, and
// every period thereafter if period is non-zero
func (s *Stack) addTimer(d, period time.Duration, fn func()) {
	s.AddTimer(d, period, fn)
}

// AddTimer registers fn to run on the dispatch loop after d elapses, and
// every period thereafter if period is non-zero. This is how peripheral
// consumers outside the stack package (a TCP endpoint's retransmit and
// close timers, in particular) piggyback on the stack's single timer wheel
// instead of running their own goroutine timers
func (s *Stack) AddTimer(d, period time.Duration, fn func()) *TimerHandle {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()

	e := &timerEntry{
		deadline: time.Now().Add(d),
		period:   period,
		fn:       fn,
		inWheel:  true,
	}
	s.timers = append(s.timers, e)

	return &TimerHandle{s: s, entry: e}
}

// runTimers runs every timer whose deadline has passed, rescheduling the
// periodic ones and dropping cancelled or fired one-shot ones from the wheel
func (s *Stack) runTimers() {
	now := time.Now()

	s.timersMu.Lock()
	live := s.timers[:0]
	var due []func()
	for _, t := range s.timers {
		if t.cancelled {
			t.inWheel = false
			continue
		}
		if now.Before(t.deadline) {
			live = append(live, t)
			continue
		}
		due = append(due, t.fn)
		if t.period > 0 {
			t.deadline = now.Add(t.period)
			live = append(live, t)
		} else {
			t.inWheel = false
		}
	}
	s.timers = live
	s.timersMu.Unlock()

	for _, fn := range due {
		fn()
	}
}

// Close stops the stack's dispatch loop. It does not tear down any Nics or
// their link endpoints
func (s *Stack) Close() {
	close(s.shutdown)
	s.wg.Wait()
}

// CreateNic creates a new Nic with the given id, backed by the link
// endpoint previously obtained from RegisterLinkEndpoint
func (s *Stack) CreateNic(id types.NicId, linkEndpointId types.LinkEndpointID) error {
	linkEp := FindLinkEndpoint(linkEndpointId)
	if linkEp == nil {
		return types.ErrBadLinkEndpoint
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nics[id]; ok {
		return types.ErrDuplicateNicId
	}

	n := newNic(s, id, linkEp)
	s.nics[id] = n
	n.attachLinkEndpoint()

	s.addTimer(arpTickInterval, arpTickInterval, n.arp.Tick)

	return nil
}

// AddAddress adds a new network-layer address to the Nic with the given id
func (s *Stack) AddAddress(id types.NicId, protocol types.NetworkProtocolNumber, addr types.Address) error {
	s.mu.RLock()
	n, ok := s.nics[id]
	s.mu.RUnlock()
	if !ok {
		return types.ErrUnknownNicId
	}

	return n.AddAddress(protocol, addr)
}

// AddStaticARPEntry installs a permanent neighbor cache entry on the given
// Nic, for peers whose link address is known ahead of time (configured,
// rather than learned by resolution)
func (s *Stack) AddStaticARPEntry(id types.NicId, addr types.Address, linkAddr types.LinkAddress) error {
	s.mu.RLock()
	n, ok := s.nics[id]
	s.mu.RUnlock()
	if !ok {
		return types.ErrUnknownNicId
	}

	n.arp.AddStatic(addr, linkAddr)
	return nil
}

// NeighborEntries returns a snapshot of the Nic's ARP neighbor cache, for
// diagnostics (e.g. an "arp show" command)
func (s *Stack) NeighborEntries(id types.NicId) ([]arp.NeighborEntry, error) {
	s.mu.RLock()
	n, ok := s.nics[id]
	s.mu.RUnlock()
	if !ok {
		return nil, types.ErrUnknownNicId
	}

	return n.arp.Entries(), nil
}

// RouteTable returns a snapshot of the stack's route table, for diagnostics
// (e.g. a "route show" command)
func (s *Stack) RouteTable() []types.RouteEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table := make([]types.RouteEntry, len(s.routeTable))
	copy(table, s.routeTable)
	return table
}

// SetRouteTable sets the route table of the stack, replacing any existing one
func (s *Stack) SetRouteTable(table []types.RouteEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.routeTable = table
}

// FindRoute creates a route to the given destination address, preferring
// the Nic identified by id if it is non-zero. It consults the route table
// to pick a Nic and next hop, then resolves the next hop's link address.
// ARP resolution never blocks: if the next hop isn't already known,
// FindRoute returns types.ErrWouldBlock once a request has been sent, and
// the caller is expected to retry rather than treat it as a failure
func (s *Stack) FindRoute(id types.NicId, localAddr, remoteAddr types.Address, netProto types.NetworkProtocolNumber) (*types.Route, error) {
	s.mu.RLock()
	table := s.routeTable
	nics := s.nics
	s.mu.RUnlock()

	for _, re := range table {
		if id != 0 && re.Nic != id {
			continue
		}
		if !subnetContains(remoteAddr, re.Destination, re.Mask) {
			continue
		}

		n, ok := nics[re.Nic]
		if !ok {
			continue
		}

		ref, err := n.findEndpoint(netProto, localAddr)
		if err != nil {
			continue
		}

		nextHop := remoteAddr
		if re.Gateway != "" {
			nextHop = re.Gateway
		}

		linkAddr, err := n.arp.Resolve(nextHop)
		if err != nil {
			return nil, err
		}

		r := types.NewRoute(ref.ep.Id().LocalAddress, remoteAddr, n.linkEp.LinkAddress(), netProto, ref)
		r.RemoteLinkAddress = linkAddr

		return &r, nil
	}

	return nil, types.ErrNoRoute
}

// subnetContains reports whether addr belongs to the subnet described by
// destination/mask
func subnetContains(addr, destination, mask types.Address) bool {
	if len(addr) != len(mask) || len(destination) != len(mask) {
		return false
	}

	for i := 0; i < len(mask); i++ {
		if addr[i]&mask[i] != destination[i]&mask[i] {
			return false
		}
	}

	return true
}

// NewEndpoint creates a new transport layer endpoint of the given protocol
func (s *Stack) NewEndpoint(transProto types.TransportProtocolNumber, netProto types.NetworkProtocolNumber, waiterQueue *waiter.Queue) (types.Endpoint, error) {
	s.mu.RLock()
	state, ok := s.transportProtocols[transProto]
	s.mu.RUnlock()
	if !ok {
		return nil, types.ErrUnknownProtocol
	}

	return state.Protocol.NewEndpoint(s, netProto, waiterQueue)
}

// RegisterTransportEndpoint registers ep so that packets matching id are
// delivered to it
func (s *Stack) RegisterTransportEndpoint(nicid types.NicId, netProtos []types.NetworkProtocolNumber, proto types.TransportProtocolNumber, id types.TransportEndpointId, ep types.TransportEndpoint) error {
	return s.demuxer.registerEndpoint(netProtos, proto, id, ep)
}

// UnregisterTransportEndpoint removes the endpoint previously registered
// with the given id
func (s *Stack) UnregisterTransportEndpoint(nicid types.NicId, netProtos []types.NetworkProtocolNumber, proto types.TransportProtocolNumber, id types.TransportEndpointId) {
	s.demuxer.unregisterEndpoint(netProtos, proto, id)
}

// PickEphemeralPort calls testPort for a sequence of candidate ephemeral
// ports until testPort reports one as suitable, or every candidate has been
// exhausted
func (s *Stack) PickEphemeralPort(testPort func(port uint16) (bool, error)) (port uint16, err error) {
	return s.ports.PickEphemeralPort(testPort)
}

// ReservePort reserves a port/address combination so that it cannot be
// bound by another endpoint. If port is zero, an unused ephemeral port is
// picked and returned
func (s *Stack) ReservePort(networks []types.NetworkProtocolNumber, transport types.TransportProtocolNumber, addr types.Address, port uint16) (uint16, error) {
	return s.ports.ReservePort(networks, transport, addr, port)
}

// ReleasePort releases a port/address reservation previously made with
// ReservePort
func (s *Stack) ReleasePort(networks []types.NetworkProtocolNumber, transport types.TransportProtocolNumber, addr types.Address, port uint16) {
	s.ports.ReleasePort(networks, transport, addr, port)
}
