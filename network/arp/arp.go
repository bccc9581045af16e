// Package arp implements the Address Resolution Protocol (RFC 826): a
// bounded neighbor cache mapping IPv4 addresses to link addresses, and the
// request/reply exchange used to populate it.
package arp

import (
	"time"

	"github.com/GunjiD/tapstack/header"
	"github.com/GunjiD/tapstack/tmutex"
	"github.com/GunjiD/tapstack/types"
	log "github.com/GunjiD/tapstack/logging"
)

// cacheSize is the maximum number of entries the neighbor cache holds at
// once. When full, inserting a new entry evicts the oldest non-static one
const cacheSize = 32

// maxRetries is the number of times an unanswered request is retransmitted
// before the resolution attempt is abandoned
const maxRetries = 3

// retryInterval is how long to wait between retransmissions of a request
// for an incomplete entry
const retryInterval = 1 * time.Second

// zeroLinkAddress is the all-zero hardware address placed in the target
// hardware address field of an outgoing request: the whole point of
// asking is that we don't know it yet
var zeroLinkAddress = types.LinkAddress(make([]byte, header.EthernetAddressSize))

// neighborState is the lifecycle state of a neighbor cache entry
type neighborState int

const (
	// stateFree marks a slot that holds no entry. It is never observed
	// outside of the cache's own bookkeeping
	stateFree neighborState = iota

	// stateIncomplete means a request has been sent and no reply has
	// arrived yet
	stateIncomplete

	// stateResolved means the entry was learned dynamically and is
	// subject to eviction when the cache is full. Resolved entries do not
	// expire; Tick only expires incomplete ones
	stateResolved

	// stateStatic means the entry was configured by hand and is never
	// evicted or expired
	stateStatic
)

type neighborEntry struct {
	state 		neighborState
	linkAddr 	types.LinkAddress
	updated 	time.Time
	retries 	int
}

// FrameSender is implemented by whatever owns the link endpoint a Resolver
// is attached to, so the resolver can emit request and reply frames without
// depending on the stack package
type FrameSender interface {
	SendARP(senderHA types.LinkAddress, senderPA types.Address, targetHA types.LinkAddress, targetPA types.Address, op uint16) error
}

// Resolver maintains the neighbor cache for a single network interface and
// resolves IPv4 addresses to link addresses on its behalf
type Resolver struct {
	localAddr 		types.Address
	localLinkAddr 	types.LinkAddress
	sender 			FrameSender

	// passthrough is set for link endpoints that have no concept of a
	// hardware address at all, as opposed to a real Ethernet device that
	// merely hasn't resolved a peer yet. Such endpoints have nothing for
	// ARP to resolve, so Resolve trivially succeeds with an empty link
	// address instead of sending requests that nothing below it could
	// ever answer
	passthrough bool

	mu 		tmutex.Mutex
	table 	map[types.Address]*neighborEntry
}

// NewResolver creates a resolver for the interface with the given protocol
// and link addresses
func NewResolver(localAddr types.Address, localLinkAddr types.LinkAddress, sender FrameSender) *Resolver {
	r := &Resolver{
		localAddr:		localAddr,
		localLinkAddr:	localLinkAddr,
		sender:			sender,
		passthrough:	localLinkAddr == "",
		table:			make(map[types.Address]*neighborEntry),
	}
	r.mu.Init()
	return r
}

// SetLocalAddr updates the protocol address the resolver answers requests
// for and uses as the sender address of requests it emits
func (r *Resolver) SetLocalAddr(addr types.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localAddr = addr
}

func (r *Resolver) localAddrLocked() types.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localAddr
}

// AddStatic installs a permanent entry that is never evicted or expired
func (r *Resolver) AddStatic(addr types.Address, linkAddr types.LinkAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.table[addr] = &neighborEntry{
		state:		stateStatic,
		linkAddr:	linkAddr,
		updated:	time.Now(),
	}
}

// NeighborEntry is a snapshot of a single neighbor cache row, returned by
// Entries for inspection outside the package
type NeighborEntry struct {
	Address     types.Address
	LinkAddress types.LinkAddress
	State       string
	Updated     time.Time
}

func (s neighborState) String() string {
	switch s {
	case stateIncomplete:
		return "incomplete"
	case stateResolved:
		return "resolved"
	case stateStatic:
		return "static"
	default:
		return "free"
	}
}

// Entries returns a snapshot of the neighbor cache, for diagnostics
func (r *Resolver) Entries() []NeighborEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]NeighborEntry, 0, len(r.table))
	for addr, e := range r.table {
		if e.state == stateFree {
			continue
		}
		entries = append(entries, NeighborEntry{
			Address:     addr,
			LinkAddress: e.linkAddr,
			State:       e.state.String(),
			Updated:     e.updated,
		})
	}
	return entries
}

// Resolve looks up the link address for addr. It never blocks: if addr is
// already known it is returned immediately; otherwise Resolve allocates (or
// retries) an incomplete cache entry, emits an ARP request, and returns
// types.ErrWouldBlock. A pending resolution is a normal, expected outcome,
// not a failure: the caller is expected to retry (or drop the packet) the
// same way it already does for any other non-blocking operation on this
// stack.
//
// Resolve requires an Ethernet-family interface and an IPv4-family address;
// anything else fails with types.ErrUnsupportedFamily. An interface with no
// link address at all (passthrough) has nothing to resolve and always
// succeeds immediately
func (r *Resolver) Resolve(addr types.Address) (types.LinkAddress, error) {
	if r.passthrough {
		return "", nil
	}

	if len(r.localLinkAddr) != header.EthernetAddressSize {
		return "", types.ErrUnsupportedFamily
	}
	if len(addr) != header.IPv4AddressSize {
		return "", types.ErrUnsupportedFamily
	}

	r.mu.Lock()

	e, ok := r.table[addr]
	if ok && (e.state == stateResolved || e.state == stateStatic) {
		link := e.linkAddr
		r.mu.Unlock()
		return link, nil
	}

	if !ok {
		if len(r.table) >= cacheSize {
			r.evictOldestLocked()
		}
		e = &neighborEntry{state: stateIncomplete, updated: time.Now()}
		r.table[addr] = e
	}
	localAddr := r.localAddr
	r.mu.Unlock()

	// Whether addr was already incomplete or brand new, (re-)send the
	// request: an incomplete entry found again here may just mean the
	// first request was lost
	if err := r.sender.SendARP(r.localLinkAddr, localAddr, zeroLinkAddress, addr, header.ARPRequest); err != nil {
		log.Printf("arp: failed to send request for %v: %v\n", addr, err)
	}

	return "", types.ErrWouldBlock
}

// evictOldestLocked removes the oldest non-static entry in the cache to
// make room for a new one. r.mu must be held
func (r *Resolver) evictOldestLocked() {
	var oldestAddr types.Address
	var oldestTime time.Time
	found := false

	for addr, e := range r.table {
		if e.state == stateStatic {
			continue
		}
		if !found || e.updated.Before(oldestTime) {
			oldestAddr, oldestTime, found = addr, e.updated, true
		}
	}

	if found {
		delete(r.table, oldestAddr)
	}
}

// Input handles an inbound ARP packet: it updates the cache per the merge
// rules of RFC 826 and replies to requests targeted at our own address
func (r *Resolver) Input(v []byte) {
	pkt := header.ARP(v)
	if !pkt.IsValid() {
		log.Printf("arp: dropping malformed packet\n")
		return
	}

	senderPA := types.Address(pkt.ProtocolAddressSender())
	senderHA := types.LinkAddress(pkt.HardwareAddressSender())
	targetPA := types.Address(pkt.ProtocolAddressTarget())

	merge := r.updateIfPresent(senderPA, senderHA)

	localAddr := r.localAddrLocked()
	targetsUs := targetPA == localAddr
	if targetsUs && !merge {
		r.insert(senderPA, senderHA)
	}

	if !targetsUs {
		return
	}

	if pkt.Op() == header.ARPRequest {
		if err := r.sender.SendARP(r.localLinkAddr, localAddr, senderHA, senderPA, header.ARPReply); err != nil {
			log.Printf("arp: failed to send reply to %v: %v\n", senderPA, err)
		}
	}
}

// updateIfPresent updates an existing cache entry for addr with a freshly
// learned link address. Returns true if an entry for addr existed
func (r *Resolver) updateIfPresent(addr types.Address, linkAddr types.LinkAddress) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.table[addr]
	if !ok {
		return false
	}
	if e.state == stateStatic {
		return true
	}

	e.state = stateResolved
	e.linkAddr = linkAddr
	e.updated = time.Now()
	e.retries = 0

	return true
}

// insert creates a new resolved entry for addr learned from an unsolicited
// (or not-yet-cached) packet
func (r *Resolver) insert(addr types.Address, linkAddr types.LinkAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.table) >= cacheSize {
		r.evictOldestLocked()
	}

	r.table[addr] = &neighborEntry{
		state:		stateResolved,
		linkAddr:	linkAddr,
		updated:	time.Now(),
	}
}

// Tick retransmits requests for entries that are still incomplete and
// expires those that have exceeded maxRetries. It is driven by the stack's
// timer wheel. An expired entry is simply dropped from the cache; the next
// call to Resolve for that address starts a fresh resolution
func (r *Resolver) Tick() {
	r.mu.Lock()
	var due []types.Address
	for addr, e := range r.table {
		if e.state != stateIncomplete {
			continue
		}
		if time.Since(e.updated) < retryInterval {
			continue
		}
		if e.retries >= maxRetries {
			delete(r.table, addr)
			continue
		}
		e.retries++
		e.updated = time.Now()
		due = append(due, addr)
	}
	localAddr := r.localAddr
	r.mu.Unlock()

	for _, addr := range due {
		if err := r.sender.SendARP(r.localLinkAddr, localAddr, zeroLinkAddress, addr, header.ARPRequest); err != nil {
			log.Printf("arp: failed to retransmit request for %v: %v\n", addr, err)
		}
	}
}
