package arp

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GunjiD/tapstack/header"
	"github.com/GunjiD/tapstack/types"
)

const (
	localAddr  = types.Address("\x0a\x00\x00\x01")
	localLink  = types.LinkAddress("\x02\x00\x00\x00\x00\x01")
	remoteAddr = types.Address("\x0a\x00\x00\x02")
	remoteLink = types.LinkAddress("\x02\x00\x00\x00\x00\x02")
)

// forceStale backdates addr's cache entry so the next Tick treats it as due
// for retry or expiry, without waiting out retryInterval in real time
func forceStale(r *Resolver, addr types.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.table[addr]; ok {
		e.updated = time.Now().Add(-2 * retryInterval)
	}
}

// fakeSender records every frame a Resolver asks to send, and optionally
// hands them straight back to the resolver to simulate a peer's reply
type fakeSender struct {
	mu   sync.Mutex
	sent []header.ARP
}

func (f *fakeSender) SendARP(senderHA types.LinkAddress, senderPA types.Address, targetHA types.LinkAddress, targetPA types.Address, op uint16) error {
	pkt := make(header.ARP, header.ARPSize)
	pkt.SetIPv4OverEthernet()
	pkt.SetOp(op)
	copy(pkt.HardwareAddressSender(), senderHA)
	copy(pkt.ProtocolAddressSender(), senderPA)
	copy(pkt.HardwareAddressTarget(), targetHA)
	copy(pkt.ProtocolAddressTarget(), targetPA)

	f.mu.Lock()
	f.sent = append(f.sent, pkt)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) last() header.ARP {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func replyFrom(resolver *Resolver, sender, target types.Address, senderLink types.LinkAddress) {
	pkt := make(header.ARP, header.ARPSize)
	pkt.SetIPv4OverEthernet()
	pkt.SetOp(header.ARPReply)
	copy(pkt.HardwareAddressSender(), senderLink)
	copy(pkt.ProtocolAddressSender(), sender)
	copy(pkt.HardwareAddressTarget(), localLink)
	copy(pkt.ProtocolAddressTarget(), target)
	resolver.Input(pkt)
}

func TestResolveUsesStaticEntryWithoutSendingRequest(t *testing.T) {
	sender := &fakeSender{}
	r := NewResolver(localAddr, localLink, sender)
	r.AddStatic(remoteAddr, remoteLink)

	link, err := r.Resolve(remoteAddr)
	require.NoError(t, err)
	assert.Equal(t, remoteLink, link)
	assert.Zero(t, sender.count())
}

func TestResolveSendsRequestAndReturnsIncomplete(t *testing.T) {
	sender := &fakeSender{}
	r := NewResolver(localAddr, localLink, sender)

	link, err := r.Resolve(remoteAddr)
	assert.ErrorIs(t, err, types.ErrWouldBlock)
	assert.Empty(t, link)
	require.Equal(t, 1, sender.count())

	req := sender.last()
	assert.Equal(t, header.ARPRequest, req.Op())
	assert.Equal(t, []byte(remoteAddr), req.ProtocolAddressTarget())
	assert.Equal(t, make([]byte, header.EthernetAddressSize), req.HardwareAddressTarget())

	// A second resolve attempt against the still-incomplete entry re-emits
	// the request rather than blocking or allocating a new entry
	_, err = r.Resolve(remoteAddr)
	assert.ErrorIs(t, err, types.ErrWouldBlock)
	assert.Equal(t, 2, sender.count())

	replyFrom(r, remoteAddr, localAddr, remoteLink)

	link, err = r.Resolve(remoteAddr)
	require.NoError(t, err)
	assert.Equal(t, remoteLink, link)
	assert.Equal(t, 2, sender.count())
}

func TestResolveRejectsNonIPv4Address(t *testing.T) {
	sender := &fakeSender{}
	r := NewResolver(localAddr, localLink, sender)

	_, err := r.Resolve(types.Address("\x00\x00\x00\x00\x00"))
	assert.ErrorIs(t, err, types.ErrUnsupportedFamily)
	assert.Zero(t, sender.count())
}

func TestResolveRejectsMalformedLinkAddress(t *testing.T) {
	sender := &fakeSender{}
	r := NewResolver(localAddr, types.LinkAddress("\x01\x02\x03\x04"), sender)

	_, err := r.Resolve(remoteAddr)
	assert.ErrorIs(t, err, types.ErrUnsupportedFamily)
	assert.Zero(t, sender.count())
}

func TestResolveIsNoOpOnInterfaceWithNoLinkAddress(t *testing.T) {
	sender := &fakeSender{}
	r := NewResolver(localAddr, "", sender)

	link, err := r.Resolve(remoteAddr)
	require.NoError(t, err)
	assert.Empty(t, link)
	assert.Zero(t, sender.count())
}

func TestInputMergesUnsolicitedEntryOnlyWhenTargetingUs(t *testing.T) {
	sender := &fakeSender{}
	r := NewResolver(localAddr, localLink, sender)

	// A reply for an uncached sender that targets some other address
	// leaves the cache untouched and emits nothing
	replyFrom(r, remoteAddr, types.Address("\x0a\x00\x00\x09"), remoteLink)
	assert.Empty(t, r.Entries())
	assert.Zero(t, sender.count())

	replyFrom(r, remoteAddr, localAddr, remoteLink)

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, remoteAddr, entries[0].Address)
	assert.Equal(t, "resolved", entries[0].State)
}

func TestInputAnswersRequestsForOurAddress(t *testing.T) {
	sender := &fakeSender{}
	r := NewResolver(localAddr, localLink, sender)

	pkt := make(header.ARP, header.ARPSize)
	pkt.SetIPv4OverEthernet()
	pkt.SetOp(header.ARPRequest)
	copy(pkt.HardwareAddressSender(), remoteLink)
	copy(pkt.ProtocolAddressSender(), remoteAddr)
	copy(pkt.HardwareAddressTarget(), make([]byte, header.EthernetAddressSize))
	copy(pkt.ProtocolAddressTarget(), localAddr)
	r.Input(pkt)

	require.Equal(t, 1, sender.count())
	reply := sender.last()
	assert.Equal(t, header.ARPReply, reply.Op())
	assert.Equal(t, []byte(remoteAddr), reply.ProtocolAddressTarget())
}

func TestAddStaticEntryIsNeverEvicted(t *testing.T) {
	sender := &fakeSender{}
	r := NewResolver(localAddr, localLink, sender)
	r.AddStatic(remoteAddr, remoteLink)

	for i := 0; i < cacheSize+4; i++ {
		var a [4]byte
		binary.BigEndian.PutUint32(a[:], uint32(i+2000))
		replyFrom(r, types.Address(a[:]), localAddr, remoteLink)
	}

	link, err := r.Resolve(remoteAddr)
	require.NoError(t, err)
	assert.Equal(t, remoteLink, link)
}

func TestTickExpiresIncompleteEntryThenAllowsFreshResolve(t *testing.T) {
	sender := &fakeSender{}
	r := NewResolver(localAddr, localLink, sender)

	_, err := r.Resolve(remoteAddr)
	require.ErrorIs(t, err, types.ErrWouldBlock)
	require.Equal(t, 1, sender.count())

	for i := 0; i < maxRetries+1; i++ {
		forceStale(r, remoteAddr)
		r.Tick()
	}

	assert.Empty(t, r.Entries())
	assert.Equal(t, maxRetries+1, sender.count())

	// The entry is gone, so the next attempt starts resolution over again
	// rather than reporting a terminal failure
	_, err = r.Resolve(remoteAddr)
	assert.ErrorIs(t, err, types.ErrWouldBlock)
	assert.Equal(t, maxRetries+2, sender.count())
}
