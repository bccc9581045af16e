// Package tap implements a link layer endpoint backed by a Linux TAP
// device: a virtual Ethernet interface the kernel hands raw frames to and
// from, letting this process sit on the wire the same way a physical NIC
// driver would. It plays the role ether_tap.c plays for the host stack it
// was modeled on, reading and writing whole Ethernet frames rather than
// bare IP packets the way a TUN device does
package tap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/GunjiD/tapstack/buffer"
	"github.com/GunjiD/tapstack/header"
	"github.com/GunjiD/tapstack/stack"
	"github.com/GunjiD/tapstack/types"
	log "github.com/GunjiD/tapstack/logging"
)

// bufConfig shapes the vectorised view used to read frames off the device,
// smallest first so that a typical small frame doesn't touch the larger views
var bufConfig = []int{128, 256, 512, 1024, 2048}

type ifReqFlags struct {
	name  [unix.IFNAMSIZ]byte
	flags uint16
	_     [22]byte
}

type ifReqHwAddr struct {
	name   [unix.IFNAMSIZ]byte
	family uint16
	data   [14]byte
}

type ifReqMTU struct {
	name [unix.IFNAMSIZ]byte
	mtu  int32
	_    [20]byte
}

// endpoint is a types.LinkEndpoint backed by an open TAP device file
// descriptor
type endpoint struct {
	fd   int
	mtu  uint32
	addr types.LinkAddress

	dispatcher types.NetworkDispatcher

	vv     *buffer.VectorisedView
	views  []buffer.View
}

// New opens (creating, if necessary) the TAP device named name and
// registers a link endpoint backed by it
func New(name string) (types.LinkEndpointID, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("tap: open /dev/net/tun: %w", err)
	}

	var req ifReqFlags
	copy(req.name[:], name)
	req.flags = unix.IFF_TAP | unix.IFF_NO_PI
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		unix.Close(fd)
		return 0, fmt.Errorf("tap: ioctl(TUNSETIFF) on %s: %w", name, errno)
	}

	mtu, err := interfaceMTU(name)
	if err != nil {
		unix.Close(fd)
		return 0, err
	}

	addr, err := interfaceHardwareAddr(name)
	if err != nil {
		unix.Close(fd)
		return 0, err
	}

	e := &endpoint{
		fd:    fd,
		mtu:   mtu,
		addr:  addr,
		views: make([]buffer.View, len(bufConfig)),
	}
	vv := buffer.NewVectorisedView(e.views, 0)
	e.vv = &vv

	return stack.RegisterLinkEndpoint(e), nil
}

func interfaceMTU(name string) (uint32, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	var req ifReqMTU
	copy(req.name[:], name)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.SIOCGIFMTU), uintptr(unsafe.Pointer(&req))); errno != 0 {
		return 0, fmt.Errorf("tap: ioctl(SIOCGIFMTU) on %s: %w", name, errno)
	}

	return uint32(req.mtu), nil
}

// interfaceHardwareAddr reads the device's MAC address straight off the
// kernel's idea of the interface, the same way ether_tap_addr does when a
// TAP device isn't given an explicit address up front
func interfaceHardwareAddr(name string) (types.LinkAddress, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return "", err
	}
	defer unix.Close(fd)

	var req ifReqHwAddr
	copy(req.name[:], name)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.SIOCGIFHWADDR), uintptr(unsafe.Pointer(&req))); errno != 0 {
		return "", fmt.Errorf("tap: ioctl(SIOCGIFHWADDR) on %s: %w", name, errno)
	}

	return types.LinkAddress(req.data[:header.EthernetAddressSize]), nil
}

// MTU implements types.LinkEndpoint
func (e *endpoint) MTU() uint32 {
	return e.mtu
}

// MaxHeaderLength implements types.LinkEndpoint. A TAP device hands us
// (and expects from us) full Ethernet frames, so callers must reserve room
// for the Ethernet header themselves
func (e *endpoint) MaxHeaderLength() uint16 {
	return header.EthernetMinimumSize
}

// LinkAddress implements types.LinkEndpoint
func (e *endpoint) LinkAddress() types.LinkAddress {
	return e.addr
}

// WritePacket implements types.LinkEndpoint. It prepends the Ethernet
// header and writes the frame out through the device in a single writev
func (e *endpoint) WritePacket(r *types.Route, hdr *buffer.Prependable, payload buffer.View, protocol types.NetworkProtocolNumber) error {
	eth := header.Ethernet(hdr.Prepend(header.EthernetMinimumSize))

	dst := header.BroadcastAddress
	if r != nil && r.RemoteLinkAddress != "" {
		dst = r.RemoteLinkAddress
	}

	eth.Encode(&header.EthernetFields{
		SrcAddr: e.addr,
		DstAddr: dst,
		Type:    protocol,
	})

	iovs := [][]byte{hdr.UsedBytes()}
	if len(payload) > 0 {
		iovs = append(iovs, payload)
	}

	_, err := unix.Writev(e.fd, iovs)
	return err
}

// Attach implements types.LinkEndpoint, launching the goroutine that reads
// frames off the device and dispatches them into the stack
func (e *endpoint) Attach(dispatcher types.NetworkDispatcher) {
	e.dispatcher = dispatcher
	go e.dispatchLoop()
}

// dispatchLoop is this endpoint's read loop, the producer side of the
// stack's dispatch loop: it only ever reads frames and hands them off,
// never parses past the Ethernet header itself
func (e *endpoint) dispatchLoop() {
	for {
		ok, err := e.dispatch()
		if err != nil {
			log.Printf("tap: read failed: %v\n", err)
			return
		}
		if !ok {
			return
		}
	}
}

func (e *endpoint) dispatch() (bool, error) {
	e.allocateViews(bufConfig)

	iovs := make([][]byte, len(e.views))
	for i, v := range e.views {
		iovs[i] = v
	}

	n, err := unix.Readv(e.fd, iovs)
	if err != nil {
		return false, err
	}
	if n <= 0 {
		return false, nil
	}

	used := e.capViews(n, bufConfig)
	e.vv.SetViews(e.views[:used])
	e.vv.SetSize(n)

	if n < header.EthernetMinimumSize {
		log.Printf("tap: dropping undersized frame (%d bytes)\n", n)
		return true, nil
	}

	eth := header.Ethernet(e.views[0])
	protocol := eth.Type()
	remote := eth.SourceAddress()
	e.vv.TrimFront(header.EthernetMinimumSize)

	e.dispatcher.DeliverNetworkPacket(e, remote, protocol, e.vv)

	for i := 0; i < used; i++ {
		e.views[i] = nil
	}

	return true, nil
}

func (e *endpoint) allocateViews(sizes []int) {
	for i := range e.views {
		if e.views[i] == nil {
			e.views[i] = buffer.NewView(sizes[i])
		}
	}
}

func (e *endpoint) capViews(n int, sizes []int) int {
	c := 0
	for i, s := range sizes {
		c += s
		if c >= n {
			e.views[i].CapLength(s - (c - n))
			return i + 1
		}
	}
	return len(sizes)
}
