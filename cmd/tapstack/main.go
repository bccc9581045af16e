// Command tapstack brings up the userspace networking stack on a host TAP
// device. It mirrors the shape of the package's tun_tcp_echo/tun_udp_echo/
// tun_tcp_connect samples, but reads its provisioning from flags and an
// optional YAML config file instead of positional arguments, and adds
// read-only "arp show"/"route show" diagnostics.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GunjiD/tapstack/config"
	"github.com/GunjiD/tapstack/link/tap"
	"github.com/GunjiD/tapstack/network/ipv4"
	"github.com/GunjiD/tapstack/stack"
	"github.com/GunjiD/tapstack/transport/tcp"
	"github.com/GunjiD/tapstack/transport/udp"
	"github.com/GunjiD/tapstack/types"
	log "github.com/GunjiD/tapstack/logging"
)

// nicId is the only Nic this command ever creates. A single TAP device per
// process is all the CLI needs to expose
const nicId types.NicId = 1

// flags holds the parsed command line and config-file provisioning
type flags struct {
	tapName   string
	addr      string
	mtu       uint32
	gateway   string
	staticARP []string
	cfgPath   string
}

var f flags

var rootCmd = &cobra.Command{
	Use:   "tapstack",
	Short: "Userspace TCP/IP stack over a host TAP device",
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Attach to the TAP device and start forwarding traffic",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUp(f)
	},
}

var arpCmd = &cobra.Command{
	Use:   "arp",
	Short: "Inspect the neighbor cache",
}

var arpShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the neighbor cache of a freshly built stack (static entries from flags and --config)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runArpShow(f)
	},
}

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Inspect the route table",
}

var routeShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the route table this command would install",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRouteShow(f)
	},
}

func init() {
	for _, c := range []*cobra.Command{upCmd, arpShowCmd, routeShowCmd} {
		c.Flags().StringVar(&f.tapName, "tap", "tap0", "name of the TAP device to attach to")
		c.Flags().StringVar(&f.addr, "addr", "", "IPv4 address to assign to the stack, dotted-quad")
		c.Flags().Uint32Var(&f.mtu, "mtu", 1500, "MTU to report in the startup log; the Nic uses the TAP device's own MTU")
		c.Flags().StringVar(&f.gateway, "gateway", "", "default route's next hop, dotted-quad")
		c.Flags().StringArrayVar(&f.staticARP, "static-arp", nil, "static neighbor entry as addr=mac, may be repeated")
		c.Flags().StringVarP(&f.cfgPath, "config", "c", "", "path to a YAML config file; flags override its values")
	}

	arpCmd.AddCommand(arpShowCmd)
	routeCmd.AddCommand(routeShowCmd)
	rootCmd.AddCommand(upCmd, arpCmd, routeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}

// resolved is a flags value after the optional config file has been merged
// in (flags win over the file) and every textual address has been parsed
type resolved struct {
	tapName   string
	addr      types.Address
	mtu       uint32
	gateway   types.Address
	staticARP []config.ResolvedNeighbor
}

func resolve(f flags) (*resolved, error) {
	var cfg config.Config
	if f.cfgPath != "" {
		loaded, err := config.Load(f.cfgPath)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}

	if f.tapName != "" && f.tapName != "tap0" {
		cfg.Tap = f.tapName
	} else if cfg.Tap == "" {
		cfg.Tap = f.tapName
	}
	if f.addr != "" {
		cfg.Address = f.addr
	}
	if f.gateway != "" {
		cfg.Gateway = f.gateway
	}

	if cfg.Address == "" {
		return nil, fmt.Errorf("tapstack: --addr or a config file's address field is required")
	}

	addr, err := config.ParseAddress(cfg.Address)
	if err != nil {
		return nil, err
	}

	var gateway types.Address
	if cfg.Gateway != "" {
		gateway, err = config.ParseAddress(cfg.Gateway)
		if err != nil {
			return nil, err
		}
	}

	entries, err := cfg.StaticARPEntries()
	if err != nil {
		return nil, err
	}
	for _, kv := range f.staticARP {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("tapstack: malformed --static-arp entry %q, want addr=mac", kv)
		}
		a, err := config.ParseAddress(parts[0])
		if err != nil {
			return nil, err
		}
		m, err := config.ParseLinkAddress(parts[1])
		if err != nil {
			return nil, err
		}
		entries = append(entries, config.ResolvedNeighbor{Address: a, LinkAddress: m})
	}

	return &resolved{
		tapName:   cfg.Tap,
		addr:      addr,
		mtu:       f.mtu,
		gateway:   gateway,
		staticARP: entries,
	}, nil
}

// buildStack wires a stack for the resolved provisioning: a TAP-backed Nic,
// its address, the default route, and any static neighbor entries, in that
// registration-before-run order
func buildStack(r *resolved) (*stack.Stack, error) {
	s := stack.New([]string{ipv4.ProtocolName}, []string{tcp.ProtocolName, udp.ProtocolName})

	linkId, err := tap.New(r.tapName)
	if err != nil {
		return nil, fmt.Errorf("tapstack: open %s: %w", r.tapName, err)
	}

	if err := s.CreateNic(nicId, linkId); err != nil {
		return nil, fmt.Errorf("tapstack: create nic: %w", err)
	}

	if err := s.AddAddress(nicId, ipv4.ProtocolNumber, r.addr); err != nil {
		return nil, fmt.Errorf("tapstack: add address: %w", err)
	}

	s.SetRouteTable([]types.RouteEntry{
		{
			Destination: types.Address(strings.Repeat("\x00", len(r.addr))),
			Mask:        types.Address(strings.Repeat("\x00", len(r.addr))),
			Gateway:     r.gateway,
			Nic:         nicId,
		},
	})

	for _, n := range r.staticARP {
		if err := s.AddStaticARPEntry(nicId, n.Address, n.LinkAddress); err != nil {
			return nil, fmt.Errorf("tapstack: static arp %v: %w", n.Address, err)
		}
	}

	return s, nil
}

func runUp(f flags) error {
	r, err := resolve(f)
	if err != nil {
		return err
	}

	s, err := buildStack(r)
	if err != nil {
		return err
	}
	defer s.Close()

	log.Printf("tapstack: attached to %s, address %v, mtu %d\n", r.tapName, r.addr, r.mtu)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	log.Printf("tapstack: caught %v, shutting down\n", sig)
	return nil
}

func runArpShow(f flags) error {
	r, err := resolve(f)
	if err != nil {
		return err
	}

	s, err := buildStack(r)
	if err != nil {
		return err
	}
	defer s.Close()

	entries, err := s.NeighborEntries(nicId)
	if err != nil {
		return err
	}

	fmt.Printf("%-16s %-18s %-10s\n", "ADDRESS", "LINK ADDRESS", "STATE")
	for _, e := range entries {
		fmt.Printf("%-16s %-18s %-10s\n", net4String(e.Address), mac6String(e.LinkAddress), e.State)
	}
	return nil
}

func runRouteShow(f flags) error {
	r, err := resolve(f)
	if err != nil {
		return err
	}

	s, err := buildStack(r)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Printf("%-16s %-16s %-16s %s\n", "DESTINATION", "MASK", "GATEWAY", "NIC")
	for _, rt := range s.RouteTable() {
		gw := "-"
		if rt.Gateway != "" {
			gw = net4String(rt.Gateway)
		}
		fmt.Printf("%-16s %-16s %-16s %d\n", net4String(rt.Destination), net4String(rt.Mask), gw, rt.Nic)
	}
	return nil
}

func net4String(addr types.Address) string {
	if len(addr) != 4 {
		return "-"
	}
	return fmt.Sprintf("%d.%d.%d.%d", addr[0], addr[1], addr[2], addr[3])
}

func mac6String(addr types.LinkAddress) string {
	if len(addr) != 6 {
		return "-"
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", addr[0], addr[1], addr[2], addr[3], addr[4], addr[5])
}
