// Package config loads the static provisioning a stack needs before it is
// brought up: the interface address, the default gateway, and any neighbor
// entries that should be pinned rather than learned by resolution. It is
// read once, in full, before Run starts -- the stack never watches the
// file or reloads it.
package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/GunjiD/tapstack/types"
)

// Neighbor is one static ARP entry: an address paired with the link
// address it should always resolve to
type Neighbor struct {
	Address string `yaml:"address"`
	Mac     string `yaml:"mac"`
}

// Config is the on-disk shape of a stack's static provisioning
type Config struct {
	// Tap is the name of the TAP device to attach to
	Tap string `yaml:"tap"`

	// Address is the IPv4 address to assign to the stack's Nic, in
	// dotted-quad form
	Address string `yaml:"address"`

	// Gateway is the default route's next hop, in dotted-quad form. Left
	// empty, the default route has no gateway and only directly
	// connected destinations are reachable
	Gateway string `yaml:"gateway"`

	// StaticARP lists neighbor entries to install before the stack
	// starts processing traffic
	StaticARP []Neighbor `yaml:"staticARP"`
}

// Load reads and parses the YAML config file at path
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg := new(Config)
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// ParseAddress converts a dotted-quad IPv4 address into the 4-byte address
// form the stack's types package expects
func ParseAddress(s string) (types.Address, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return "", fmt.Errorf("config: invalid IPv4 address %q", s)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return "", fmt.Errorf("config: %q is not an IPv4 address", s)
	}
	return types.Address(ip4), nil
}

// ParseLinkAddress converts a colon-separated MAC address into the 6-byte
// link address form the stack's types package expects
func ParseLinkAddress(s string) (types.LinkAddress, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return "", fmt.Errorf("config: invalid MAC address %q: %w", s, err)
	}
	return types.LinkAddress(hw), nil
}

// StaticARPEntries parses every Neighbor in the config, stopping at the
// first malformed entry
func (c *Config) StaticARPEntries() ([]ResolvedNeighbor, error) {
	entries := make([]ResolvedNeighbor, 0, len(c.StaticARP))
	for _, n := range c.StaticARP {
		addr, err := ParseAddress(n.Address)
		if err != nil {
			return nil, err
		}
		link, err := ParseLinkAddress(n.Mac)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ResolvedNeighbor{Address: addr, LinkAddress: link})
	}
	return entries, nil
}

// ResolvedNeighbor is a Neighbor after its textual fields have been parsed
// into the stack's wire types
type ResolvedNeighbor struct {
	Address     types.Address
	LinkAddress types.LinkAddress
}
