// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dhcp

import (
	"fmt"
	"net"
	"net/netip"
)

// Config is one address family's full DHCP configuration as pushed by
// the region. The same shape serves v4 and v6; the renderer decides
// the family-specific syntax.
type Config struct {
	// OMAPIKey, when set, enables the daemon's OMAPI control socket
	// with this base64 HMAC-MD5 key.
	OMAPIKey string `cbor:"omapi_key,omitempty"`

	FailoverPeers  []FailoverPeer  `cbor:"failover_peers,omitempty"`
	SharedNetworks []SharedNetwork `cbor:"shared_networks,omitempty"`
	Hosts          []Host          `cbor:"hosts,omitempty"`
	GlobalSnippets []Snippet       `cbor:"global_dhcp_snippets,omitempty"`

	// Interfaces the daemon serves on, written to the interfaces
	// file next to the rendered configuration.
	Interfaces []string `cbor:"interfaces,omitempty"`

	// Relays lists interfaces whose broadcasts this rack forwards to
	// an upstream server instead of serving locally.
	Relays []Relay `cbor:"relays,omitempty"`
}

// FailoverPeer is one half of a cooperating server pair sharing pool
// ranges. The region names the pair "<network>-primary" and
// "<network>-secondary"; pools reference a peer by name.
type FailoverPeer struct {
	Name        string     `cbor:"name"`
	Mode        string     `cbor:"mode"` // "primary" or "secondary"
	Address     netip.Addr `cbor:"address"`
	PeerAddress netip.Addr `cbor:"peer_address"`
}

// SharedNetwork groups the subnets served on one physical segment.
type SharedNetwork struct {
	Name    string   `cbor:"name"`
	Subnets []Subnet `cbor:"subnets"`
}

// Subnet is one address range plus the options its clients receive.
type Subnet struct {
	CIDR        netip.Prefix `cbor:"subnet_cidr"`
	RouterIP    netip.Addr   `cbor:"router_ip,omitempty"`
	BroadcastIP netip.Addr   `cbor:"broadcast_ip,omitempty"`
	DNSServers  []netip.Addr `cbor:"dns_servers,omitempty"`

	// NTPServers may be addresses or hostnames. Hostnames are
	// resolved at render time; unresolvable ones are dropped.
	NTPServers []string `cbor:"ntp_servers,omitempty"`

	DomainName string    `cbor:"domain_name,omitempty"`
	SearchList []string  `cbor:"search_list,omitempty"`
	Snippets   []Snippet `cbor:"dhcp_snippets,omitempty"`
	Pools      []Pool    `cbor:"pools,omitempty"`

	// DisabledBootMethods suppresses bootloader chain clauses for the
	// named methods on this subnet.
	DisabledBootMethods []string `cbor:"disabled_boot_architectures,omitempty"`
}

// Pool is a dynamic address range, optionally bound to a failover
// peer.
type Pool struct {
	Low          netip.Addr `cbor:"ip_range_low"`
	High         netip.Addr `cbor:"ip_range_high"`
	FailoverPeer string     `cbor:"failover_peer,omitempty"`
}

// Host is a static reservation tying a MAC to a fixed address.
type Host struct {
	Hostname string     `cbor:"host"`
	MAC      string     `cbor:"mac"`
	IP       netip.Addr `cbor:"ip"`
	Snippets []Snippet  `cbor:"dhcp_snippets,omitempty"`
}

// Snippet is operator-supplied configuration text passed through
// verbatim at its scope (global, subnet, or host).
type Snippet struct {
	Name        string `cbor:"name"`
	Description string `cbor:"description,omitempty"`
	Value       string `cbor:"value"`
}

// peerIndex builds a name lookup over the failover peers, rejecting
// duplicates and unknown modes up front so a broken push fails before
// any file is touched.
func peerIndex(peers []FailoverPeer) (map[string]FailoverPeer, error) {
	index := make(map[string]FailoverPeer, len(peers))
	for _, peer := range peers {
		if peer.Name == "" {
			return nil, fmt.Errorf("failover peer has no name")
		}
		if peer.Mode != "primary" && peer.Mode != "secondary" {
			return nil, fmt.Errorf("failover peer %q has mode %q, want primary or secondary", peer.Name, peer.Mode)
		}
		if !peer.Address.IsValid() || !peer.PeerAddress.IsValid() {
			return nil, fmt.Errorf("failover peer %q is missing an address", peer.Name)
		}
		if _, ok := index[peer.Name]; ok {
			return nil, fmt.Errorf("failover peer %q declared twice", peer.Name)
		}
		index[peer.Name] = peer
	}
	return index, nil
}

// validate checks the parts of a host entry the daemon would
// otherwise reject with the whole file.
func (h Host) validate() error {
	if h.Hostname == "" {
		return fmt.Errorf("host reservation has no hostname")
	}
	if _, err := net.ParseMAC(h.MAC); err != nil {
		return fmt.Errorf("host %q: bad MAC %q: %w", h.Hostname, h.MAC, err)
	}
	if !h.IP.IsValid() {
		return fmt.Errorf("host %q has no fixed address", h.Hostname)
	}
	return nil
}
