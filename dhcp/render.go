// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dhcp

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/netip"
	"strings"
)

const (
	// httpBootPort is the rack's boot HTTP server. Fixed: firmware
	// learns it from the rendered URL, nothing negotiates it.
	httpBootPort = 5248

	// imageStorePrefix roots bootloader URLs served from the image
	// store.
	imageStorePrefix = "images/"

	// Trailing defaults for clients no conditional clause matched.
	defaultBootloaderV4 = "pxelinux.0"
	defaultBootloaderV6 = "bootx64.efi"
)

// Renderer produces ISC daemon configuration text from a Config. The
// output is deterministic: the same Config renders byte-identical
// text, which is what makes digest-based change detection work.
type Renderer struct {
	// V6 selects DHCPv6 syntax (dhcpd6.conf); otherwise DHCPv4.
	V6 bool

	// Boot supplies the boot method table for the conditional
	// bootloader chain. Nil means no chain is rendered.
	Boot *BootRegistry

	// RackAddr resolves this rack's own address inside a subnet, used
	// for boot URLs and next-server. Returning false skips the
	// bootloader chain for that subnet.
	RackAddr func(netip.Prefix) (netip.Addr, bool)

	// Lookup resolves NTP server hostnames. Unresolvable names are
	// dropped from the rendered option; the daemon would reject the
	// whole file over one stale hostname otherwise. Nil uses the
	// system resolver.
	Lookup func(ctx context.Context, host string) ([]netip.Addr, error)

	Logger *slog.Logger
}

// Render returns the full daemon configuration for c.
func (r *Renderer) Render(ctx context.Context, c *Config) (string, error) {
	peers, err := peerIndex(c.FailoverPeers)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	r.writeHeader(&b, c)
	for _, snippet := range c.GlobalSnippets {
		writeSnippet(&b, "", snippet)
		b.WriteString("\n")
	}
	if !r.V6 {
		// The v6 daemon has no failover protocol; peers only steer
		// range splitting there.
		for _, peer := range c.FailoverPeers {
			writeFailoverPeer(&b, peer)
		}
	}
	for _, network := range c.SharedNetworks {
		if err := r.writeSharedNetwork(ctx, &b, network, peers); err != nil {
			return "", err
		}
	}
	for _, host := range c.Hosts {
		if err := r.writeHost(&b, host); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}

// RenderInterfaces returns the contents of the interfaces file: the
// names the daemon binds, space separated on one line.
func RenderInterfaces(c *Config) string {
	if len(c.Interfaces) == 0 {
		return ""
	}
	return strings.Join(c.Interfaces, " ") + "\n"
}

func (r *Renderer) writeHeader(b *strings.Builder, c *Config) {
	b.WriteString("# Generated by rackd; do not edit. The file is rewritten in full\n")
	b.WriteString("# on every configuration push from the region.\n\n")
	if r.V6 {
		b.WriteString("option dhcp6.client-arch-type code 61 = array of unsigned integer 16;  # RFC 5970\n")
		b.WriteString("option dhcp6.user-class code 15 = string;\n")
		b.WriteString("option dhcp6.path-prefix code 210 = text;\n")
	} else {
		b.WriteString("option arch code 93 = unsigned integer 16;  # RFC 4578\n")
		b.WriteString("option path-prefix code 210 = text;  # RFC 5071\n")
	}
	b.WriteString("\n")
	b.WriteString("authoritative;\n")
	b.WriteString("ddns-update-style none;\n")
	b.WriteString("log-facility local7;\n")
	b.WriteString("default-lease-time 600;\n")
	b.WriteString("max-lease-time 600;\n\n")
	if c.OMAPIKey != "" {
		b.WriteString("omapi-port 7911;\n")
		b.WriteString("key omapi_key {\n")
		b.WriteString("    algorithm hmac-md5;\n")
		fmt.Fprintf(b, "    secret %q;\n", c.OMAPIKey)
		b.WriteString("};\n")
		b.WriteString("omapi-key omapi_key;\n\n")
	}
}

func writeFailoverPeer(b *strings.Builder, peer FailoverPeer) {
	fmt.Fprintf(b, "failover peer %q {\n", peer.Name)
	fmt.Fprintf(b, "    %s;\n", peer.Mode)
	fmt.Fprintf(b, "    address %s;\n", peer.Address)
	b.WriteString("    port 647;\n")
	fmt.Fprintf(b, "    peer address %s;\n", peer.PeerAddress)
	b.WriteString("    peer port 647;\n")
	b.WriteString("    max-response-delay 60;\n")
	b.WriteString("    max-unacked-updates 10;\n")
	b.WriteString("    load balance max seconds 3;\n")
	if peer.Mode == "primary" {
		// mclt and split are only legal on the primary.
		b.WriteString("    mclt 3600;\n")
		b.WriteString("    split 255;\n")
	}
	b.WriteString("}\n\n")
}

func (r *Renderer) writeSharedNetwork(ctx context.Context, b *strings.Builder, network SharedNetwork, peers map[string]FailoverPeer) error {
	fmt.Fprintf(b, "shared-network %s {\n", network.Name)
	for _, subnet := range network.Subnets {
		if err := r.writeSubnet(ctx, b, subnet, peers); err != nil {
			return fmt.Errorf("shared network %q: %w", network.Name, err)
		}
	}
	b.WriteString("}\n\n")
	return nil
}

func (r *Renderer) writeSubnet(ctx context.Context, b *strings.Builder, subnet Subnet, peers map[string]FailoverPeer) error {
	if !subnet.CIDR.IsValid() {
		return fmt.Errorf("subnet has no CIDR")
	}
	if subnet.CIDR.Addr().Is4() == r.V6 {
		return fmt.Errorf("subnet %s is the wrong address family", subnet.CIDR)
	}

	network := subnet.CIDR.Masked().Addr()
	if r.V6 {
		fmt.Fprintf(b, "    subnet6 %s {\n", subnet.CIDR)
	} else {
		fmt.Fprintf(b, "    subnet %s netmask %s {\n", network, netmask(subnet.CIDR))
		b.WriteString("        ignore-client-uids true;\n")
		fmt.Fprintf(b, "        option subnet-mask %s;\n", netmask(subnet.CIDR))
		if subnet.BroadcastIP.IsValid() {
			fmt.Fprintf(b, "        option broadcast-address %s;\n", subnet.BroadcastIP)
		}
		if subnet.RouterIP.IsValid() {
			fmt.Fprintf(b, "        option routers %s;\n", subnet.RouterIP)
		}
	}

	if len(subnet.DNSServers) > 0 {
		fmt.Fprintf(b, "        option %s %s;\n", r.optionName("domain-name-servers", "dhcp6.name-servers"), joinAddrs(subnet.DNSServers))
	}
	if ntp := r.ntpAddresses(ctx, subnet.NTPServers); len(ntp) > 0 {
		fmt.Fprintf(b, "        option %s %s;\n", r.optionName("ntp-servers", "dhcp6.sntp-servers"), strings.Join(ntp, ", "))
	}
	if subnet.DomainName != "" && !r.V6 {
		fmt.Fprintf(b, "        option domain-name %q;\n", subnet.DomainName)
	}
	if len(subnet.SearchList) > 0 {
		fmt.Fprintf(b, "        option %s %s;\n", r.optionName("domain-search", "dhcp6.domain-search"), joinQuoted(subnet.SearchList))
	}
	for _, snippet := range subnet.Snippets {
		writeSnippet(b, "        ", snippet)
	}

	if rack, ok := r.rackAddr(subnet.CIDR); ok {
		r.writeBootChain(b, rack, subnet.DisabledBootMethods)
	} else {
		r.warn("no rack address in subnet, skipping bootloader chain", "subnet", subnet.CIDR.String())
	}

	for _, pool := range subnet.Pools {
		if err := r.writePool(b, pool, peers); err != nil {
			return fmt.Errorf("subnet %s: %w", subnet.CIDR, err)
		}
	}
	b.WriteString("    }\n")
	return nil
}

func (r *Renderer) writePool(b *strings.Builder, pool Pool, peers map[string]FailoverPeer) error {
	if !pool.Low.IsValid() || !pool.High.IsValid() {
		return fmt.Errorf("pool range is incomplete")
	}
	low, high := pool.Low, pool.High
	if pool.FailoverPeer != "" {
		peer, ok := peers[pool.FailoverPeer]
		if !ok {
			return fmt.Errorf("pool references unknown failover peer %q", pool.FailoverPeer)
		}
		if r.V6 {
			// No failover protocol in the v6 daemon: the pair
			// emulates it by each serving half the range.
			low, high = splitFailoverRange(low, high, peer.Mode)
		}
	}
	b.WriteString("        pool {\n")
	if r.V6 {
		fmt.Fprintf(b, "            range6 %s %s;\n", low, high)
	} else {
		if pool.FailoverPeer != "" {
			fmt.Fprintf(b, "            failover peer %q;\n", pool.FailoverPeer)
		}
		fmt.Fprintf(b, "            range %s %s;\n", low, high)
	}
	b.WriteString("        }\n")
	return nil
}

// writeBootChain emits one conditional clause per eligible boot
// method in registration order, then exactly one trailing default.
func (r *Renderer) writeBootChain(b *strings.Builder, rack netip.Addr, disabled []string) {
	disabledSet := make(map[string]bool, len(disabled))
	for _, name := range disabled {
		disabledSet[name] = true
	}

	keyword := "if"
	for _, method := range r.methods() {
		if !method.eligible() || disabledSet[method.Name] {
			continue
		}
		fmt.Fprintf(b, "        %s %s {\n", keyword, r.bootCondition(method))
		fmt.Fprintf(b, "            # %s\n", method.Name)
		r.writeBootClause(b, method, rack)
		b.WriteString("        }\n")
		keyword = "elsif"
	}

	b.WriteString("        else {\n")
	if r.V6 {
		fmt.Fprintf(b, "            option dhcp6.bootfile-url \"tftp://[%s]/%s\";\n", rack, defaultBootloaderV6)
	} else {
		fmt.Fprintf(b, "            filename %q;\n", defaultBootloaderV4)
		fmt.Fprintf(b, "            next-server %s;\n", rack)
	}
	b.WriteString("        }\n")
}

// bootCondition builds the match expression for one method: the
// architecture octet, the user class, or both joined with "or".
func (r *Renderer) bootCondition(method BootMethod) string {
	var parts []string
	if method.ArchOctet != "" {
		parts = append(parts, fmt.Sprintf("option %s = %s", r.optionName("arch", "dhcp6.client-arch-type"), method.ArchOctet))
	}
	if method.UserClass != "" {
		parts = append(parts, fmt.Sprintf("option %s = %q", r.optionName("user-class", "dhcp6.user-class"), method.UserClass))
	}
	return strings.Join(parts, " or ")
}

func (r *Renderer) writeBootClause(b *strings.Builder, method BootMethod, rack netip.Addr) {
	path := method.PathPrefix + method.Bootloader
	if method.FromImageStore {
		path = imageStorePrefix + path
	}

	if method.ArchOctet != "" || method.HTTP {
		url := r.httpBase(rack) + path
		if r.V6 {
			fmt.Fprintf(b, "            option dhcp6.bootfile-url %q;\n", url)
		} else {
			fmt.Fprintf(b, "            filename %q;\n", url)
		}
		if method.HTTP {
			if r.V6 {
				fmt.Fprintf(b, "            option dhcp6.vendor-class 0 %d %q;\n", len("HTTPClient"), "HTTPClient")
			} else {
				b.WriteString("            option vendor-class-identifier \"HTTPClient\";\n")
			}
		}
	} else if r.V6 {
		fmt.Fprintf(b, "            option dhcp6.bootfile-url \"tftp://[%s]/%s\";\n", rack, path)
	} else {
		fmt.Fprintf(b, "            filename %q;\n", method.PathPrefix+method.Bootloader)
		fmt.Fprintf(b, "            next-server %s;\n", rack)
	}

	if method.ForcePathPrefix {
		prefix := r.httpBase(rack)
		if method.FromImageStore {
			prefix += imageStorePrefix
		}
		prefix += method.PathPrefix
		if r.V6 {
			fmt.Fprintf(b, "            option dhcp6.path-prefix %q;\n", prefix)
			b.WriteString("            option dhcp6.oro = concat(option dhcp6.oro,00d2);\n")
		} else {
			fmt.Fprintf(b, "            option path-prefix %q;\n", prefix)
			b.WriteString("            option dhcp-parameter-request-list = concat(option dhcp-parameter-request-list,d2);\n")
		}
	}
}

func (r *Renderer) writeHost(b *strings.Builder, host Host) error {
	if err := host.validate(); err != nil {
		return err
	}
	if host.IP.Is4() == r.V6 {
		return fmt.Errorf("host %q: address %s is the wrong family", host.Hostname, host.IP)
	}
	// The MAC suffix keeps declaration names unique when one machine
	// has reservations on several subnets.
	name := host.Hostname + "-" + strings.ReplaceAll(host.MAC, ":", "-")
	fmt.Fprintf(b, "host %s {\n", name)
	fmt.Fprintf(b, "    hardware ethernet %s;\n", host.MAC)
	if r.V6 {
		fmt.Fprintf(b, "    fixed-address6 %s;\n", host.IP)
	} else {
		fmt.Fprintf(b, "    fixed-address %s;\n", host.IP)
	}
	for _, snippet := range host.Snippets {
		writeSnippet(b, "    ", snippet)
	}
	b.WriteString("}\n\n")
	return nil
}

func writeSnippet(b *strings.Builder, indent string, s Snippet) {
	if s.Value == "" {
		return
	}
	if s.Name != "" {
		fmt.Fprintf(b, "%s# Snippet: %s", indent, s.Name)
		if s.Description != "" {
			fmt.Fprintf(b, " (%s)", s.Description)
		}
		b.WriteString("\n")
	}
	for _, line := range strings.Split(strings.TrimRight(s.Value, "\n"), "\n") {
		b.WriteString(indent)
		b.WriteString(line)
		b.WriteString("\n")
	}
}

// ntpAddresses renders NTP servers as address literals of the right
// family, resolving hostnames and dropping anything unusable.
func (r *Renderer) ntpAddresses(ctx context.Context, servers []string) []string {
	var out []string
	for _, server := range servers {
		if addr, err := netip.ParseAddr(server); err == nil {
			if addr.Unmap().Is4() != r.V6 {
				out = append(out, addr.Unmap().String())
			}
			continue
		}
		addrs, err := r.lookupHost(ctx, server)
		if err != nil {
			r.warn("could not resolve NTP server, dropping from DHCP options", "host", server, "error", err)
			continue
		}
		for _, addr := range addrs {
			if addr.Unmap().Is4() != r.V6 {
				out = append(out, addr.Unmap().String())
			}
		}
	}
	return out
}

func (r *Renderer) lookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if r.Lookup != nil {
		return r.Lookup(ctx, host)
	}
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

func (r *Renderer) rackAddr(prefix netip.Prefix) (netip.Addr, bool) {
	if r.RackAddr == nil {
		return netip.Addr{}, false
	}
	return r.RackAddr(prefix)
}

func (r *Renderer) methods() []BootMethod {
	if r.Boot == nil {
		return nil
	}
	return r.Boot.Methods()
}

// optionName picks the family-specific option name.
func (r *Renderer) optionName(v4, v6 string) string {
	if r.V6 {
		return v6
	}
	return v4
}

func (r *Renderer) httpBase(rack netip.Addr) string {
	if r.V6 {
		return fmt.Sprintf("http://[%s]:%d/", rack, httpBootPort)
	}
	return fmt.Sprintf("http://%s:%d/", rack, httpBootPort)
}

func (r *Renderer) warn(msg string, args ...any) {
	if r.Logger != nil {
		r.Logger.Warn(msg, args...)
	}
}

func joinAddrs(addrs []netip.Addr) string {
	parts := make([]string, len(addrs))
	for i, addr := range addrs {
		parts[i] = addr.String()
	}
	return strings.Join(parts, ", ")
}

func joinQuoted(values []string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%q", v)
	}
	return strings.Join(parts, ", ")
}

func netmask(p netip.Prefix) string {
	return net.IP(net.CIDRMask(p.Bits(), 32)).String()
}

// splitFailoverRange halves [low, high]: the primary serves the lower
// half, the secondary the upper half.
func splitFailoverRange(low, high netip.Addr, mode string) (netip.Addr, netip.Addr) {
	lowInt := addrInt(low)
	highInt := addrInt(high)
	span := new(big.Int).Sub(highInt, lowInt)
	mid := new(big.Int).Add(lowInt, span.Rsh(span, 1))
	if mode == "primary" {
		return low, intAddr(mid)
	}
	return intAddr(mid.Add(mid, big.NewInt(1))), high
}

func addrInt(a netip.Addr) *big.Int {
	b := a.As16()
	return new(big.Int).SetBytes(b[:])
}

func intAddr(i *big.Int) netip.Addr {
	var b [16]byte
	i.FillBytes(b[:])
	return netip.AddrFrom16(b)
}
