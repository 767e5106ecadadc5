// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dhcp

import (
	"fmt"
	"sync"
)

// BootMethod describes one way firmware can network-boot: how the
// daemon recognizes the client (architecture octet or user class) and
// which bootloader to hand it.
type BootMethod struct {
	// Name identifies the method, e.g. "uefi-amd64". Region
	// configuration disables methods per subnet by this name.
	Name string

	// ArchOctet is the PXE client system architecture (option 93,
	// dhcp6.client-arch-type on v6) as the colon-separated hex
	// literal used in daemon configuration, e.g. "00:07". Empty for
	// methods that match on user class instead.
	ArchOctet string

	// UserClass matches the DHCP user-class option (option 77,
	// dhcp6.user-class on v6), e.g. "iPXE".
	UserClass string

	// Bootloader is the file the client fetches, relative to the
	// TFTP root or image store.
	Bootloader string

	// PathPrefix is the subdirectory holding this architecture's
	// boot files, e.g. "ppc64el/".
	PathPrefix string

	// ForcePathPrefix injects the path-prefix option into the
	// client's request list. Affected firmware cannot discover its
	// relative path on its own; without the forced option it loads
	// the bootloader and then fails to find anything else.
	ForcePathPrefix bool

	// HTTP marks firmware that fetches its bootloader over HTTP
	// itself and expects the HTTPClient vendor class in return.
	HTTP bool

	// FromImageStore routes the bootloader path through the image
	// store ("images/" URL prefix) instead of the HTTP root.
	FromImageStore bool
}

// eligible reports whether the method can appear in the bootloader
// chain. Methods declaring neither an architecture octet nor a user
// class have nothing to match on.
func (m BootMethod) eligible() bool {
	return m.ArchOctet != "" || m.UserClass != ""
}

// BootRegistry holds boot methods in registration order. Order is
// load-bearing: the rendered bootloader chain emits one conditional
// clause per method, first registered first.
type BootRegistry struct {
	mu      sync.RWMutex
	methods []BootMethod
	names   map[string]struct{}
}

// NewBootRegistry returns an empty registry.
func NewBootRegistry() *BootRegistry {
	return &BootRegistry{names: make(map[string]struct{})}
}

// Register appends a boot method. Duplicate names are an error.
func (r *BootRegistry) Register(m BootMethod) error {
	if m.Name == "" {
		return fmt.Errorf("boot method has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[m.Name]; ok {
		return fmt.Errorf("boot method %q already registered", m.Name)
	}
	r.names[m.Name] = struct{}{}
	r.methods = append(r.methods, m)
	return nil
}

// Methods returns the registered methods in registration order.
func (r *BootRegistry) Methods() []BootMethod {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]BootMethod(nil), r.methods...)
}

// DefaultBootMethods returns a registry holding the built-in boot
// method table.
func DefaultBootMethods() *BootRegistry {
	r := NewBootRegistry()
	builtin := []BootMethod{
		{Name: "pxe", ArchOctet: "00:00", Bootloader: "pxelinux.0", FromImageStore: true},
		{Name: "uefi-amd64", ArchOctet: "00:07", Bootloader: "bootx64.efi", FromImageStore: true},
		{Name: "uefi-arm64", ArchOctet: "00:0B", Bootloader: "grubaa64.efi", FromImageStore: true},
		{Name: "open-power", ArchOctet: "00:0E", Bootloader: "pxelinux.0", PathPrefix: "ppc64el/", ForcePathPrefix: true, FromImageStore: true},
		{Name: "s390x", ArchOctet: "00:1F", Bootloader: "boots390x.bin", PathPrefix: "s390x/", ForcePathPrefix: true, FromImageStore: true},
		{Name: "ipxe", UserClass: "iPXE", Bootloader: "ipxe.cfg", HTTP: true},
	}
	for _, m := range builtin {
		if err := r.Register(m); err != nil {
			panic("dhcp: built-in boot method table: " + err.Error())
		}
	}
	return r
}
