// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dhcp

import (
	"strings"
	"testing"
)

func TestBootRegistryPreservesOrder(t *testing.T) {
	r := NewBootRegistry()
	for _, name := range []string{"alpha", "beta", "gamma"} {
		err := r.Register(BootMethod{Name: name, ArchOctet: "00:01", Bootloader: "x"})
		if err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	methods := r.Methods()
	if len(methods) != 3 {
		t.Fatalf("got %d methods, want 3", len(methods))
	}
	for i, want := range []string{"alpha", "beta", "gamma"} {
		if methods[i].Name != want {
			t.Fatalf("method %d is %q, want %q", i, methods[i].Name, want)
		}
	}
}

func TestBootRegistryRejectsDuplicate(t *testing.T) {
	r := NewBootRegistry()
	if err := r.Register(BootMethod{Name: "pxe", Bootloader: "x"}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := r.Register(BootMethod{Name: "pxe", Bootloader: "y"})
	if err == nil {
		t.Fatal("duplicate Register succeeded")
	}
	if !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBootRegistryRejectsEmptyName(t *testing.T) {
	r := NewBootRegistry()
	if err := r.Register(BootMethod{Bootloader: "x"}); err == nil {
		t.Fatal("Register with empty name succeeded")
	}
}

func TestBootRegistryMethodsReturnsCopy(t *testing.T) {
	r := NewBootRegistry()
	if err := r.Register(BootMethod{Name: "pxe", Bootloader: "x"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	methods := r.Methods()
	methods[0].Name = "mutated"
	if got := r.Methods()[0].Name; got != "pxe" {
		t.Fatalf("registry method renamed to %q through returned slice", got)
	}
}

func TestDefaultBootMethods(t *testing.T) {
	methods := DefaultBootMethods().Methods()

	wantOrder := []string{"pxe", "uefi-amd64", "uefi-arm64", "open-power", "s390x", "ipxe"}
	if len(methods) != len(wantOrder) {
		t.Fatalf("got %d built-in methods, want %d", len(methods), len(wantOrder))
	}
	byName := make(map[string]BootMethod)
	for i, m := range methods {
		if m.Name != wantOrder[i] {
			t.Fatalf("method %d is %q, want %q", i, m.Name, wantOrder[i])
		}
		if !m.eligible() {
			t.Fatalf("built-in method %q is not eligible", m.Name)
		}
		byName[m.Name] = m
	}

	for _, name := range []string{"open-power", "s390x"} {
		if !byName[name].ForcePathPrefix {
			t.Errorf("%s should force its path prefix", name)
		}
	}
	ipxe := byName["ipxe"]
	if ipxe.UserClass != "iPXE" || !ipxe.HTTP {
		t.Errorf("ipxe method = %+v, want user class iPXE over HTTP", ipxe)
	}
	if byName["pxe"].ArchOctet != "00:00" {
		t.Errorf("pxe arch octet = %q", byName["pxe"].ArchOctet)
	}
}

func TestBootMethodEligibility(t *testing.T) {
	m := BootMethod{Name: "custom", Bootloader: "x"}
	if m.eligible() {
		t.Fatal("method with no matcher should not be eligible")
	}
	m.UserClass = "foo"
	if !m.eligible() {
		t.Fatal("user class alone should make a method eligible")
	}
}
