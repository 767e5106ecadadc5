// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package power

import (
	"fmt"
	"slices"
)

// FieldType enumerates the kinds of values a driver setting can hold.
type FieldType string

const (
	FieldTypeString     FieldType = "string"
	FieldTypeMACAddress FieldType = "mac_address"
	FieldTypeChoice     FieldType = "choice"

	// FieldTypePassword marks values that must never appear in logs
	// or status output.
	FieldTypePassword FieldType = "password"
)

// Scope says which piece of inventory a field describes: the BMC that
// is dialed, or the node being controlled behind it. A chassis manager
// has one set of BMC fields shared by many node-scoped selectors.
type Scope string

const (
	ScopeBMC  Scope = "bmc"
	ScopeNode Scope = "node"
)

// Field declares one driver setting.
type Field struct {
	Key     string
	Type    FieldType
	Default string

	// Choices enumerates the legal values of a choice field. Required
	// for choice fields, unused otherwise.
	Choices []string

	Scope Scope
}

func (f Field) validate() error {
	if f.Key == "" {
		return fmt.Errorf("field has no key")
	}
	switch f.Type {
	case FieldTypeString, FieldTypeMACAddress, FieldTypePassword:
	case FieldTypeChoice:
		if len(f.Choices) == 0 {
			return fmt.Errorf("choice field %q has no choices", f.Key)
		}
		if f.Default != "" && !f.allows(f.Default) {
			return fmt.Errorf("choice field %q default %q is not among its choices", f.Key, f.Default)
		}
	default:
		return fmt.Errorf("field %q has unknown type %q", f.Key, f.Type)
	}
	return nil
}

func (f Field) allows(value string) bool {
	return slices.Contains(f.Choices, value)
}
