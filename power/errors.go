// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package power

import (
	"fmt"
	"strings"
)

// FieldNotFoundError reports a key that no field in the driver's
// table declares.
type FieldNotFoundError struct {
	Key string
}

func (e *FieldNotFoundError) Error() string {
	return fmt.Sprintf("power: no field %q", e.Key)
}

// FieldWrongTypeError reports a typed getter applied to a field of a
// different declared type.
type FieldWrongTypeError struct {
	Key  string
	Want FieldType
	Got  FieldType
}

func (e *FieldWrongTypeError) Error() string {
	return fmt.Sprintf("power: field %q is %s, not %s", e.Key, e.Got, e.Want)
}

// InvalidChoiceError reports a value outside a choice field's
// enumerated list.
type InvalidChoiceError struct {
	Key     string
	Value   string
	Choices []string
}

func (e *InvalidChoiceError) Error() string {
	return fmt.Sprintf("power: %q is not a valid choice for field %q (choices: %s)",
		e.Value, e.Key, strings.Join(e.Choices, ", "))
}

// DuplicateFieldError reports a field key declared twice in one
// table.
type DuplicateFieldError struct {
	Key string
}

func (e *DuplicateFieldError) Error() string {
	return fmt.Sprintf("power: field %q declared twice", e.Key)
}

// UnknownDriverError reports a power action naming a driver this rack
// does not carry.
type UnknownDriverError struct {
	Name string
}

func (e *UnknownDriverError) Error() string {
	return fmt.Sprintf("power: no driver %q", e.Name)
}
