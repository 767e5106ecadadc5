// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package power

import (
	"sync"
)

// Params is the resolved value set for one power action. Every field
// the driver declares is present, holding either the value the region
// sent or the field's default. Reads take the shared lock so drivers
// can consult Params from concurrent protocol steps.
type Params struct {
	mu     sync.RWMutex
	values map[string]*paramValue
}

type paramValue struct {
	field Field
	value string
}

// ResolveParams builds Params for a driver's field table from the raw
// values that arrived with a power action. Table declaration errors
// (duplicate keys, malformed choice fields) and values outside a
// choice list fail resolution. Keys the table does not declare are
// ignored, so a newer region can send fields this rack does not know.
func ResolveParams(fields []Field, values map[string]string) (*Params, error) {
	p := &Params{values: make(map[string]*paramValue, len(fields))}
	for _, f := range fields {
		if err := f.validate(); err != nil {
			return nil, err
		}
		if _, ok := p.values[f.Key]; ok {
			return nil, &DuplicateFieldError{Key: f.Key}
		}
		p.values[f.Key] = &paramValue{field: f, value: f.Default}
	}
	for key, value := range values {
		if _, ok := p.values[key]; !ok {
			continue
		}
		if err := p.Set(key, value); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Set stores a new value for key. Setting a choice field to a value
// outside its choice list fails and leaves the stored value as it
// was.
func (p *Params) Set(key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pv, ok := p.values[key]
	if !ok {
		return &FieldNotFoundError{Key: key}
	}
	if pv.field.Type == FieldTypeChoice && !pv.field.allows(value) {
		return &InvalidChoiceError{Key: key, Value: value, Choices: pv.field.Choices}
	}
	pv.value = value
	return nil
}

func (p *Params) get(key string, want FieldType) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pv, ok := p.values[key]
	if !ok {
		return "", &FieldNotFoundError{Key: key}
	}
	if pv.field.Type != want {
		return "", &FieldWrongTypeError{Key: key, Want: want, Got: pv.field.Type}
	}
	return pv.value, nil
}

// String returns the value of a string field.
func (p *Params) String(key string) (string, error) {
	return p.get(key, FieldTypeString)
}

// MACAddress returns the value of a MAC address field.
func (p *Params) MACAddress(key string) (string, error) {
	return p.get(key, FieldTypeMACAddress)
}

// Choice returns the value of a choice field.
func (p *Params) Choice(key string) (string, error) {
	return p.get(key, FieldTypeChoice)
}

// Password returns the value of a password field.
func (p *Params) Password(key string) (string, error) {
	return p.get(key, FieldTypePassword)
}
