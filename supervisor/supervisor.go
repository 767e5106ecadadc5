// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// statusConcurrency bounds the parallel status probes in
// GetStatusMap. Probes shell out to systemctl or supervisorctl; a
// handful at a time is plenty for a rack's service table.
const statusConcurrency = 4

// Supervisor is the service registry.
type Supervisor struct {
	logger *slog.Logger

	mu       sync.RWMutex
	services map[string]Service
	order    []string
}

// New returns an empty registry.
func New(logger *slog.Logger) *Supervisor {
	return &Supervisor{
		logger:   logger,
		services: make(map[string]Service),
	}
}

// Register adds a service. Names are unique; registering a duplicate
// is an error.
func (s *Supervisor) Register(service Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := service.Name()
	if _, exists := s.services[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}
	s.services[name] = service
	s.order = append(s.order, name)
	return nil
}

// Get returns the service registered under name.
func (s *Supervisor) Get(name string) (Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	service, ok := s.services[name]
	if !ok {
		return nil, fmt.Errorf("service %q not registered", name)
	}
	return service, nil
}

// GetByType returns every service carrying the given type tag, in
// registration order.
func (s *Supervisor) GetByType(serviceType string) []Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []Service
	for _, name := range s.order {
		if service := s.services[name]; service.Type() == serviceType {
			matched = append(matched, service)
		}
	}
	return matched
}

// Services returns all registered services in registration order.
func (s *Supervisor) Services() []Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]Service, 0, len(s.order))
	for _, name := range s.order {
		all = append(all, s.services[name])
	}
	return all
}

// GetStatusMap probes every registered service concurrently and
// returns name to status. A probe that fails contributes
// StateUnknown with the error text; one broken service never hides
// the health of the others.
func (s *Supervisor) GetStatusMap(ctx context.Context) map[string]Status {
	services := s.Services()

	var mu sync.Mutex
	statuses := make(map[string]Status, len(services))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(statusConcurrency)
	for _, service := range services {
		group.Go(func() error {
			status, err := service.Status(groupCtx)
			if err != nil {
				s.logger.Warn("service status probe failed",
					"service", service.Name(), "error", err)
				status = Status{State: StateUnknown, Info: err.Error()}
			}
			mu.Lock()
			statuses[service.Name()] = status
			mu.Unlock()
			return nil
		})
	}
	group.Wait()
	return statuses
}
