// Copyright (C) 2025, NaatiPrep Pty Ltd. All rights reserved.
// See the file LICENSE for licensing terms.

package analytics

import (
	"sync"

	"github.com/naatiprep/adserve/pkg/events"
)

// InMemoryStorage keeps analytics events in process memory.
type InMemoryStorage struct {
	mu     sync.RWMutex
	events []events.Event
}

// NewInMemoryStorage creates new in-memory storage
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{}
}

// Store saves an event
func (s *InMemoryStorage) Store(ev *events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

// Query retrieves events matching filter
func (s *InMemoryStorage) Query(filter QueryFilter) ([]*events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*events.Event, 0)
	for i := range s.events {
		if !s.matches(&s.events[i], filter) {
			continue
		}
		results = append(results, &s.events[i])
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

func (s *InMemoryStorage) matches(ev *events.Event, filter QueryFilter) bool {
	if !filter.StartTime.IsZero() && ev.Timestamp.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && ev.Timestamp.After(filter.EndTime) {
		return false
	}

	if len(filter.EventTypes) > 0 {
		found := false
		for _, typ := range filter.EventTypes {
			if ev.Type == typ {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(filter.AdIDs) > 0 {
		found := false
		for _, id := range filter.AdIDs {
			if ev.AdID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}
