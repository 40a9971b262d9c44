// Copyright (C) 2025, NaatiPrep Pty Ltd. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var errSimulated = errors.New("storage: simulated failure")

// MemStore is an in-memory Store used in tests and for ephemeral deployments.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte

	// failWrites forces Put/Delete to fail; used to exercise degraded paths.
	failWrites bool
	failReads  bool
}

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

// FailWrites toggles simulated write failures
func (s *MemStore) FailWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = fail
}

// FailReads toggles simulated read failures
func (s *MemStore) FailReads(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReads = fail
}

// Put stores a key-value pair
func (s *MemStore) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errSimulated
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[string(key)] = cp
	return nil
}

// Get retrieves a value by key
func (s *MemStore) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failReads {
		return nil, errSimulated
	}
	value, ok := s.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

// Has checks if a key exists
func (s *MemStore) Has(key []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failReads {
		return false, errSimulated
	}
	_, ok := s.data[string(key)]
	return ok, nil
}

// Delete removes a key-value pair
func (s *MemStore) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errSimulated
	}
	delete(s.data, string(key))
	return nil
}

// IteratePrefix iterates keys with the given prefix in lexical order
func (s *MemStore) IteratePrefix(prefix []byte, fn func(key, value []byte) bool) error {
	s.mu.RLock()
	if s.failReads {
		s.mu.RUnlock()
		return errSimulated
	}
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	type pair struct {
		k string
		v []byte
	}
	pairs := make([]pair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, pair{k: k, v: s.data[k]})
	}
	s.mu.RUnlock()

	for _, p := range pairs {
		if !fn([]byte(p.k), p.v) {
			return nil
		}
	}
	return nil
}

// Close is a no-op for the in-memory store
func (s *MemStore) Close() error {
	return nil
}
