// Copyright (C) 2025, NaatiPrep Pty Ltd. All rights reserved.
// See the file LICENSE for licensing terms.

package ads

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/naatiprep/adserve/pkg/storage"
)

var (
	ErrNotFound = errors.New("ads: unit not found")
	ErrNoFill   = errors.New("ads: no eligible inventory")
)

const unitKeyPrefix = "ad/"

// Unit is one piece of ad inventory. Units carrying targeting rules are
// personalized content gated behind marketing consent; units without rules
// are the non-personalized house fallback.
type Unit struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Placement       string            `json:"placement"`
	CreativeURL     string            `json:"creativeUrl"`
	ClickThroughURL string            `json:"clickThroughUrl,omitempty"`
	Targeting       map[string]string `json:"targeting,omitempty"`
	Weight          int               `json:"weight"`
	CPM             decimal.Decimal   `json:"cpm"`
	Active          bool              `json:"active"`
	FrequencyCap    uint32            `json:"frequencyCap,omitempty"` // per subject per day, 0 = uncapped
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// TargetingRules implements compliance.AdUnit.
func (u *Unit) TargetingRules() map[string]string {
	return u.Targeting
}

// Store persists ad inventory in the key-value store.
type Store struct {
	db storage.Store
}

// NewStore creates an inventory store over db.
func NewStore(db storage.Store) *Store {
	return &Store{db: db}
}

// Put inserts or updates a unit, assigning an id and timestamps as needed.
func (s *Store) Put(u *Unit) error {
	now := time.Now().UTC()
	if u.ID == "" {
		u.ID = uuid.New().String()
		u.CreatedAt = now
	}
	if u.Weight <= 0 {
		u.Weight = 1
	}
	u.UpdatedAt = now

	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(unitKeyPrefix+u.ID), raw)
}

// Get retrieves a unit by id.
func (s *Store) Get(id string) (*Unit, error) {
	raw, err := s.db.Get([]byte(unitKeyPrefix + id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var u Unit
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Delete removes a unit by id.
func (s *Store) Delete(id string) error {
	return s.db.Delete([]byte(unitKeyPrefix + id))
}

// List returns all inventory.
func (s *Store) List() ([]*Unit, error) {
	return s.list(func(*Unit) bool { return true })
}

// ListPlacement returns all inventory for one placement.
func (s *Store) ListPlacement(placement string) ([]*Unit, error) {
	return s.list(func(u *Unit) bool { return u.Placement == placement })
}

func (s *Store) list(keep func(*Unit) bool) ([]*Unit, error) {
	var units []*Unit
	err := s.db.IteratePrefix([]byte(unitKeyPrefix), func(_, value []byte) bool {
		var u Unit
		if json.Unmarshal(value, &u) == nil && keep(&u) {
			units = append(units, &u)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return units, nil
}
