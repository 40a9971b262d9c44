// Copyright (C) 2025, NaatiPrep Pty Ltd. All rights reserved.
// See the file LICENSE for licensing terms.

package ads

import (
	"sync"
	"time"

	"github.com/naatiprep/adserve/pkg/log"
)

// FrequencyCapper tracks per-subject impression counts per unit. Counters are
// epoch-scoped (daily) and device-local to this process; there is no cross-
// instance coordination.
type FrequencyCapper struct {
	mu       sync.Mutex
	counters map[string]*unitCounter
	log      log.Logger
}

type unitCounter struct {
	count uint32
	epoch uint32
}

// NewFrequencyCapper creates an empty capper.
func NewFrequencyCapper(logger log.Logger) *FrequencyCapper {
	return &FrequencyCapper{
		counters: make(map[string]*unitCounter),
		log:      logger,
	}
}

// Allow checks the cap for (subject, unit) and increments when under it.
// A cap of zero means uncapped; the counter is still maintained for
// reporting. Counters reset at the epoch (day) boundary.
func (f *FrequencyCapper) Allow(subjectID, unitID string, cap uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := subjectID + ":" + unitID
	epoch := currentEpoch()

	counter, exists := f.counters[key]
	if !exists || counter.epoch != epoch {
		counter = &unitCounter{epoch: epoch}
		f.counters[key] = counter
	}

	if cap > 0 && counter.count >= cap {
		f.log.Debug("frequency cap reached",
			"subject", subjectID,
			"unit", unitID,
			"count", counter.count,
			"cap", cap)
		return false
	}

	counter.count++
	return true
}

// Count returns the current epoch's impression count for (subject, unit).
func (f *FrequencyCapper) Count(subjectID, unitID string) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	counter, exists := f.counters[subjectID+":"+unitID]
	if !exists || counter.epoch != currentEpoch() {
		return 0
	}
	return counter.count
}

func currentEpoch() uint32 {
	return uint32(time.Now().Unix() / 86400)
}
