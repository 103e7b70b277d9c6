// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package key provides synchronized monotonic counters. They are used for
// snapshot ids and sequence numbers of tracked operations.
package key

import (
	"sync"
)

// Counter holds the next unassigned key. The zero value starts at zero.
type Counter struct {
	key   uint64
	mutex sync.Mutex
}

// Returns value of currently unassigned key and increments, hence the counter
// contains unassigned key again.
func (c *Counter) Next() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tmp := c.key
	c.key++

	return tmp
}

// Raises the next unassigned key to atLeast. Lower values are ignored, so keys
// never go backwards.
func (c *Counter) Advance(atLeast uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if atLeast > c.key {
		c.key = atLeast
	}
}
