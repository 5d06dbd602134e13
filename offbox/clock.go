// Copyright 2025 X-Ear CRM Authors
// SPDX-License-Identifier: Apache-2.0

package offbox

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock supplies local timestamps and globally unique operation ids. A fake
// implementation can be injected in tests to drive ordering deterministically.
type Clock interface {
	// Now returns a strictly increasing local timestamp.
	Now() time.Time
	// NewOperationID returns a globally unique id, used as idempotency key.
	NewOperationID() string
}

// systemClock is the default Clock. Wall-clock time can step backwards
// (NTP, suspend/resume); enqueue ordering must not, so consecutive reads are
// forced monotonic.
type systemClock struct {
	mu   sync.Mutex
	last time.Time
}

func newSystemClock() *systemClock {
	return &systemClock{}
}

func (c *systemClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	if !now.After(c.last) {
		now = c.last.Add(time.Microsecond)
	}
	c.last = now
	return now
}

func (c *systemClock) NewOperationID() string {
	return uuid.New().String()
}
