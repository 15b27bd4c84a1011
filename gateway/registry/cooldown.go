// Copyright 2025 ModelGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"time"
)

// CooldownState represents the dispatch eligibility of a model option.
type CooldownState int

const (
	// CooldownClosed allows requests through.
	CooldownClosed CooldownState = iota
	// CooldownOpen blocks requests until the reset timeout elapses.
	CooldownOpen
	// CooldownHalfOpen allows a single probe request through.
	CooldownHalfOpen
)

// String returns a readable name for the state.
func (s CooldownState) String() string {
	switch s {
	case CooldownClosed:
		return "closed"
	case CooldownOpen:
		return "open"
	case CooldownHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// cooldown tracks consecutive failures for one model option and takes it
// out of rotation when the failure threshold is crossed. After the reset
// timeout the option re-enters rotation with a single probe; the probe's
// outcome closes or re-opens the cooldown.
//
// Callers must hold the owning shard's lock: the struct itself is not
// synchronized.
type cooldown struct {
	failures        int
	threshold       int
	resetTimeout    time.Duration
	lastFailureTime time.Time
	probing         bool
	state           CooldownState
}

func newCooldown(threshold int, resetTimeout time.Duration) *cooldown {
	return &cooldown{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        CooldownClosed,
	}
}

// allow checks if a request may be sent to the option, advancing
// open to half-open once the reset timeout has elapsed.
func (c *cooldown) allow(now time.Time) bool {
	switch c.state {
	case CooldownClosed:
		return true
	case CooldownOpen:
		if now.Sub(c.lastFailureTime) >= c.resetTimeout {
			c.state = CooldownHalfOpen
			c.probing = false
		} else {
			return false
		}
		fallthrough
	case CooldownHalfOpen:
		// Only one in-flight probe while half-open
		if c.probing {
			return false
		}
		c.probing = true
		return true
	}
	return false
}

// recordSuccess closes the cooldown and clears failure history.
func (c *cooldown) recordSuccess() {
	c.failures = 0
	c.probing = false
	c.state = CooldownClosed
}

// recordFailure counts a failure, opening the cooldown at the threshold.
// A failed half-open probe re-opens immediately.
func (c *cooldown) recordFailure(now time.Time) {
	c.failures++
	c.lastFailureTime = now
	c.probing = false

	if c.state == CooldownHalfOpen || c.failures >= c.threshold {
		c.state = CooldownOpen
	}
}

// abortProbe returns the half-open probe slot when a granted attempt
// ends without an outcome, so the next caller can probe instead.
func (c *cooldown) abortProbe() {
	if c.state == CooldownHalfOpen {
		c.probing = false
	}
}

// forceOpen opens the cooldown immediately regardless of the failure
// count, used when a single failure is severe enough to pull the option
// from rotation.
func (c *cooldown) forceOpen(now time.Time) {
	c.lastFailureTime = now
	c.probing = false
	c.state = CooldownOpen
}

// reset returns the cooldown to its initial closed state.
func (c *cooldown) reset() {
	c.failures = 0
	c.probing = false
	c.state = CooldownClosed
}
