// Copyright © 2026 Genome Research Limited
//
//  This file is part of jobdriver.
//
//  jobdriver is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  jobdriver is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with jobdriver. If not, see <http://www.gnu.org/licenses/>.


package limiter

// This file contains the implementation of the main struct in the limiter
// package, the Limiter.

import (
	"context"

	sync "github.com/sasha-s/go-deadlock"
)

// LimitCallback is provided to New(). Your function should take the name of a
// group and return the most slots that may be acquired in it at once, with 0
// meaning no limit.
type LimitCallback func(name string) int

// Limiter struct is used to limit how many jobs run in each group.
type Limiter struct {
	cb     LimitCallback
	groups map[string]*group
	mu     sync.Mutex
}

// New creates a new Limiter.
func New(cb LimitCallback) *Limiter {
	return &Limiter{
		cb:     cb,
		groups: make(map[string]*group),
	}
}

// SetLimit creates or updates a group with the given limit. Raising the limit
// unblocks waiting Acquire() calls.
func (l *Limiter) SetLimit(name string, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if g, set := l.groups[name]; set {
		g.setLimit(limit)
	} else {
		l.groups[name] = newGroup(name, limit)
	}
}

// GetLimit tells you the limit of the given group, calling the callback if
// the group isn't currently in memory.
func (l *Limiter) GetLimit(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vivifyGroup(name).limit
}

// Acquired tells you how many slots are currently taken in the given group.
func (l *Limiter) Acquired(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if g, exists := l.groups[name]; exists {
		return g.current
	}
	return 0
}

// TryAcquire takes a slot in the given group if one is free, returning true if
// it did.
func (l *Limiter) TryAcquire(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vivifyGroup(name).acquire()
}

// Acquire takes a slot in the given group, waiting until one is free. It only
// returns an error, the context's, if ctx is done first.
func (l *Limiter) Acquire(ctx context.Context, name string) error {
	for {
		l.mu.Lock()
		g := l.vivifyGroup(name)
		if g.acquire() {
			l.mu.Unlock()
			return nil
		}
		ch := g.wait()
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release frees a slot previously acquired in the given group.
//
// To save memory, a group with no acquired slots is forgotten, so its limit
// will be got from the callback again next time.
func (l *Limiter) Release(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, exists := l.groups[name]
	if !exists || !g.release() {
		return Error{name, "Release", ErrNotAcquired}
	}

	if g.current == 0 {
		delete(l.groups, name)
	}
	return nil
}

// vivifyGroup either returns a stored group or creates a new one based on the
// results of calling the LimitCallback. You must have the mu.Lock() before
// calling this.
func (l *Limiter) vivifyGroup(name string) *group {
	g, exists := l.groups[name]
	if !exists {
		g = newGroup(name, l.cb(name))
		l.groups[name] = g
	}
	return g
}
