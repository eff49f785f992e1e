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

// This file contains the implementation of the group struct. Callers must hold
// the Limiter's lock.

// group struct describes an individual limit group.
type group struct {
	name    string
	limit   int
	current int
	waiting []chan struct{}
}

// newGroup creates a new group. A limit of 0 or less is unlimited.
func newGroup(name string, limit int) *group {
	if limit < 0 {
		limit = 0
	}
	return &group{
		name:  name,
		limit: limit,
	}
}

// setLimit updates the group's limit, waking waiters if it went up.
func (g *group) setLimit(limit int) {
	if limit < 0 {
		limit = 0
	}
	g.limit = limit
	g.notify()
}

// canAcquire tells you if there is a free slot.
func (g *group) canAcquire() bool {
	return g.limit == 0 || g.current < g.limit
}

// acquire takes a slot if there is one free. Returns true if it did.
func (g *group) acquire() bool {
	if !g.canAcquire() {
		return false
	}
	g.current++
	return true
}

// release frees a slot. Returns false if none were taken.
func (g *group) release() bool {
	if g.current <= 0 {
		return false
	}
	g.current--
	g.notify()
	return true
}

// wait returns a channel that will be closed the next time a slot might have
// become free.
func (g *group) wait() chan struct{} {
	ch := make(chan struct{})
	g.waiting = append(g.waiting, ch)
	return ch
}

// notify wakes all waiters, who must then compete for slots.
func (g *group) notify() {
	for _, ch := range g.waiting {
		close(ch)
	}
	g.waiting = nil
}
